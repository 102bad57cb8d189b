package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/models"
)

func newTestAgent(t *testing.T, cfg Config) (*Agent, *rackrpc.HTTPClient) {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "rack-01"
	}
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	c, err := rackrpc.NewHTTPClient(srv.URL, a.Token(), nil)
	require.NoError(t, err)
	return a, c
}

func TestNewRequiresID(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	_, c := newTestAgent(t, Config{})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "rack-01", h.ID)
	assert.Equal(t, []string{"manual", "virtual", "webhook"}, h.Drivers)
}

func TestRequiresToken(t *testing.T) {
	a, _ := newTestAgent(t, Config{Token: "right"})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	c, err := rackrpc.NewHTTPClient(srv.URL, "wrong", nil)
	require.NoError(t, err)
	_, err = c.PowerQuery(context.Background(), models.PowerDescriptor{SystemID: "abc", PowerType: "virtual"})
	assert.ErrorIs(t, err, rackrpc.ErrNoConnectionsAvailable)
}

func TestVirtualPower(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	ctx := context.Background()
	m := models.PowerDescriptor{SystemID: "abc", Hostname: "node-01", PowerType: "virtual"}

	state, err := c.PowerQuery(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.PowerOff, state)

	state, err = c.PowerOn(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.PowerOn, state)

	state, err = c.PowerQuery(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.PowerOn, state)

	state, err = c.PowerOff(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.PowerOff, state)

	assert.NoError(t, c.EraseDisks(ctx, m, true))

	m.PowerParameters = map[string]string{"fail": "true"}
	_, err = c.PowerOn(ctx, m)
	var fail *rackrpc.PowerActionFail
	require.ErrorAs(t, err, &fail)
	assert.Contains(t, fail.Reason, "configured to fail")
}

func TestDriverErrors(t *testing.T) {
	_, c := newTestAgent(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		machine models.PowerDescriptor
	}{
		{"manual query", models.PowerDescriptor{SystemID: "a", PowerType: "manual"}},
		{"unknown power type", models.PowerDescriptor{SystemID: "a", PowerType: "amt"}},
		{"webhook without query uri", models.PowerDescriptor{SystemID: "a", PowerType: "webhook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.PowerQuery(ctx, tt.machine)
			var ni *rackrpc.NotImplementedError
			assert.ErrorAs(t, err, &ni)
		})
	}

	_, err := c.PowerQuery(ctx, models.PowerDescriptor{PowerType: "virtual"})
	assert.Error(t, err)
}

func TestWebhookDriver(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte("Chassis Power is RUNNING\n"))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer hook.Close()

	_, c := newTestAgent(t, Config{})
	ctx := context.Background()
	m := models.PowerDescriptor{
		SystemID:  "abc",
		PowerType: "webhook",
		PowerParameters: map[string]string{
			"power_on_uri":    hook.URL + "/on",
			"power_off_uri":   hook.URL + "/broken",
			"power_query_uri": hook.URL + "/status",
			"power_on_regex":  "RUNNING",
		},
	}

	state, err := c.PowerQuery(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.PowerOn, state)

	state, err = c.PowerOn(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, models.PowerOn, state)

	_, err = c.PowerOff(ctx, m)
	var fail *rackrpc.PowerActionFail
	require.ErrorAs(t, err, &fail)
	assert.Contains(t, fail.Reason, "HTTP 500")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GET /status", "POST /on", "POST /broken"}, calls)
}

func TestMatchState(t *testing.T) {
	tests := []struct {
		body   string
		params map[string]string
		want   models.PowerState
	}{
		{"on", nil, models.PowerOn},
		{"off", nil, models.PowerOff},
		{"???", nil, models.PowerUnknown},
		{"status=1", map[string]string{"power_on_regex": "status=1", "power_off_regex": "status=0"}, models.PowerOn},
		{"status=0", map[string]string{"power_on_regex": "status=1", "power_off_regex": "status=0"}, models.PowerOff},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, err := matchState(tt.body, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := matchState("on", map[string]string{"power_on_regex": "("})
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	var got rackrpc.RegisterRequest
	var auth string
	region := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RegisterPath, r.URL.Path)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Secret != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer region.Close()

	a, err := New(Config{
		ID:           "rack-02",
		AdvertiseURL: "http://10.0.0.2:5248",
		RegionURL:    region.URL,
		Secret:       "s3cret",
		UserToken:    "jwt",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, a.Register(context.Background()))
	assert.Equal(t, "rack-02", got.ID)
	assert.Equal(t, "http://10.0.0.2:5248", got.URL)
	assert.Equal(t, a.Token(), got.Token)
	assert.NotEmpty(t, got.Token)
	assert.Equal(t, "Bearer jwt", auth)

	a.secret = "wrong"
	assert.Error(t, a.Register(context.Background()))
}
