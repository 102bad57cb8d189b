package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/metalpool/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	c, err := New("http://region:5240/", WithToken("abc"))
	require.NoError(t, err)
	assert.Equal(t, "http://region:5240", c.baseURL)
	assert.Equal(t, "abc", c.token)
}

func TestListMachines(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/machines", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		got = r.URL.Query()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count": 1,
			"total": 3,
			"machines": []map[string]interface{}{
				{"id": 1, "system_id": "abc123", "hostname": "node-01", "status": "ready"},
			},
		})
	}, WithToken("secret"))

	list, err := c.ListMachines(context.Background(), Query{
		Statuses: []string{"ready", "allocated"},
		Zone:     "rack-a",
		Limit:    1,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ready", "allocated"}, got["status"])
	assert.Equal(t, "rack-a", got.Get("zone"))
	assert.Equal(t, "1", got.Get("limit"))
	assert.Empty(t, got.Get("offset"))

	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Machines, 1)
	assert.Equal(t, "node-01", list.Machines[0].Hostname)
	assert.Equal(t, models.StatusReady, list.Machines[0].Status)
}

func TestListFiltersAndAllocated(t *testing.T) {
	var paths []string
	var queries []url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		queries = append(queries, r.URL.Query())
		writeJSON(w, http.StatusOK, map[string]interface{}{"count": 0, "total": 0, "machines": []interface{}{}})
	})

	empty := ""
	_, err := c.ListMachines(context.Background(), Query{
		SystemIDs: []string{"abc123", "def456"},
		MACs:      []string{"52:54:00:aa:bb:cc"},
		AgentName: &empty,
	})
	require.NoError(t, err)
	_, err = c.ListAllocated(context.Background(), Query{})
	require.NoError(t, err)

	require.Len(t, paths, 2)
	assert.Equal(t, "/api/v1/machines", paths[0])
	assert.Equal(t, []string{"abc123", "def456"}, queries[0]["id"])
	assert.Equal(t, "52:54:00:aa:bb:cc", queries[0].Get("mac_address"))
	assert.Contains(t, queries[0], "agent_name")
	assert.Equal(t, "/api/v1/machines/allocated", paths[1])
	assert.Empty(t, queries[1])
}

func TestPowerParameters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/machines/power-parameters", r.URL.Path)
		assert.Equal(t, []string{"abc123"}, r.URL.Query()["id"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"abc123": map[string]string{"power_on_uri": "http://bmc/on"},
		})
	})

	params, err := c.PowerParameters(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "http://bmc/on", params["abc123"]["power_on_uri"])
}

func TestEnlistMachine(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req EnlistRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "node-07", req.Hostname)

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id": 7, "system_id": "xyz789", "hostname": req.Hostname, "status": "new",
		})
	})

	m, err := c.EnlistMachine(context.Background(), EnlistRequest{Hostname: "node-07", Architecture: "amd64/generic"})
	require.NoError(t, err)
	assert.Equal(t, "xyz789", m.SystemID)
	assert.Equal(t, models.StatusNew, m.Status)
}

func TestAllocateSendsForm(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/machines/allocate", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, []string{"ssd", "fast"}, r.PostForm["tags"])
		assert.Equal(t, "true", r.PostForm.Get("verbose"))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":             2,
			"system_id":      "abc123",
			"hostname":       "node-02",
			"status":         "allocated",
			"constraint_map": map[string]string{"10": "root"},
			"constraints_by_type": map[string]interface{}{
				"storage": map[string][]int64{"root": {10}},
			},
			"verbose_storage": map[string]map[string]string{"2": {"10": "root"}},
		})
	})

	params := url.Values{}
	params.Add("tags", "ssd")
	params.Add("tags", "fast")
	params.Set("verbose", "true")

	alloc, err := c.Allocate(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "abc123", alloc.SystemID)
	assert.Equal(t, models.StatusAllocated, alloc.Status)
	assert.Equal(t, map[int64]string{10: "root"}, alloc.ConstraintMap)
	assert.Equal(t, []int64{10}, alloc.ConstraintsByType.Storage["root"])
	assert.Equal(t, "root", alloc.VerboseStorage[2][10])
}

func TestBulkOperations(t *testing.T) {
	tests := []struct {
		name string
		call func(c *Client) (*BulkResult, error)
		path string
		zone string
	}{
		{
			name: "accept",
			call: func(c *Client) (*BulkResult, error) { return c.Accept(context.Background(), []string{"a1"}) },
			path: "/api/v1/machines/accept",
		},
		{
			name: "release",
			call: func(c *Client) (*BulkResult, error) { return c.Release(context.Background(), []string{"a1"}) },
			path: "/api/v1/machines/release",
		},
		{
			name: "set zone",
			call: func(c *Client) (*BulkResult, error) {
				return c.SetZone(context.Background(), []string{"a1"}, "rack-b")
			},
			path: "/api/v1/machines/set-zone",
			zone: "rack-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.path, r.URL.Path)
				var body struct {
					Machines []string `json:"machines"`
					Zone     string   `json:"zone"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, []string{"a1"}, body.Machines)
				assert.Equal(t, tt.zone, body.Zone)

				writeJSON(w, http.StatusOK, map[string]interface{}{
					"system_ids": []string{"a1"},
					"succeeded":  []map[string]string{{"system_id": "a1"}},
				})
			})

			res, err := tt.call(c)
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, res.SystemIDs)
			require.Len(t, res.Succeeded, 1)
		})
	}
}

func TestPowerCommands(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		status := http.StatusAccepted
		if r.Method == http.MethodGet {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]string{"system_id": "abc123", "state": "on"})
	})

	ctx := context.Background()
	state, err := c.PowerState(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.PowerOn, state.State)

	_, err = c.PowerOn(ctx, "abc123")
	require.NoError(t, err)
	_, err = c.PowerOff(ctx, "abc123")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET /api/v1/machines/abc123/power",
		"POST /api/v1/machines/abc123/power/on",
		"POST /api/v1/machines/abc123/power/off",
	}, paths)
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantField   string
	}{
		{
			name:        "structured",
			status:      http.StatusConflict,
			body:        `{"code":409,"message":"No machine available."}`,
			wantMessage: "No machine available.",
		},
		{
			name:        "field",
			status:      http.StatusBadRequest,
			body:        `{"code":400,"message":"No such zone(s): nowhere.","field":"zone"}`,
			wantMessage: "No such zone(s): nowhere.",
			wantField:   "zone",
		},
		{
			name:        "plain text",
			status:      http.StatusBadGateway,
			body:        "upstream down\n",
			wantMessage: "upstream down",
		},
		{
			name:        "empty",
			status:      http.StatusServiceUnavailable,
			wantMessage: "Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.GetMachine(context.Background(), "abc123")
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.wantField, apiErr.Field)
		})
	}
}
