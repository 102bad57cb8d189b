package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evalgo.org/metalpool/agent"
	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/internal/constraints"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/models"
)

// allocationBody is the decoded allocate response; JSON object keys are
// always strings.
type allocationBody struct {
	SystemID          string            `json:"system_id"`
	Status            models.NodeStatus `json:"status"`
	Owner             string            `json:"owner"`
	AgentName         string            `json:"agent_name"`
	ConstraintMap     map[string]string `json:"constraint_map"`
	ConstraintsByType struct {
		Storage map[string][]int64 `json:"storage"`
	} `json:"constraints_by_type"`
	VerboseStorage map[string]map[string]string `json:"verbose_storage"`
	DryRun         bool                         `json:"dry_run"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Context struct {
		ID     string `json:"id"`
		Result struct {
			Succeeded []*models.Machine `json:"succeeded"`
			Unknown   []string          `json:"unknown"`
			Forbidden []string          `json:"forbidden"`
			Conflicts []struct {
				SystemID string            `json:"system_id"`
				Status   models.NodeStatus `json:"status"`
			} `json:"conflicts"`
		} `json:"result"`
	} `json:"context"`
}

type bulkBody struct {
	SystemIDs []string          `json:"system_ids"`
	Succeeded []*models.Machine `json:"succeeded"`
	Unchanged []string          `json:"unchanged"`
}

func TestEnlistMachine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateTag(ctx, &models.Tag{Name: "gpu"}))

	valid := EnlistRequest{
		Hostname:     "node-01",
		Architecture: "amd64/generic",
		CPUCount:     8,
		Memory:       16384,
		Tags:         []string{"gpu"},
		PowerType:    "virtual",
		StorageDevices: []models.StorageDevice{
			{ID: 99, Name: "sda", Size: 500 * constraints.GB, Tags: []string{"ssd"}, BootDisk: true},
		},
		Interfaces: []models.Interface{
			{Name: "eth0", MACAddress: "52:54:00:12:34:56"},
		},
	}

	rec := f.request(http.MethodPost, "/api/v1/machines", valid)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Machine
	decode(t, rec, &created)
	assert.NotEmpty(t, created.SystemID)
	assert.Equal(t, models.StatusNew, created.Status)
	assert.Equal(t, models.DefaultZone, created.Zone)
	assert.Equal(t, models.PowerUnknown, created.PowerState)
	require.Len(t, created.StorageDevices, 1)
	assert.NotEqual(t, int64(99), created.StorageDevices[0].ID, "device ids are assigned by the registry")

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantField  string
	}{
		{
			name:       "duplicate hostname",
			body:       EnlistRequest{Hostname: "node-01"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "missing hostname",
			body:       EnlistRequest{Architecture: "amd64/generic"},
			wantStatus: http.StatusBadRequest,
			wantField:  "hostname",
		},
		{
			name:       "invalid hostname",
			body:       EnlistRequest{Hostname: "not_a_host!"},
			wantStatus: http.StatusBadRequest,
			wantField:  "hostname",
		},
		{
			name:       "unknown zone",
			body:       EnlistRequest{Hostname: "node-02", Zone: "nowhere"},
			wantStatus: http.StatusBadRequest,
			wantField:  "zone",
		},
		{
			name:       "unknown tag",
			body:       EnlistRequest{Hostname: "node-02", Tags: []string{"fpga"}},
			wantStatus: http.StatusBadRequest,
			wantField:  "tags",
		},
		{
			name:       "unknown power type",
			body:       EnlistRequest{Hostname: "node-02", PowerType: "ipmi"},
			wantStatus: http.StatusBadRequest,
			wantField:  "power_type",
		},
		{
			name:       "malformed json",
			body:       `{"hostname":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if raw, ok := tt.body.(string); ok {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/machines", strings.NewReader(raw))
				req.Header.Set("Content-Type", "application/json")
				rec = httptest.NewRecorder()
				f.srv.ServeHTTP(rec, req)
			} else {
				rec = f.request(http.MethodPost, "/api/v1/machines", tt.body)
			}
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantField != "" {
				var body errorBody
				decode(t, rec, &body)
				assert.Equal(t, tt.wantField, body.Field)
			}
		})
	}
}

func TestGetAndListMachines(t *testing.T) {
	f := newFixture(t, nil)
	ready := f.seed("node-01", models.StatusReady)
	second := f.seed("node-02", models.StatusReady, withMAC("52:54:00:aa:bb:cc"))
	f.seed("node-03", models.StatusAllocated, ownedBy("alice"), func(m *models.Machine) { m.AgentName = "juju" })

	t.Run("get", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/"+ready.SystemID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var m models.Machine
		decode(t, rec, &m)
		assert.Equal(t, "node-01", m.Hostname)
		assert.Equal(t, models.StatusReady, m.Status)
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/nope", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)

		var body errorBody
		decode(t, rec, &body)
		assert.Equal(t, "nope", body.Context.ID)
	})

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantTotal int
	}{
		{"all", "", 3, 3},
		{"by status", "?status=ready", 2, 2},
		{"two statuses", "?status=ready&status=allocated", 3, 3},
		{"by owner", "?owner=alice", 1, 1},
		{"by hostname", "?hostname=node-02", 1, 1},
		{"by zone", "?zone=default", 3, 3},
		{"by id", "?id=" + ready.SystemID + "&id=" + second.SystemID, 2, 2},
		{"unknown id", "?id=nope", 0, 0},
		{"by mac", "?mac_address=52:54:00:AA:BB:CC", 1, 1},
		{"by agent name", "?agent_name=juju", 1, 1},
		{"empty agent name", "?agent_name=", 2, 2},
		{"paged", "?limit=2", 2, 3},
		{"second page", "?limit=2&offset=2", 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.request(http.MethodGet, "/api/v1/machines"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body MachinesResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.wantCount, body.Count)
			assert.Equal(t, tt.wantTotal, body.Total)
			assert.Len(t, body.Machines, tt.wantCount)
		})
	}

	t.Run("bad status", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines?status=sleeping", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid macs", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines?mac_address=00:E0:81:DD:D1:ZZ&mac_address=52:54:00:aa:bb:cc&mac_address=00:E0:81:DD:D1:XX", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body errorBody
		decode(t, rec, &body)
		assert.Equal(t, "mac_address", body.Field)
		assert.Equal(t, "Invalid MAC address(es): 00:E0:81:DD:D1:ZZ, 00:E0:81:DD:D1:XX", body.Message)
	})
}

func TestListAllocated(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Security.AuthEnabled = true })
	f.seed("node-01", models.StatusReady)
	mine := f.seed("node-02", models.StatusAllocated, ownedBy("alice"))
	deployed := f.seed("node-03", models.StatusDeployed, ownedBy("alice"))
	f.seed("node-04", models.StatusAllocated, ownedBy("bob"))

	rec := f.request(http.MethodGet, "/api/v1/machines/allocated", nil, f.token("alice", models.RoleUser))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body MachinesResponse
	decode(t, rec, &body)
	var ids []string
	for _, m := range body.Machines {
		ids = append(ids, m.SystemID)
	}
	assert.Equal(t, []string{mine.SystemID, deployed.SystemID}, ids)

	rec = f.request(http.MethodGet, "/api/v1/machines/allocated?status=deployed", nil, f.token("alice", models.RoleUser))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.Len(t, body.Machines, 1)
	assert.Equal(t, deployed.SystemID, body.Machines[0].SystemID)

	rec = f.request(http.MethodGet, "/api/v1/machines/allocated", nil, f.token("carol", models.RoleUser))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Empty(t, body.Machines)
}

func TestPowerParameters(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Security.AuthEnabled = true })
	withParams := func(uri string) func(m *models.Machine) {
		return func(m *models.Machine) {
			m.PowerType = "webhook"
			m.PowerParameters = map[string]string{"power_on_uri": uri}
		}
	}
	first := f.seed("node-01", models.StatusReady, withParams("http://bmc-1/on"))
	second := f.seed("node-02", models.StatusAllocated, ownedBy("alice"), withParams("http://bmc-2/on"))
	third := f.seed("node-03", models.StatusReady)

	admin := f.token("root", models.RoleAdmin)
	user := f.token("alice", models.RoleUser)

	t.Run("requires admin", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/power-parameters", nil, user)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("without ids returns every machine", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/power-parameters", nil, admin)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var got map[string]map[string]string
		decode(t, rec, &got)
		assert.Len(t, got, 3)
		assert.Equal(t, "http://bmc-1/on", got[first.SystemID]["power_on_uri"])
		assert.Empty(t, got[third.SystemID])
	})

	t.Run("ids filter", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/power-parameters?id="+second.SystemID, nil, admin)
		require.Equal(t, http.StatusOK, rec.Code)

		var got map[string]map[string]string
		decode(t, rec, &got)
		assert.Equal(t, map[string]map[string]string{
			second.SystemID: {"power_on_uri": "http://bmc-2/on"},
		}, got)
	})

	t.Run("hidden from non-admin readers", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/"+second.SystemID, nil, user)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "bmc-2")

		rec = f.request(http.MethodGet, "/api/v1/machines", nil, user)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "power_on_uri")

		rec = f.request(http.MethodGet, "/api/v1/machines/"+first.SystemID, nil, admin)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "http://bmc-1/on")
	})
}

func TestAllocateMachine(t *testing.T) {
	t.Run("storage constraint is resolved", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed("small", models.StatusReady, withSSD(5))
		big := f.seed("big", models.StatusReady, withSSD(20))

		rec := f.request(http.MethodPost, "/api/v1/machines/allocate", map[string]interface{}{
			"storage":    "root:10(ssd)",
			"agent_name": "ci",
			"comment":    "nightly run",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body allocationBody
		decode(t, rec, &body)
		assert.Equal(t, big.SystemID, body.SystemID)
		assert.Equal(t, models.StatusAllocated, body.Status)
		assert.Equal(t, "admin", body.Owner)
		assert.Equal(t, "ci", body.AgentName)
		assert.False(t, body.DryRun)

		deviceID := big.StorageDevices[0].ID
		assert.Equal(t, map[string]string{strconv.FormatInt(deviceID, 10): "root"}, body.ConstraintMap)
		assert.Equal(t, []int64{deviceID}, body.ConstraintsByType.Storage["root"])
		assert.Nil(t, body.VerboseStorage)

		stored, err := f.store.GetMachine(context.Background(), big.SystemID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAllocated, stored.Status)
		assert.NotEmpty(t, stored.AllocationToken)
	})

	t.Run("dry run leaves the machine ready", func(t *testing.T) {
		f := newFixture(t, nil)
		m := f.seed("node-01", models.StatusReady)

		rec := f.request(http.MethodPost, "/api/v1/machines/allocate?dry_run=true", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body allocationBody
		decode(t, rec, &body)
		assert.True(t, body.DryRun)
		assert.Equal(t, m.SystemID, body.SystemID)

		stored, err := f.store.GetMachine(context.Background(), m.SystemID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReady, stored.Status)
		assert.Empty(t, stored.Owner)
	})

	t.Run("verbose lists every satisfying candidate", func(t *testing.T) {
		f := newFixture(t, nil)
		a := f.seed("node-a", models.StatusReady, withSSD(20))
		b := f.seed("node-b", models.StatusReady, withSSD(30))
		f.seed("node-c", models.StatusReady, withSSD(1))

		rec := f.request(http.MethodPost, "/api/v1/machines/allocate", "storage=root:10(ssd)&verbose=true&dry_run=true")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body allocationBody
		decode(t, rec, &body)
		require.Len(t, body.VerboseStorage, 2)
		assert.Equal(t, "root", body.VerboseStorage[strconv.FormatInt(a.ID, 10)][strconv.FormatInt(a.StorageDevices[0].ID, 10)])
		assert.Equal(t, "root", body.VerboseStorage[strconv.FormatInt(b.ID, 10)][strconv.FormatInt(b.StorageDevices[0].ID, 10)])
	})

	t.Run("errors", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed("node-01", models.StatusReady, func(m *models.Machine) { m.Tags = []string{"gpu"} })
		require.NoError(t, f.store.CreateTag(context.Background(), &models.Tag{Name: "gpu"}))
		require.NoError(t, f.store.CreateTag(context.Background(), &models.Tag{Name: "fpga"}))

		tests := []struct {
			name       string
			body       interface{}
			wantStatus int
			wantField  string
		}{
			{"unknown tag", map[string]interface{}{"tags": "nosuchtag"}, http.StatusBadRequest, "tags"},
			{"unknown zone", "zone=nowhere", http.StatusBadRequest, "zone"},
			{"unknown arch", map[string]interface{}{"arch": "sparc"}, http.StatusBadRequest, "arch"},
			{"bad cpu count", map[string]interface{}{"cpu_count": "lots"}, http.StatusBadRequest, "cpu_count"},
			{"bad storage", map[string]interface{}{"storage": "root:(ssd"}, http.StatusBadRequest, "storage"},
			{"bad verbose flag", map[string]interface{}{"verbose": "maybe"}, http.StatusBadRequest, "verbose"},
			{"unsupported json value", map[string]interface{}{"tags": map[string]string{"a": "b"}}, http.StatusBadRequest, "tags"},
			{"no match", map[string]interface{}{"tags": []string{"fpga"}}, http.StatusConflict, ""},
			{"too much memory", map[string]interface{}{"mem": 1 << 30}, http.StatusConflict, ""},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := f.request(http.MethodPost, "/api/v1/machines/allocate", tt.body)
				require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
				if tt.wantField != "" {
					var body errorBody
					decode(t, rec, &body)
					assert.Equal(t, tt.wantField, body.Field)
				}
			})
		}
	})

	t.Run("pool exhausted", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed("node-01", models.StatusReady)

		rec := f.request(http.MethodPost, "/api/v1/machines/allocate", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.request(http.MethodPost, "/api/v1/machines/allocate", nil)
		require.Equal(t, http.StatusConflict, rec.Code)

		var body errorBody
		decode(t, rec, &body)
		assert.Equal(t, "No machine available.", body.Message)
	})
}

func TestAcceptMachines(t *testing.T) {
	f := newFixture(t, nil)
	fresh := f.seed("node-01", models.StatusNew)
	ready := f.seed("node-02", models.StatusReady)

	t.Run("mixed request reports conflicts with the full result", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/machines/accept", MachinesRequest{
			Machines: []string{fresh.SystemID, ready.SystemID},
		})
		require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

		var body errorBody
		decode(t, rec, &body)
		assert.Contains(t, body.Message, "Ready")
		require.Len(t, body.Context.Result.Conflicts, 1)
		assert.Equal(t, ready.SystemID, body.Context.Result.Conflicts[0].SystemID)
		assert.Equal(t, models.StatusReady, body.Context.Result.Conflicts[0].Status)
		require.Len(t, body.Context.Result.Succeeded, 1)
		assert.Equal(t, models.StatusCommissioning, body.Context.Result.Succeeded[0].Status)
	})

	t.Run("unknown ids", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/machines/accept", MachinesRequest{Machines: []string{"ghost"}})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body errorBody
		decode(t, rec, &body)
		assert.Equal(t, []string{"ghost"}, body.Context.Result.Unknown)
	})

	t.Run("empty request", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/machines/accept", MachinesRequest{})
		require.Equal(t, http.StatusOK, rec.Code)

		var body bulkBody
		decode(t, rec, &body)
		assert.Empty(t, body.SystemIDs)
	})
}

func TestCommissioningAndDeployFlow(t *testing.T) {
	f := newFixture(t, nil)
	m := f.seed("node-01", models.StatusNew)
	base := "/api/v1/machines/" + m.SystemID

	rec := f.request(http.MethodPost, "/api/v1/machines/accept", MachinesRequest{Machines: []string{m.SystemID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var bulk bulkBody
	decode(t, rec, &bulk)
	assert.Equal(t, []string{m.SystemID}, bulk.SystemIDs)

	t.Run("unfinished results are rejected", func(t *testing.T) {
		rec := f.request(http.MethodPost, base+"/commissioning-result", CommissioningResultRequest{
			Results: []models.ScriptResult{{Name: "lshw", Status: models.ScriptRunning}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty results are rejected", func(t *testing.T) {
		rec := f.request(http.MethodPost, base+"/commissioning-result", CommissioningResultRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = f.request(http.MethodPost, base+"/commissioning-result", CommissioningResultRequest{
		Results: []models.ScriptResult{
			{Name: "lshw", Status: models.ScriptPassed},
			{Name: "smartctl", Status: models.ScriptPassed},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var commissioned models.Machine
	decode(t, rec, &commissioned)
	assert.Equal(t, models.StatusReady, commissioned.Status)

	rec = f.request(http.MethodGet, base+"/script-sets?type=commissioning", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sets []*models.ScriptSet
	decode(t, rec, &sets)
	require.Len(t, sets, 1)
	assert.NotNil(t, sets[0].Ended)
	assert.Len(t, sets[0].Results, 2)

	rec = f.request(http.MethodPost, "/api/v1/machines/allocate", map[string]interface{}{"name": "node-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.request(http.MethodPost, base+"/mark-deployed", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only deploying machines can be marked deployed")

	rec = f.request(http.MethodPost, base+"/deploy", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var deploying models.Machine
	decode(t, rec, &deploying)
	assert.Equal(t, models.StatusDeploying, deploying.Status)

	rec = f.request(http.MethodPost, base+"/mark-deployed", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var deployed models.Machine
	decode(t, rec, &deployed)
	assert.Equal(t, models.StatusDeployed, deployed.Status)

	rec = f.request(http.MethodGet, base+"/script-sets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sets)
	assert.Len(t, sets, 2)

	rec = f.request(http.MethodGet, base+"/script-sets?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPost, "/api/v1/machines/release", MachinesRequest{Machines: []string{m.SystemID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &bulk)
	require.Len(t, bulk.Succeeded, 1)
	assert.Equal(t, models.StatusReady, bulk.Succeeded[0].Status)
	assert.Empty(t, bulk.Succeeded[0].Owner)

	rec = f.request(http.MethodPost, "/api/v1/machines/release", MachinesRequest{Machines: []string{m.SystemID}})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &bulk)
	assert.Equal(t, []string{m.SystemID}, bulk.Unchanged)
}

func TestMarkFailed(t *testing.T) {
	f := newFixture(t, nil)
	m := f.seed("node-01", models.StatusCommissioning)

	rec := f.request(http.MethodPost, "/api/v1/machines/"+m.SystemID+"/mark-failed", MarkFailedRequest{Reason: "no disks"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var failed models.Machine
	decode(t, rec, &failed)
	assert.Equal(t, models.StatusFailedCommissioning, failed.Status)

	rec = f.request(http.MethodPost, "/api/v1/machines/unknown/mark-failed", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetZone(t *testing.T) {
	f := newFixture(t, nil)
	m := f.seed("node-01", models.StatusReady)
	require.NoError(t, f.store.CreateZone(context.Background(), &models.Zone{Name: "rack-b"}))

	rec := f.request(http.MethodPost, "/api/v1/machines/set-zone", SetZoneRequest{Machines: []string{m.SystemID}, Zone: "rack-b"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := f.store.GetMachine(context.Background(), m.SystemID)
	require.NoError(t, err)
	assert.Equal(t, "rack-b", stored.Zone)

	rec = f.request(http.MethodPost, "/api/v1/machines/set-zone", SetZoneRequest{Machines: []string{m.SystemID}, Zone: "nowhere"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPost, "/api/v1/machines/set-zone", SetZoneRequest{Machines: []string{m.SystemID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "zone is required")
}

func TestPower(t *testing.T) {
	f := newFixture(t, nil)
	f.startAgent("rack-01")

	m := f.seed("node-01", models.StatusReady, onRack("rack-01"))
	orphan := f.seed("node-02", models.StatusReady, onRack("rack-99"))
	manual := f.seed("node-03", models.StatusReady)

	t.Run("query", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/machines/"+m.SystemID+"/power", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body PowerStateResponse
		decode(t, rec, &body)
		assert.Equal(t, models.PowerOff, body.State)

		require.NoError(t, f.orch.Sync(context.Background()))
		stored, err := f.store.GetMachine(context.Background(), m.SystemID)
		require.NoError(t, err)
		assert.Equal(t, models.PowerOff, stored.PowerState)
	})

	t.Run("power on is accepted and applied", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/machines/"+m.SystemID+"/power/on", nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		assert.Eventually(t, func() bool {
			if err := f.orch.Sync(context.Background()); err != nil {
				return false
			}
			stored, err := f.store.GetMachine(context.Background(), m.SystemID)
			return err == nil && stored.PowerState == models.PowerOn
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("power off", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/machines/"+m.SystemID+"/power/off", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)

		assert.Eventually(t, func() bool {
			rec := f.request(http.MethodGet, "/api/v1/machines/"+m.SystemID+"/power", nil)
			var body PowerStateResponse
			decode(t, rec, &body)
			return body.State == models.PowerOff
		}, 5*time.Second, 20*time.Millisecond)
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"query unknown machine", http.MethodGet, "/api/v1/machines/ghost/power", http.StatusNotFound},
		{"query without rack controller", http.MethodGet, "/api/v1/machines/" + orphan.SystemID + "/power", http.StatusServiceUnavailable},
		{"query without power type", http.MethodGet, "/api/v1/machines/" + manual.SystemID + "/power", http.StatusServiceUnavailable},
		{"power on unknown machine", http.MethodPost, "/api/v1/machines/ghost/power/on", http.StatusNotFound},
		{"power on without power type", http.MethodPost, "/api/v1/machines/" + manual.SystemID + "/power/on", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.request(tt.method, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestReferenceData(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("zones", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/zones", ZoneRequest{Name: "rack-a", Description: "first row"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = f.request(http.MethodPost, "/api/v1/zones", ZoneRequest{Name: "rack-a"})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = f.request(http.MethodGet, "/api/v1/zones/rack-a", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var z models.Zone
		decode(t, rec, &z)
		assert.Equal(t, "first row", z.Description)

		rec = f.request(http.MethodGet, "/api/v1/zones", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var zones []models.Zone
		decode(t, rec, &zones)
		assert.Len(t, zones, 2)

		f.seed("node-01", models.StatusReady, func(m *models.Machine) { m.Zone = "rack-a" })
		rec = f.request(http.MethodDelete, "/api/v1/zones/rack-a", nil)
		assert.Equal(t, http.StatusConflict, rec.Code, "zone in use")

		rec = f.request(http.MethodDelete, "/api/v1/zones/"+models.DefaultZone, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, "default zone is protected")

		rec = f.request(http.MethodDelete, "/api/v1/zones/nowhere", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.request(http.MethodGet, "/api/v1/zones/nowhere", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.request(http.MethodPost, "/api/v1/zones", ZoneRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("tags", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/tags", TagRequest{Name: "gpu", Comment: "has a gpu"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = f.request(http.MethodGet, "/api/v1/tags", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var tags []models.Tag
		decode(t, rec, &tags)
		require.Len(t, tags, 1)
		assert.Equal(t, "gpu", tags[0].Name)

		rec = f.request(http.MethodDelete, "/api/v1/tags/gpu", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = f.request(http.MethodDelete, "/api/v1/tags/gpu", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("fabrics and subnets", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/fabrics", FabricRequest{Name: "fabric-0"})
		require.Equal(t, http.StatusCreated, rec.Code)

		tests := []struct {
			name       string
			req        SubnetRequest
			wantStatus int
		}{
			{"valid", SubnetRequest{Name: "mgmt", CIDR: "10.0.0.0/24", Fabric: "fabric-0", VID: 10}, http.StatusCreated},
			{"duplicate", SubnetRequest{Name: "mgmt", CIDR: "10.0.1.0/24"}, http.StatusConflict},
			{"bad cidr", SubnetRequest{Name: "data", CIDR: "10.0.0.0/33"}, http.StatusBadRequest},
			{"bad vid", SubnetRequest{Name: "data", CIDR: "10.0.2.0/24", VID: 5000}, http.StatusBadRequest},
			{"unknown fabric", SubnetRequest{Name: "data", CIDR: "10.0.2.0/24", Fabric: "fabric-9"}, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := f.request(http.MethodPost, "/api/v1/subnets", tt.req)
				assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			})
		}

		rec = f.request(http.MethodGet, "/api/v1/subnets", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var subnets []models.Subnet
		decode(t, rec, &subnets)
		require.Len(t, subnets, 1)
		assert.Equal(t, "10.0.0.0/24", subnets[0].CIDR)

		rec = f.request(http.MethodGet, "/api/v1/fabrics", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.request(http.MethodDelete, "/api/v1/subnets/mgmt", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		rec = f.request(http.MethodDelete, "/api/v1/fabrics/fabric-0", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRackControllerRegistration(t *testing.T) {
	f := newFixture(t, nil)
	region := httptest.NewServer(f.srv)
	t.Cleanup(region.Close)

	a, err := agent.New(agent.Config{ID: "rack-01", Secret: testRackSecret, RegionURL: region.URL}, zap.NewNop())
	require.NoError(t, err)
	agentSrv := httptest.NewServer(a.Handler())
	t.Cleanup(agentSrv.Close)

	t.Run("agent registers itself", func(t *testing.T) {
		registered, err := agent.New(agent.Config{
			ID:           "rack-01",
			Secret:       testRackSecret,
			Token:        a.Token(),
			RegionURL:    region.URL,
			AdvertiseURL: agentSrv.URL,
		}, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, registered.Register(context.Background()))

		assert.True(t, f.racks.HasRackController("rack-01"))
		saved, err := f.store.ListRackControllers(context.Background())
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, agentSrv.URL, saved[0].URL)
	})

	t.Run("re-registration answers 200", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/rackcontrollers", map[string]string{
			"id": "rack-01", "url": agentSrv.URL, "secret": testRackSecret, "token": a.Token(),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var rc models.RackController
		decode(t, rec, &rc)
		assert.True(t, rc.Connected)
		assert.Empty(t, rc.Token)
	})

	t.Run("listing hides tokens", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/rackcontrollers", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), a.Token())

		var racks []models.RackController
		decode(t, rec, &racks)
		require.Len(t, racks, 1)
		assert.Equal(t, "rack-01", racks[0].ID)
	})

	t.Run("machines on the registered rack are reachable", func(t *testing.T) {
		m := f.seed("node-01", models.StatusReady, onRack("rack-01"))
		rec := f.request(http.MethodGet, "/api/v1/machines/"+m.SystemID+"/power", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"wrong secret", map[string]string{"id": "rack-02", "url": agentSrv.URL, "secret": "guess"}, http.StatusForbidden},
		{"missing secret", map[string]string{"id": "rack-02", "url": agentSrv.URL}, http.StatusBadRequest},
		{"bad url", map[string]string{"id": "rack-02", "url": "not a url", "secret": testRackSecret}, http.StatusBadRequest},
		{"missing id", map[string]string{"url": agentSrv.URL, "secret": testRackSecret}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.request(http.MethodPost, "/api/v1/rackcontrollers", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.False(t, f.racks.HasRackController("rack-02"))
		})
	}
}

func TestRackRegistrationWithAuth(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Security.AuthEnabled = true })
	region := httptest.NewServer(f.srv)
	t.Cleanup(region.Close)

	agentToken, err := auth.GenerateAgentToken(testAgentSecret, "rack-01", time.Hour)
	require.NoError(t, err)

	anonymous, err := agent.New(agent.Config{
		ID: "rack-01", Secret: testRackSecret, RegionURL: region.URL, AdvertiseURL: "http://10.0.0.5:5248",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, anonymous.Register(context.Background()))

	authed, err := agent.New(agent.Config{
		ID: "rack-01", Secret: testRackSecret, RegionURL: region.URL, AdvertiseURL: "http://10.0.0.5:5248",
		UserToken: agentToken,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, authed.Register(context.Background()))
	assert.Equal(t, 1, f.racks.Count())
}

func TestDiskErasingSetting(t *testing.T) {
	f := newFixture(t, nil)
	path := "/api/v1/settings/enable_disk_erasing_on_release"

	rec := f.request(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var setting map[string]bool
	decode(t, rec, &setting)
	assert.False(t, setting["value"])

	rec = f.request(http.MethodPut, path, map[string]bool{"value": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.life.DiskErasingEnabled())

	rec = f.request(http.MethodGet, path, nil)
	decode(t, rec, &setting)
	assert.True(t, setting["value"])

	rec = f.request(http.MethodPut, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "value is required")
}

func TestReleaseWithDiskErasing(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Lifecycle.EnableDiskErasingOnRelease = true })
	f.startAgent("rack-01")
	m := f.seed("node-01", models.StatusAllocated, ownedBy("admin"), onRack("rack-01"))

	rec := f.request(http.MethodPost, "/api/v1/machines/release", MachinesRequest{Machines: []string{m.SystemID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var bulk bulkBody
	decode(t, rec, &bulk)
	require.Len(t, bulk.Succeeded, 1)
	assert.Equal(t, models.StatusDiskErasing, bulk.Succeeded[0].Status)

	f.life.Wait()
	stored, err := f.store.GetMachine(context.Background(), m.SystemID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)
	assert.Empty(t, stored.Owner)
}

func TestWebSocketEvents(t *testing.T) {
	f := newFixture(t, nil)
	region := httptest.NewServer(f.srv)
	t.Cleanup(region.Close)

	url := "ws" + strings.TrimPrefix(region.URL, "http") + "/api/v1/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := f.request(http.MethodGet, "/api/v1/ws/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	decode(t, rec, &stats)
	assert.EqualValues(t, 1, stats["connected_clients"])

	rec = f.request(http.MethodPost, "/api/v1/machines", EnlistRequest{Hostname: "node-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.MachineEnlisted, e.Type)
	assert.Equal(t, "node-01", e.Hostname)
	assert.Equal(t, models.StatusNew, e.Status)

	t.Run("foreign origin is refused", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		if resp != nil {
			assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
		}
	})
}
