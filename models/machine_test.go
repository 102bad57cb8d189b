package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatusDisplay(t *testing.T) {
	tests := []struct {
		status  NodeStatus
		slug    string
		display string
	}{
		{StatusNew, "new", "New"},
		{StatusReady, "ready", "Ready"},
		{StatusFailedDeployment, "failed_deployment", "Failed deployment"},
		{StatusDiskErasing, "disk_erasing", "Disk erasing"},
		{StatusFailedDiskErasing, "failed_disk_erasing", "Failed disk erasing"},
	}

	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			assert.Equal(t, tt.slug, tt.status.String())
			assert.Equal(t, tt.display, tt.status.Display())

			parsed, err := ParseNodeStatus(tt.display)
			require.NoError(t, err)
			assert.Equal(t, tt.status, parsed)
		})
	}

	_, err := ParseNodeStatus("sleeping")
	assert.Error(t, err)
}

func TestNodeStatusSets(t *testing.T) {
	assert.True(t, StatusAllocated.IsOwned())
	assert.True(t, StatusDeployed.IsOwned())
	assert.False(t, StatusReady.IsOwned())
	assert.False(t, StatusDiskErasing.IsOwned())

	assert.True(t, StatusBroken.IsReleasable())
	assert.True(t, StatusFailedDiskErasing.IsReleasable())
	assert.False(t, StatusReady.IsReleasable())
	assert.False(t, StatusNew.IsReleasable())
	assert.False(t, StatusCommissioning.IsReleasable())
}

func TestNodeStatusJSON(t *testing.T) {
	data, err := json.Marshal(&Machine{Hostname: "node", Status: StatusFailedReleasing})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"failed_releasing"`)

	var m Machine
	require.NoError(t, json.Unmarshal([]byte(`{"hostname":"node","status":"allocated"}`), &m))
	assert.Equal(t, StatusAllocated, m.Status)
}

func TestMachineValidate(t *testing.T) {
	tests := []struct {
		name    string
		machine Machine
		wantErr bool
	}{
		{
			name:    "valid",
			machine: Machine{Hostname: "a", StorageDevices: []StorageDevice{{Name: "sda", BootDisk: true}, {Name: "sdb"}}},
		},
		{
			name:    "missing hostname",
			machine: Machine{},
			wantErr: true,
		},
		{
			name:    "two boot disks",
			machine: Machine{Hostname: "a", StorageDevices: []StorageDevice{{Name: "sda", BootDisk: true}, {Name: "sdb", BootDisk: true}}},
			wantErr: true,
		},
		{
			name:    "negative memory",
			machine: Machine{Hostname: "a", Memory: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.machine.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMachineHelpers(t *testing.T) {
	m := &Machine{
		Hostname: "node-01",
		Domain:   "maas",
		Tags:     []string{"fast"},
		Interfaces: []Interface{
			{ID: 1, Subnets: []string{"lan"}},
			{ID: 2, Subnets: []string{"storage", "lan"}},
		},
		PowerParameters: map[string]string{"power_address": "10.0.0.5"},
	}

	assert.Equal(t, "node-01.maas", m.FQDN())
	assert.True(t, m.HasTag("fast"))
	assert.False(t, m.HasTag("slow"))
	assert.Equal(t, map[string]bool{"lan": true, "storage": true}, m.Subnets())

	clone := m.Clone()
	clone.Tags[0] = "changed"
	clone.PowerParameters["power_address"] = "changed"
	assert.Equal(t, "fast", m.Tags[0])
	assert.Equal(t, "10.0.0.5", m.PowerParameters["power_address"])
}

func TestRequesterCanEdit(t *testing.T) {
	owned := &Machine{Owner: "alice"}
	unowned := &Machine{}

	alice := Requester{Username: "alice", Roles: []Role{RoleUser}}
	bob := Requester{Username: "bob", Roles: []Role{RoleUser}}
	admin := Requester{Username: "root", Roles: []Role{RoleAdmin}}

	assert.True(t, alice.CanEdit(owned))
	assert.False(t, bob.CanEdit(owned))
	assert.True(t, admin.CanEdit(owned))
	assert.False(t, alice.CanEdit(unowned))
	assert.True(t, admin.CanEdit(unowned))
}

func TestGenerateSystemID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateSystemID()
		assert.Len(t, id, 6)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90)
}
