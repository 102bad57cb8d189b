package models

import (
	"fmt"
	"strings"
)

// NodeStatus is the lifecycle status of a machine.
//
// Machines move NEW → COMMISSIONING → READY → ALLOCATED → DEPLOYING → DEPLOYED.
// Release sends an owned machine back to READY, optionally through
// DISK_ERASING. The FAILED_* statuses are sinks that only an operator
// action (or a release, where allowed) moves a machine out of.
//
// The numeric values are stable and are what gets persisted; the slug form
// ("ready", "failed_deployment", ...) is what travels over JSON.
type NodeStatus int

const (
	StatusNew                 NodeStatus = 0
	StatusCommissioning       NodeStatus = 1
	StatusFailedCommissioning NodeStatus = 2
	StatusMissing             NodeStatus = 3
	StatusReady               NodeStatus = 4
	StatusReserved            NodeStatus = 5
	StatusDeployed            NodeStatus = 6
	StatusRetired             NodeStatus = 7
	StatusBroken              NodeStatus = 8
	StatusDeploying           NodeStatus = 9
	StatusAllocated           NodeStatus = 10
	StatusFailedDeployment    NodeStatus = 11
	StatusReleasing           NodeStatus = 12
	StatusFailedReleasing     NodeStatus = 13
	StatusDiskErasing         NodeStatus = 14
	StatusFailedDiskErasing   NodeStatus = 15
)

var statusNames = map[NodeStatus]string{
	StatusNew:                 "new",
	StatusCommissioning:       "commissioning",
	StatusFailedCommissioning: "failed_commissioning",
	StatusMissing:             "missing",
	StatusReady:               "ready",
	StatusReserved:            "reserved",
	StatusDeployed:            "deployed",
	StatusRetired:             "retired",
	StatusBroken:              "broken",
	StatusDeploying:           "deploying",
	StatusAllocated:           "allocated",
	StatusFailedDeployment:    "failed_deployment",
	StatusReleasing:           "releasing",
	StatusFailedReleasing:     "failed_releasing",
	StatusDiskErasing:         "disk_erasing",
	StatusFailedDiskErasing:   "failed_disk_erasing",
}

// Human-readable names, used verbatim in conflict messages.
var statusDisplay = map[NodeStatus]string{
	StatusNew:                 "New",
	StatusCommissioning:       "Commissioning",
	StatusFailedCommissioning: "Failed commissioning",
	StatusMissing:             "Missing",
	StatusReady:               "Ready",
	StatusReserved:            "Reserved",
	StatusDeployed:            "Deployed",
	StatusRetired:             "Retired",
	StatusBroken:              "Broken",
	StatusDeploying:           "Deploying",
	StatusAllocated:           "Allocated",
	StatusFailedDeployment:    "Failed deployment",
	StatusReleasing:           "Releasing",
	StatusFailedReleasing:     "Failed releasing",
	StatusDiskErasing:         "Disk erasing",
	StatusFailedDiskErasing:   "Failed disk erasing",
}

// OwnedStatuses are the statuses in which a machine carries an owner.
var OwnedStatuses = []NodeStatus{
	StatusAllocated,
	StatusDeploying,
	StatusDeployed,
	StatusFailedDeployment,
	StatusReleasing,
	StatusFailedReleasing,
}

// ReleasableStatuses are the statuses release accepts besides READY.
var ReleasableStatuses = []NodeStatus{
	StatusAllocated,
	StatusReserved,
	StatusBroken,
	StatusDeploying,
	StatusDeployed,
	StatusFailedDeployment,
	StatusFailedDiskErasing,
	StatusFailedReleasing,
}

// String returns the slug form of the status.
func (s NodeStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Display returns the human-readable status name.
func (s NodeStatus) Display() string {
	if name, ok := statusDisplay[s]; ok {
		return name
	}
	return s.String()
}

// Valid reports whether s is a known status.
func (s NodeStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsOwned reports whether machines in this status must have an owner.
func (s NodeStatus) IsOwned() bool {
	return containsStatus(OwnedStatuses, s)
}

// IsReleasable reports whether release moves a machine out of this status.
func (s NodeStatus) IsReleasable() bool {
	return containsStatus(ReleasableStatuses, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s NodeStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown node status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *NodeStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseNodeStatus accepts either the slug ("failed_deployment") or the
// display name ("Failed deployment"), case-insensitively.
func ParseNodeStatus(value string) (NodeStatus, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for status, name := range statusNames {
		if v == name || v == strings.ToLower(statusDisplay[status]) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown node status %q", value)
}

func containsStatus(list []NodeStatus, s NodeStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
