// Package events carries machine lifecycle and power events to interested
// parties: the NATS bus and websocket clients of the API.
package events

import (
	"context"
	"time"

	"evalgo.org/metalpool/models"
)

// Type identifies what happened to a machine.
type Type string

const (
	MachineEnlisted      Type = "machine.enlisted"
	MachineAccepted      Type = "machine.accepted"
	MachineCommissioned  Type = "machine.commissioned"
	MachineAllocated     Type = "machine.allocated"
	MachineDeploying     Type = "machine.deploying"
	MachineDeployed      Type = "machine.deployed"
	MachineReleased      Type = "machine.released"
	MachineDiskErased    Type = "machine.disk_erased"
	MachineFailed        Type = "machine.failed"
	MachineZoneChanged   Type = "machine.zone_changed"
	MachinePowerChanged  Type = "machine.power_changed"
	MachinePowerFailed   Type = "machine.power_failed"
	RackControllerJoined Type = "rack.registered"
)

// Event describes a change to one machine.
type Event struct {
	Type       Type              `json:"type"`
	SystemID   string            `json:"system_id,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	Status     models.NodeStatus `json:"status"`
	PowerState models.PowerState `json:"power_state,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	Message    string            `json:"message,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ForMachine builds an event from the current machine record.
func ForMachine(t Type, m *models.Machine) Event {
	return Event{
		Type:       t,
		SystemID:   m.SystemID,
		Hostname:   m.Hostname,
		Status:     m.Status,
		PowerState: m.PowerState,
		Owner:      m.Owner,
		Timestamp:  time.Now().UTC(),
	}
}

// Emitter delivers events. Emit must not block on slow consumers.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// OrNop returns e, or Nop if e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}
