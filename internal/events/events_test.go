package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"evalgo.org/metalpool/models"
)

type recorder struct {
	events []Event
}

func (r *recorder) Emit(_ context.Context, e Event) {
	r.events = append(r.events, e)
}

func TestForMachine(t *testing.T) {
	m := &models.Machine{SystemID: "abc123", Hostname: "node", Status: models.StatusAllocated, Owner: "alice", PowerState: models.PowerOn}
	e := ForMachine(MachineAllocated, m)

	assert.Equal(t, MachineAllocated, e.Type)
	assert.Equal(t, "abc123", e.SystemID)
	assert.Equal(t, models.StatusAllocated, e.Status)
	assert.Equal(t, "alice", e.Owner)
	assert.False(t, e.Timestamp.IsZero())
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, b}.Emit(context.Background(), Event{Type: MachineReleased})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.IsType(t, Nop{}, OrNop(nil))
}

func TestNATSPublisherSubject(t *testing.T) {
	p := NewNATSPublisher(nil, "metalpool.", zaptest.NewLogger(t))
	assert.Equal(t, "metalpool.machine.allocated", p.Subject(MachineAllocated))

	// no connection: events are dropped without panicking
	p.Emit(context.Background(), Event{Type: MachineAllocated})
}
