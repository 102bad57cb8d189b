package lifecycle

import (
	"fmt"
	"strings"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/models"
)

// Conflict names a machine whose current status forbids the operation.
type Conflict struct {
	SystemID string            `json:"system_id"`
	Status   models.NodeStatus `json:"status"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s ('%s')", c.SystemID, c.Status.Display())
}

// BulkResult is the outcome of a bulk operation. Every requested id ends up
// in exactly one of Succeeded, Unchanged, Unknown, Forbidden or Conflicts.
type BulkResult struct {
	// Succeeded holds the machines the operation changed
	Succeeded []*models.Machine `json:"succeeded"`

	// Unchanged are ids already in the target state
	Unchanged []string `json:"unchanged,omitempty"`

	Unknown   []string   `json:"unknown,omitempty"`
	Forbidden []string   `json:"forbidden,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`

	operation string
}

func newBulkResult(operation string) *BulkResult {
	return &BulkResult{Succeeded: []*models.Machine{}, operation: operation}
}

// SystemIDs returns the ids of the machines that changed.
func (r *BulkResult) SystemIDs() []string {
	ids := make([]string, len(r.Succeeded))
	for i, m := range r.Succeeded {
		ids[i] = m.SystemID
	}
	return ids
}

// Failed reports whether any id failed.
func (r *BulkResult) Failed() bool {
	return len(r.Unknown) > 0 || len(r.Forbidden) > 0 || len(r.Conflicts) > 0
}

// Err returns the most severe failure present: unknown ids (bad request),
// then forbidden ids, then conflicts. It returns nil if nothing failed.
func (r *BulkResult) Err() error {
	switch {
	case len(r.Unknown) > 0:
		return errs.BadRequest("Unknown machine(s): %s.", strings.Join(r.Unknown, ", "))
	case len(r.Forbidden) > 0:
		return errs.Forbidden("You don't have the required permission to %s the following machine(s): %s.",
			r.operation, strings.Join(r.Forbidden, ", "))
	case len(r.Conflicts) > 0:
		return errs.Conflict("%s", r.conflictMessage())
	}
	return nil
}

func (r *BulkResult) conflictMessage() string {
	if r.operation == opAccept {
		sentences := make([]string, len(r.Conflicts))
		for i, c := range r.Conflicts {
			sentences[i] = fmt.Sprintf("Cannot accept node enlistment: node %s is in state %s.",
				c.SystemID, c.Status.Display())
		}
		return strings.Join(sentences, " ")
	}

	parts := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("Machine(s) cannot be %sd in their current state: %s.",
		r.operation, strings.Join(parts, ", "))
}

const (
	opAccept  = "accept"
	opRelease = "release"
	opSetZone = "set_zone"
)

func (s *Service) countBulk(r *BulkResult) {
	op := r.operation
	s.monitor.CountTransition(op, "ok", len(r.Succeeded))
	s.monitor.CountTransition(op, "unchanged", len(r.Unchanged))
	s.monitor.CountTransition(op, "unknown", len(r.Unknown))
	s.monitor.CountTransition(op, "forbidden", len(r.Forbidden))
	s.monitor.CountTransition(op, "conflict", len(r.Conflicts))
}
