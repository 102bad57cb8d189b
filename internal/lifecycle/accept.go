package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// Accept moves enlisted machines from NEW to COMMISSIONING and starts
// commissioning on each. Ids are handled independently; a machine in any
// other status is reported as a conflict naming that status. Only admins
// may accept.
//
// The returned error is BulkResult.Err(), or an infrastructure failure.
func (s *Service) Accept(ctx context.Context, systemIDs []string, requester models.Requester) (*BulkResult, error) {
	result := newBulkResult(opAccept)
	if len(systemIDs) == 0 {
		return result, nil
	}

	ids := dedupe(systemIDs)
	found, missing, err := s.registry.GetMachines(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up machines: %w", err)
	}
	result.Unknown = missing

	for _, id := range ids {
		m, ok := found[id]
		if !ok {
			continue
		}
		if !requester.IsAdmin() {
			result.Forbidden = append(result.Forbidden, id)
			continue
		}
		if m.Status != models.StatusNew {
			result.Conflicts = append(result.Conflicts, Conflict{SystemID: id, Status: m.Status})
			continue
		}

		accepted, err := s.acceptOne(ctx, id)
		var conflict *Conflict
		if errors.As(err, &conflict) {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Succeeded = append(result.Succeeded, accepted)
	}

	s.countBulk(result)
	return result, result.Err()
}

func (s *Service) acceptOne(ctx context.Context, systemID string) (*models.Machine, error) {
	var powerBefore models.PowerState
	m, err := s.registry.TransitionMachine(ctx, systemID, []models.NodeStatus{models.StatusNew}, func(m *models.Machine) error {
		powerBefore = m.PowerState
		m.Status = models.StatusCommissioning
		return nil
	})
	if err != nil {
		return nil, s.transitionError(ctx, systemID, err)
	}

	set := &models.ScriptSet{
		SystemID:                   systemID,
		ResultType:                 models.ResultCommissioning,
		PowerStateBeforeTransition: powerBefore,
		Results:                    []models.ScriptResult{},
	}
	if err := s.registry.SaveScriptSet(ctx, set); err != nil {
		return nil, fmt.Errorf("failed to create commissioning script set for %s: %w", systemID, err)
	}
	s.pruneScriptSets(ctx, systemID, models.ResultCommissioning, s.maxCommissioning)

	s.power.Start(m)

	s.logger.Info("machine accepted",
		zap.String("system_id", systemID),
		zap.String("hostname", m.Hostname),
		zap.String("script_set", set.ID))
	s.emit(ctx, events.MachineAccepted, m, "")
	return m, nil
}

// Error implements error so a lost race can travel back from a transition.
func (c *Conflict) Error() string {
	return c.String()
}

// transitionError turns a failed precondition into a *Conflict carrying the
// status that won the race.
func (s *Service) transitionError(ctx context.Context, systemID string, err error) error {
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return err
	}
	current, getErr := s.registry.GetMachine(ctx, systemID)
	if getErr != nil {
		return err
	}
	return &Conflict{SystemID: systemID, Status: current.Status}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
