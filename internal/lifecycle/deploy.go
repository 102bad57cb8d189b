package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// failedStatus maps an in-progress status to the failure it ends in.
var failedStatus = map[models.NodeStatus]models.NodeStatus{
	models.StatusCommissioning: models.StatusFailedCommissioning,
	models.StatusDeploying:     models.StatusFailedDeployment,
	models.StatusReleasing:     models.StatusFailedReleasing,
	models.StatusDiskErasing:   models.StatusFailedDiskErasing,
}

// Deploy starts deployment of an allocated machine: ALLOCATED → DEPLOYING,
// an installation script set is opened and the machine is powered on.
// Only the owner or an admin may deploy.
func (s *Service) Deploy(ctx context.Context, systemID string, requester models.Requester) (*models.Machine, error) {
	current, err := s.getMachine(ctx, systemID)
	if err != nil {
		return nil, err
	}
	if !requester.CanEdit(current) {
		return nil, errs.Forbidden("You don't have the required permission to deploy machine %s.", systemID)
	}

	var powerBefore models.PowerState
	m, err := s.registry.TransitionMachine(ctx, systemID, []models.NodeStatus{models.StatusAllocated}, func(m *models.Machine) error {
		if !requester.CanEdit(m) {
			return errs.Forbidden("You don't have the required permission to deploy machine %s.", systemID)
		}
		powerBefore = m.PowerState
		m.Status = models.StatusDeploying
		return nil
	})
	if err != nil {
		return nil, s.singleError(ctx, "deploy", systemID, err)
	}

	set := &models.ScriptSet{
		SystemID:                   systemID,
		ResultType:                 models.ResultInstallation,
		PowerStateBeforeTransition: powerBefore,
		Results:                    []models.ScriptResult{},
	}
	if err := s.registry.SaveScriptSet(ctx, set); err != nil {
		return nil, fmt.Errorf("failed to create installation script set for %s: %w", systemID, err)
	}
	s.pruneScriptSets(ctx, systemID, models.ResultInstallation, s.maxInstallation)

	s.power.Start(m)

	s.logger.Info("machine deploying", zap.String("system_id", systemID), zap.String("owner", m.Owner))
	s.monitor.CountTransition("deploy", "ok", 1)
	s.emit(ctx, events.MachineDeploying, m, "")
	return m, nil
}

// MarkDeployed records a finished deployment: DEPLOYING → DEPLOYED. The
// newest installation script set is closed.
func (s *Service) MarkDeployed(ctx context.Context, systemID string) (*models.Machine, error) {
	m, err := s.registry.TransitionMachine(ctx, systemID, []models.NodeStatus{models.StatusDeploying}, func(m *models.Machine) error {
		m.Status = models.StatusDeployed
		return nil
	})
	if err != nil {
		return nil, s.singleError(ctx, "mark deployed", systemID, err)
	}
	s.closeScriptSet(ctx, systemID, models.ResultInstallation, nil)

	s.logger.Info("machine deployed", zap.String("system_id", systemID))
	s.monitor.CountTransition("mark_deployed", "ok", 1)
	s.emit(ctx, events.MachineDeployed, m, "")
	return m, nil
}

// MarkFailed moves a machine from an in-progress status into the matching
// FAILED_* status, recording reason on the emitted event.
func (s *Service) MarkFailed(ctx context.Context, systemID, reason string) (*models.Machine, error) {
	from := make([]models.NodeStatus, 0, len(failedStatus))
	for status := range failedStatus {
		from = append(from, status)
	}

	m, err := s.registry.TransitionMachine(ctx, systemID, from, func(m *models.Machine) error {
		m.Status = failedStatus[m.Status]
		return nil
	})
	if err != nil {
		return nil, s.singleError(ctx, "mark failed", systemID, err)
	}

	s.logger.Warn("machine marked failed",
		zap.String("system_id", systemID),
		zap.String("status", m.Status.String()),
		zap.String("reason", reason))
	s.monitor.CountTransition("mark_failed", "ok", 1)
	s.emit(ctx, events.MachineFailed, m, reason)
	return m, nil
}

// CompleteCommissioning records the commissioning script results of a
// machine in COMMISSIONING. If every script passed the machine becomes
// READY, otherwise FAILED_COMMISSIONING. Either way it is powered off.
func (s *Service) CompleteCommissioning(ctx context.Context, systemID string, results []models.ScriptResult) (*models.Machine, error) {
	outcome := &models.ScriptSet{Results: results}
	if !outcome.Finished() {
		return nil, errs.Invalid("results", "Commissioning results must all be passed or failed.")
	}

	m, err := s.registry.TransitionMachine(ctx, systemID, []models.NodeStatus{models.StatusCommissioning}, func(m *models.Machine) error {
		if outcome.Passed() {
			m.Status = models.StatusReady
		} else {
			m.Status = models.StatusFailedCommissioning
		}
		return nil
	})
	if err != nil {
		return nil, s.singleError(ctx, "complete commissioning", systemID, err)
	}
	s.closeScriptSet(ctx, systemID, models.ResultCommissioning, results)

	s.power.Stop(m)

	if m.Status == models.StatusReady {
		s.logger.Info("machine commissioned", zap.String("system_id", systemID))
		s.monitor.CountTransition("commission", "ok", 1)
		s.emit(ctx, events.MachineCommissioned, m, "")
	} else {
		s.logger.Warn("machine failed commissioning", zap.String("system_id", systemID))
		s.monitor.CountTransition("commission", "failed", 1)
		s.emit(ctx, events.MachineFailed, m, "commissioning scripts failed")
	}
	return m, nil
}

// closeScriptSet ends the newest open script set of the given type.
func (s *Service) closeScriptSet(ctx context.Context, systemID string, resultType models.ResultType, results []models.ScriptResult) {
	sets, err := s.registry.ListScriptSets(ctx, systemID, resultType)
	if err != nil || len(sets) == 0 {
		if err != nil {
			s.logger.Warn("failed to list script sets", zap.String("system_id", systemID), zap.Error(err))
		}
		return
	}

	set := sets[0]
	if set.Ended != nil {
		return
	}
	if results != nil {
		set.Results = results
	}
	now := time.Now().UTC()
	set.Ended = &now
	if err := s.registry.SaveScriptSet(ctx, set); err != nil {
		s.logger.Warn("failed to close script set",
			zap.String("system_id", systemID),
			zap.String("script_set", set.ID),
			zap.Error(err))
	}
}

func (s *Service) getMachine(ctx context.Context, systemID string) (*models.Machine, error) {
	m, err := s.registry.GetMachine(ctx, systemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("Machine %s not found.", systemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine %s: %w", systemID, err)
	}
	return m, nil
}

// singleError classifies the failure of a single-machine transition.
func (s *Service) singleError(ctx context.Context, action, systemID string, err error) error {
	var classified *errs.Error
	switch {
	case errors.As(err, &classified):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return errs.NotFound("Machine %s not found.", systemID)
	case errors.Is(err, storage.ErrPreconditionFailed):
		var conflict *Conflict
		if errors.As(s.transitionError(ctx, systemID, err), &conflict) {
			return errs.Conflict("Cannot %s node %s: node is in state %s.", action, systemID, conflict.Status.Display())
		}
		return errs.Conflict("Cannot %s node %s.", action, systemID)
	}
	return err
}
