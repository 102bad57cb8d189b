package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/models"
)

// Release returns machines to the pool. Each id is checked independently:
// unknown ids, ids the requester may not edit, and ids in a status release
// does not accept land in separate buckets. READY machines are accepted
// but left untouched.
//
// A released machine loses its owner, agent name and allocation token. If
// it is powered on, a stop is requested; the status change does not wait
// for it. With disk erasing enabled the machine goes to DISK_ERASING and an
// erasure runs in the background, otherwise straight to READY.
func (s *Service) Release(ctx context.Context, systemIDs []string, requester models.Requester) (*BulkResult, error) {
	result := newBulkResult(opRelease)
	if len(systemIDs) == 0 {
		return result, nil
	}

	ids := dedupe(systemIDs)
	found, missing, err := s.registry.GetMachines(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up machines: %w", err)
	}
	result.Unknown = missing

	erase := s.DiskErasingEnabled()
	for _, id := range ids {
		m, ok := found[id]
		if !ok {
			continue
		}
		if !requester.CanEdit(m) {
			result.Forbidden = append(result.Forbidden, id)
			continue
		}
		if m.Status == models.StatusReady {
			result.Unchanged = append(result.Unchanged, id)
			continue
		}
		if !m.Status.IsReleasable() {
			result.Conflicts = append(result.Conflicts, Conflict{SystemID: id, Status: m.Status})
			continue
		}

		released, err := s.releaseOne(ctx, id, requester, erase)
		var conflict *Conflict
		if errors.As(err, &conflict) {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Succeeded = append(result.Succeeded, released)
	}

	s.countBulk(result)
	return result, result.Err()
}

func (s *Service) releaseOne(ctx context.Context, systemID string, requester models.Requester, erase bool) (*models.Machine, error) {
	var (
		powerBefore models.PowerState
		statusFrom  models.NodeStatus
	)
	m, err := s.registry.TransitionMachine(ctx, systemID, models.ReleasableStatuses, func(m *models.Machine) error {
		if !requester.CanEdit(m) {
			return &Conflict{SystemID: systemID, Status: m.Status}
		}
		powerBefore = m.PowerState
		statusFrom = m.Status
		m.Owner = ""
		m.AgentName = ""
		m.AllocationToken = ""
		if erase {
			m.Status = models.StatusDiskErasing
		} else {
			m.Status = models.StatusReady
		}
		return nil
	})
	if err != nil {
		return nil, s.transitionError(ctx, systemID, err)
	}

	if powerBefore == models.PowerOn {
		s.power.Stop(m)
	}

	s.logger.Info("machine released",
		zap.String("system_id", systemID),
		zap.String("from", statusFrom.String()),
		zap.String("to", m.Status.String()),
		zap.String("requester", requester.Username))
	s.emit(ctx, events.MachineReleased, m, "")

	if erase {
		s.startErasure(m.Clone())
	}
	return m, nil
}

// startErasure erases the disks of a machine in DISK_ERASING and then moves
// it to READY, or to FAILED_DISK_ERASING if the rack controller reports a
// failure or does not answer within the erase timeout.
func (s *Service) startErasure(m *models.Machine) {
	s.erasures.Add(1)
	go func() {
		defer s.erasures.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.eraseTimeout)
		defer cancel()

		eraseErr := s.power.EraseDisks(ctx, m)
		next := models.StatusReady
		if eraseErr != nil {
			next = models.StatusFailedDiskErasing
		}

		updated, err := s.registry.TransitionMachine(context.Background(), m.SystemID,
			[]models.NodeStatus{models.StatusDiskErasing},
			func(m *models.Machine) error {
				m.Status = next
				return nil
			})
		if err != nil {
			s.logger.Warn("machine left disk erasing before erasure finished",
				zap.String("system_id", m.SystemID),
				zap.Error(err))
			return
		}

		if eraseErr != nil {
			s.logger.Error("disk erasure failed",
				zap.String("system_id", m.SystemID),
				zap.Error(eraseErr))
			s.monitor.CountTransition("erase", "failed", 1)
			s.emit(context.Background(), events.MachineFailed, updated, eraseErr.Error())
			return
		}
		s.logger.Info("disk erasure finished", zap.String("system_id", m.SystemID))
		s.monitor.CountTransition("erase", "ok", 1)
		s.emit(context.Background(), events.MachineDiskErased, updated, "")
	}()
}
