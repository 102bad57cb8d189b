package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// SetZone moves the named machines into zone. It requires an admin and an
// existing zone; machines not named are never touched.
func (s *Service) SetZone(ctx context.Context, systemIDs []string, zone string, requester models.Requester) (*BulkResult, error) {
	if !requester.IsAdmin() {
		return nil, errs.Forbidden("You don't have the required permission to set the zone of machines.")
	}
	if zone == "" {
		return nil, errs.Invalid("zone", "No zone given.")
	}
	if _, err := s.registry.GetZone(ctx, zone); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.Invalid("zone", "No such zone: %s.", zone)
		}
		return nil, fmt.Errorf("failed to look up zone %s: %w", zone, err)
	}

	result := newBulkResult(opSetZone)
	for _, id := range dedupe(systemIDs) {
		var previous string
		m, err := s.registry.UpdateMachine(ctx, id, func(m *models.Machine) error {
			previous = m.Zone
			m.Zone = zone
			return nil
		})
		if errors.Is(err, storage.ErrNotFound) {
			result.Unknown = append(result.Unknown, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set zone of %s: %w", id, err)
		}
		if previous == zone {
			result.Unchanged = append(result.Unchanged, id)
			continue
		}

		s.logger.Info("machine zone changed",
			zap.String("system_id", id),
			zap.String("from", previous),
			zap.String("to", zone))
		s.emit(ctx, events.MachineZoneChanged, m, "")
		result.Succeeded = append(result.Succeeded, m)
	}

	s.countBulk(result)
	return result, result.Err()
}
