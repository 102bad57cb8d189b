// Package lifecycle is the node state machine. Status changes happen only
// through the operations here (accept, release, set zone, deploy and the
// commissioning and failure transitions), each of which is a conditional
// update against the registry: the check on the current status is made
// against the stored record, so an operation that lost a race lands in the
// conflict bucket instead of overwriting the winner.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/metrics"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// Registry is the part of the machine registry the state machine needs.
type Registry interface {
	GetMachine(ctx context.Context, systemID string) (*models.Machine, error)
	GetMachines(ctx context.Context, systemIDs []string) (map[string]*models.Machine, []string, error)
	UpdateMachine(ctx context.Context, systemID string, mutate func(m *models.Machine) error) (*models.Machine, error)
	TransitionMachine(ctx context.Context, systemID string, from []models.NodeStatus, mutate func(m *models.Machine) error) (*models.Machine, error)
	GetZone(ctx context.Context, name string) (*models.Zone, error)

	SaveScriptSet(ctx context.Context, set *models.ScriptSet) error
	ListScriptSets(ctx context.Context, systemID string, resultType models.ResultType) ([]*models.ScriptSet, error)
	PruneScriptSets(ctx context.Context, systemID string, resultType models.ResultType, keep int) (int, error)
}

// Power drives machines through their rack controller. Start and Stop are
// fire-and-forget: they return immediately and report failures on their
// own. EraseDisks blocks until the rack controller answers or ctx ends.
type Power interface {
	Start(m *models.Machine)
	Stop(m *models.Machine)
	EraseDisks(ctx context.Context, m *models.Machine) error
}

type nopPower struct{}

func (nopPower) Start(*models.Machine)                                {}
func (nopPower) Stop(*models.Machine)                                 {}
func (nopPower) EraseDisks(context.Context, *models.Machine) error { return nil }

// Service runs lifecycle operations.
type Service struct {
	registry Registry
	power    Power
	emitter  events.Emitter
	monitor  *metrics.Monitor
	logger   *zap.Logger

	maxCommissioning int
	maxInstallation  int
	eraseTimeout     time.Duration
	diskErasing      atomic.Bool

	// background disk erasures
	erasures sync.WaitGroup
}

// Config wires a Service.
type Config struct {
	Registry Registry
	Power    Power
	Emitter  events.Emitter
	Monitor  *metrics.Monitor
	Logger   *zap.Logger

	Lifecycle config.LifecycleConfig
}

// New creates a lifecycle service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	power := cfg.Power
	if power == nil {
		power = nopPower{}
	}

	s := &Service{
		registry:         cfg.Registry,
		power:            power,
		emitter:          events.OrNop(cfg.Emitter),
		monitor:          cfg.Monitor,
		logger:           logger.Named("lifecycle"),
		maxCommissioning: atLeastOne(cfg.Lifecycle.MaxCommissioningResults),
		maxInstallation:  atLeastOne(cfg.Lifecycle.MaxInstallationResults),
		eraseTimeout:     cfg.Lifecycle.EraseTimeout,
	}
	if s.eraseTimeout <= 0 {
		s.eraseTimeout = 30 * time.Minute
	}
	s.diskErasing.Store(cfg.Lifecycle.EnableDiskErasingOnRelease)
	return s
}

// DiskErasingEnabled reports whether release sends machines through DISK_ERASING.
func (s *Service) DiskErasingEnabled() bool {
	return s.diskErasing.Load()
}

// SetDiskErasing changes the release behaviour at runtime.
func (s *Service) SetDiskErasing(enabled bool) {
	s.diskErasing.Store(enabled)
	s.logger.Info("disk erasing on release changed", zap.Bool("enabled", enabled))
}

// Wait blocks until every background disk erasure has finished.
func (s *Service) Wait() {
	s.erasures.Wait()
}

func (s *Service) emit(ctx context.Context, t events.Type, m *models.Machine, message string) {
	e := events.ForMachine(t, m)
	e.Message = message
	s.emitter.Emit(ctx, e)
}

// pruneScriptSets drops old result sets; failures are logged, never returned.
func (s *Service) pruneScriptSets(ctx context.Context, systemID string, resultType models.ResultType, keep int) {
	n, err := s.registry.PruneScriptSets(ctx, systemID, resultType, keep)
	if err != nil {
		s.logger.Warn("failed to prune script sets",
			zap.String("system_id", systemID),
			zap.String("result_type", string(resultType)),
			zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned script sets",
			zap.String("system_id", systemID),
			zap.String("result_type", string(resultType)),
			zap.Int("deleted", n))
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// compile-time check that the badger registry satisfies Registry
var _ Registry = (*storage.Storage)(nil)
