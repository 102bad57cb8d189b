package power

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// Lister lists machines.
type Lister interface {
	ListMachines(ctx context.Context, filter storage.MachineFilter) ([]*models.Machine, error)
}

// Querier issues a power query for one machine.
type Querier interface {
	Query(ctx context.Context, systemID string) (models.PowerState, error)
}

// Poller refreshes the recorded power state of every machine with a power
// type on a fixed interval.
type Poller struct {
	machines Lister
	power    Querier
	interval time.Duration
	workers  int
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller; it does nothing until Start.
func NewPoller(machines Lister, power Querier, interval time.Duration, workers int, logger *zap.Logger) *Poller {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		machines: machines,
		power:    power,
		interval: interval,
		workers:  workers,
		logger:   logger.Named("power-poller"),
	}
}

// Start begins the polling loop. A non-positive interval disables polling.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.interval <= 0 {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	p.logger.Info("power poller started", zap.Duration("interval", p.interval))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Poll(ctx)
		for {
			select {
			case <-ticker.C:
				p.Poll(ctx)
			case <-ctx.Done():
				p.logger.Info("power poller stopped")
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight round to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()
	<-done
}

// Poll runs one round and returns how many machines answered.
func (p *Poller) Poll(ctx context.Context) int {
	machines, err := p.machines.ListMachines(ctx, storage.MachineFilter{})
	if err != nil {
		p.logger.Warn("listing machines for power poll", zap.Error(err))
		return 0
	}

	var (
		mu       sync.Mutex
		answered int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, m := range machines {
		if m.PowerType == "" {
			continue
		}
		systemID := m.SystemID
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if _, err := p.power.Query(gctx, systemID); err != nil {
				p.logger.Debug("power poll failed", zap.String("system_id", systemID), zap.Error(err))
				return nil
			}
			mu.Lock()
			answered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("power poll complete", zap.Int("machines", len(machines)), zap.Int("answered", answered))
	return answered
}
