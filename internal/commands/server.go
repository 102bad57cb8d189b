package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/allocation"
	"evalgo.org/metalpool/internal/api"
	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/inventory"
	"evalgo.org/metalpool/internal/lifecycle"
	"evalgo.org/metalpool/internal/logging"
	"evalgo.org/metalpool/internal/metrics"
	"evalgo.org/metalpool/internal/power"
	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/internal/tracing"
	"evalgo.org/metalpool/internal/validation"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the region API server",
	Long: `Start the region: the machine registry, the allocation engine, the
lifecycle and power services and the HTTP API.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().Int("port", 0, "API listen port")
	serverCmd.Flags().String("storage-path", "", "badger data directory")
	serverCmd.Flags().Bool("in-memory", false, "keep the registry in memory only")
	serverCmd.Flags().String("inventory", "", "inventory file imported at start")

	// These should never fail as flags are defined above
	_ = viper.BindPFlag("server.port", serverCmd.Flags().Lookup("port"))            //nolint:errcheck
	_ = viper.BindPFlag("storage.path", serverCmd.Flags().Lookup("storage-path"))   //nolint:errcheck
	_ = viper.BindPFlag("storage.in_memory", serverCmd.Flags().Lookup("in-memory")) //nolint:errcheck
	_ = viper.BindPFlag("inventory.file", serverCmd.Flags().Lookup("inventory"))    //nolint:errcheck
}

// region is a fully wired region process.
type region struct {
	server *api.Server
	store  *storage.Storage
	hub    *api.Hub
	queue  *power.Queue
	orch   *power.Orchestrator
	poller *power.Poller
	life   *lifecycle.Service
	racks  *rackrpc.Manager

	nc          *nats.Conn
	publisher   *events.NATSPublisher
	stopTracing func(context.Context) error
	cancel      context.CancelFunc
	logger      *zap.Logger
}

// buildRegion wires every region service from cfg and starts their
// background loops. registerer receives the collectors.
func buildRegion(cfg *config.Config, registerer prometheus.Registerer, gatherer prometheus.Gatherer, logger *zap.Logger) (_ *region, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &region{cancel: cancel, logger: logger}
	defer func() {
		if err != nil {
			r.close(context.Background())
		}
	}()

	r.stopTracing, err = tracing.Setup(cfg.Tracing, os.Stdout)
	if err != nil {
		return r, fmt.Errorf("failed to set up tracing: %w", err)
	}

	r.store, err = storage.New(cfg.Storage, logger)
	if err != nil {
		return r, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if cfg.Inventory.File != "" {
		inv, err := inventory.Load(cfg.Inventory.File)
		if err != nil {
			return r, err
		}
		if _, err := inv.Apply(ctx, r.store, validation.New(), logger); err != nil {
			return r, fmt.Errorf("failed to import inventory: %w", err)
		}
	}

	monitor := metrics.New(registerer)

	r.hub = api.NewHub(logger)
	go r.hub.Run(ctx)
	emitters := events.Multi{r.hub}

	var lock allocation.Locker
	if cfg.NATS.Enabled {
		r.nc, err = events.Connect(cfg.NATS.URL, "metalpool-region", logger)
		if err != nil {
			return r, err
		}
		r.publisher = events.NewNATSPublisher(r.nc, cfg.NATS.SubjectPrefix, logger)
		emitters = append(emitters, r.publisher)

		if cfg.Allocation.LockBackend == config.LockBackendNATS {
			js, err := jetstream.New(r.nc)
			if err != nil {
				return r, fmt.Errorf("failed to open jetstream: %w", err)
			}
			lock, err = allocation.NewNATSLocker(ctx, js, cfg.NATS.LockBucket, "allocation",
				cfg.Allocation.LockTTL, cfg.Allocation.LockRetry, logger)
			if err != nil {
				return r, err
			}
		}
	}

	r.racks = rackrpc.NewManager(nil, logger)
	for id, url := range cfg.Rack.Controllers {
		if err := r.racks.AddRackController(id, url, cfg.Rack.Token); err != nil {
			return r, fmt.Errorf("rack controller %s: %w", id, err)
		}
	}
	if cfg.Rack.HealthInterval > 0 {
		go r.racks.RunHealthChecks(ctx, cfg.Rack.HealthInterval)
	}

	r.queue = power.NewQueue(ctx, cfg.Power.QueueSize, monitor, logger)
	r.orch = power.New(power.Config{
		Registry: r.store,
		Clients:  r.racks,
		Queue:    r.queue,
		Timeout:  cfg.Power.RPCTimeout,
		Emitter:  emitters,
		Monitor:  monitor,
		Logger:   logger,
	})
	r.poller = power.NewPoller(r.store, r.orch, cfg.Power.PollInterval, cfg.Power.PollWorkers, logger)
	r.poller.Start(ctx)

	r.life = lifecycle.New(lifecycle.Config{
		Registry:  r.store,
		Power:     r.orch,
		Emitter:   emitters,
		Monitor:   monitor,
		Logger:    logger,
		Lifecycle: cfg.Lifecycle,
	})
	engine := allocation.NewEngine(allocation.Config{
		Registry:      r.store,
		Lock:          lock,
		Architectures: cfg.Allocation.Architectures,
		Emitter:       emitters,
		Monitor:       monitor,
		Logger:        logger,
	})

	r.server = api.New(cfg, api.Deps{
		Storage:   r.store,
		Allocator: engine,
		Lifecycle: r.life,
		Power:     r.orch,
		Racks:     r.racks,
		Hub:       r.hub,
		Emitter:   emitters,
		Gatherer:  gatherer,
		Logger:    logger,
	})
	return r, nil
}

// close stops the background work in dependency order: nothing new is
// polled, pending erasures and power writes drain, then the registry closes.
func (r *region) close(ctx context.Context) {
	if r.poller != nil {
		r.poller.Stop()
	}
	if r.life != nil {
		waited := make(chan struct{})
		go func() {
			r.life.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			r.logger.Warn("disk erasures still running at shutdown")
		}
	}
	if r.orch != nil {
		if err := r.orch.Sync(ctx); err != nil {
			r.logger.Warn("pending power work not finished", zap.Error(err))
		}
	}
	if r.queue != nil {
		r.queue.Close()
	}
	r.cancel()
	if r.publisher != nil {
		r.publisher.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("failed to close storage", zap.Error(err))
		}
	}
	if r.stopTracing != nil {
		if err := r.stopTracing(ctx); err != nil {
			r.logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	r, err := buildRegion(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
	if err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := r.server.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		r.close(shutdownCtx)
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.close(shutdownCtx)
		return fmt.Errorf("server shutdown error: %w", err)
	}
	r.close(shutdownCtx)
	return nil
}
