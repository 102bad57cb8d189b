// Package agent is the rack controller: a small per-site process that
// drives machine power on behalf of the metalpool region.
//
// The agent exposes the rack RPC over HTTP (see internal/rackrpc for the
// wire format) and dispatches each request to the power driver named by
// the machine's power_type:
//   - manual: a human presses the button; every action is unimplemented
//   - virtual: in-memory simulated power, one switch per machine
//   - webhook: HTTP calls to URIs from the machine's power parameters
//
// On start the agent registers itself with the region, presenting the
// shared rack secret and a freshly generated bearer token that the region
// must use on every RPC back to it.
//
// Example usage:
//
//	a, err := agent.New(agent.Config{
//	    ID:           "rack-01",
//	    AdvertiseURL: "http://10.0.0.2:5248",
//	    RegionURL:    "http://10.0.0.1:5240",
//	    Secret:       os.Getenv("MP_AGENT_SECRET"),
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := a.Run(ctx, ":5248"); err != nil {
//	    log.Fatal(err)
//	}
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds everything the agent needs to serve and register.
type Config struct {
	// ID is the rack controller id machines refer to
	ID string

	// AdvertiseURL is how the region reaches this agent
	AdvertiseURL string

	// RegionURL is the metalpool API server; empty skips registration
	RegionURL string

	// Secret is the shared rack registration secret
	Secret string

	// Token is the bearer token the region must present; generated when empty
	Token string

	// UserToken authenticates registration calls when the region runs with
	// authentication enabled
	UserToken string

	// EraseDuration is how long a simulated disk erasure takes
	EraseDuration time.Duration
}

// Agent serves rack RPCs.
type Agent struct {
	id           string
	advertiseURL string
	regionURL    string
	secret       string
	token        string
	userToken    string

	drivers    map[string]Driver
	httpClient *http.Client
	logger     *zap.Logger
	startTime  time.Time
}

// New creates an agent with the built-in drivers.
func New(cfg Config, logger *zap.Logger) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rack controller id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	token := cfg.Token
	if token == "" {
		token = uuid.NewString()
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	a := &Agent{
		id:           cfg.ID,
		advertiseURL: cfg.AdvertiseURL,
		regionURL:    cfg.RegionURL,
		secret:       cfg.Secret,
		token:        token,
		userToken:    cfg.UserToken,
		httpClient:   httpClient,
		logger:       logger.Named("agent").With(zap.String("rack_controller", cfg.ID)),
		startTime:    time.Now(),
	}
	a.drivers = map[string]Driver{
		"manual":  manualDriver{},
		"virtual": newVirtualDriver(cfg.EraseDuration),
		"webhook": newWebhookDriver(httpClient),
	}
	return a, nil
}

// ID returns the rack controller id.
func (a *Agent) ID() string {
	return a.id
}

// Token returns the bearer token RPC callers must present.
func (a *Agent) Token() string {
	return a.token
}

// RegisterDriver adds or replaces a power driver.
func (a *Agent) RegisterDriver(powerType string, d Driver) {
	a.drivers[powerType] = d
}

// Drivers lists the supported power types.
func (a *Agent) Drivers() []string {
	names := make([]string, 0, len(a.drivers))
	for name := range a.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run serves RPCs on listen and registers with the region until ctx is done.
func (a *Agent) Run(ctx context.Context, listen string) error {
	server := &http.Server{
		Addr:         listen,
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 35 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting rack RPC server", zap.String("listen", listen), zap.Strings("drivers", a.Drivers()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if a.regionURL != "" {
		go a.keepRegistered(ctx)
	} else {
		a.logger.Warn("region URL not configured, skipping registration")
	}

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("rack RPC server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("rack RPC server shutdown: %w", err)
	}
	a.logger.Info("rack RPC server stopped")
	return nil
}
