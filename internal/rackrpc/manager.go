package rackrpc

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"evalgo.org/metalpool/models"
)

// Manager keeps one Client per rack controller and tracks whether each is
// reachable. Rack controllers come from configuration or register
// themselves at runtime.
//
// Thread-safe for concurrent access.
type Manager struct {
	controllers map[string]*controller
	mu          sync.RWMutex
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

type controller struct {
	info   models.RackController
	client Client
}

// NewManager creates an empty manager. httpClient is shared by every
// HTTPClient the manager creates; nil uses a default client.
func NewManager(httpClient *http.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		controllers: make(map[string]*controller),
		httpClient:  httpClient,
		logger:      logger.Named("rackrpc"),
		now:         time.Now,
	}
}

// AddRackController adds or replaces the HTTP channel to a rack controller.
// The controller counts as connected until a health check fails.
func (m *Manager) AddRackController(id, url, token string) error {
	c, err := NewHTTPClient(url, token, m.httpClient)
	if err != nil {
		return fmt.Errorf("failed to create client for rack controller %s: %w", id, err)
	}
	m.SetClient(models.RackController{ID: id, URL: url, Token: token}, c)
	return nil
}

// SetClient adds or replaces a rack controller with an explicit client.
func (m *Manager) SetClient(info models.RackController, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info.Connected = true
	info.LastSeen = m.now().UTC()
	m.controllers[info.ID] = &controller{info: info, client: c}
	m.logger.Info("rack controller registered", zap.String("id", info.ID), zap.String("url", info.URL))
}

// RemoveRackController forgets a rack controller.
// Returns an error if the rack controller is not registered.
func (m *Manager) RemoveRackController(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.controllers[id]; !ok {
		return fmt.Errorf("rack controller %s not found", id)
	}
	delete(m.controllers, id)
	return nil
}

// GetClient returns the channel to a rack controller. It returns
// ErrNoConnectionsAvailable if the rack controller is unknown or its last
// health check failed.
func (m *Manager) GetClient(id string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.controllers[id]
	if !ok {
		return nil, fmt.Errorf("rack controller %q not registered: %w", id, ErrNoConnectionsAvailable)
	}
	if !c.info.Connected {
		return nil, fmt.Errorf("rack controller %q disconnected: %w", id, ErrNoConnectionsAvailable)
	}
	return c.client, nil
}

// SetConnected records the reachability of a rack controller.
func (m *Manager) SetConnected(id string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.controllers[id]
	if !ok {
		return
	}
	if c.info.Connected != connected {
		m.logger.Info("rack controller connectivity changed",
			zap.String("id", id),
			zap.Bool("connected", connected))
	}
	c.info.Connected = connected
	if connected {
		c.info.LastSeen = m.now().UTC()
	}
}

// RackControllers returns every known rack controller ordered by id.
func (m *Manager) RackControllers() []models.RackController {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RackController, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasRackController checks if a rack controller is registered.
func (m *Manager) HasRackController(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.controllers[id]
	return ok
}

// Count returns the number of registered rack controllers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.controllers)
}

// CheckHealth pings every rack controller once and updates its
// connectivity. It returns the ids that failed.
func (m *Manager) CheckHealth(ctx context.Context, timeout time.Duration) []string {
	m.mu.RLock()
	targets := make(map[string]Client, len(m.controllers))
	for id, c := range m.controllers {
		targets[id] = c.client
	}
	m.mu.RUnlock()

	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)
	for id, c := range targets {
		wg.Add(1)
		go func(id string, c Client) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			_, err := c.Health(callCtx)
			m.SetConnected(id, err == nil)
			if err != nil {
				m.logger.Warn("rack controller health check failed", zap.String("id", id), zap.Error(err))
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
		}(id, c)
	}
	wg.Wait()

	sort.Strings(failed)
	return failed
}

// RunHealthChecks calls CheckHealth every interval until ctx is done.
func (m *Manager) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx, interval/2)
		}
	}
}
