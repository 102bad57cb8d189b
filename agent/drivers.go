package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/models"
)

// Driver drives the power of one kind of hardware. Failures are reported
// as *rackrpc.PowerActionFail or *rackrpc.NotImplementedError.
type Driver interface {
	Query(ctx context.Context, m models.PowerDescriptor) (models.PowerState, error)
	On(ctx context.Context, m models.PowerDescriptor) (models.PowerState, error)
	Off(ctx context.Context, m models.PowerDescriptor) (models.PowerState, error)
	EraseDisks(ctx context.Context, m models.PowerDescriptor, secure bool) error
}

func notImplemented(format string, args ...interface{}) error {
	return &rackrpc.NotImplementedError{Reason: fmt.Sprintf(format, args...)}
}

func actionFailed(format string, args ...interface{}) error {
	return &rackrpc.PowerActionFail{Reason: fmt.Sprintf(format, args...)}
}

// manualDriver is for machines without remote power control.
type manualDriver struct{}

func (manualDriver) Query(context.Context, models.PowerDescriptor) (models.PowerState, error) {
	return "", notImplemented("Power state cannot be queried for manual power type")
}

func (manualDriver) On(context.Context, models.PowerDescriptor) (models.PowerState, error) {
	return "", notImplemented("Machines with manual power type must be powered on by hand")
}

func (manualDriver) Off(context.Context, models.PowerDescriptor) (models.PowerState, error) {
	return "", notImplemented("Machines with manual power type must be powered off by hand")
}

func (manualDriver) EraseDisks(context.Context, models.PowerDescriptor, bool) error {
	return notImplemented("Disk erasure is not supported for manual power type")
}

// virtualDriver keeps a power switch per machine in memory. A machine whose
// power parameters carry fail=true fails every action.
type virtualDriver struct {
	mu       sync.Mutex
	states   map[string]models.PowerState
	eraseFor time.Duration
}

func newVirtualDriver(eraseFor time.Duration) *virtualDriver {
	return &virtualDriver{states: make(map[string]models.PowerState), eraseFor: eraseFor}
}

func (d *virtualDriver) check(m models.PowerDescriptor) error {
	if m.PowerParameters["fail"] == "true" {
		return actionFailed("virtual power for %s is configured to fail", m.Hostname)
	}
	return nil
}

func (d *virtualDriver) Query(_ context.Context, m models.PowerDescriptor) (models.PowerState, error) {
	if err := d.check(m); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[m.SystemID]; ok {
		return s, nil
	}
	return models.PowerOff, nil
}

func (d *virtualDriver) set(m models.PowerDescriptor, state models.PowerState) (models.PowerState, error) {
	if err := d.check(m); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[m.SystemID] = state
	return state, nil
}

func (d *virtualDriver) On(_ context.Context, m models.PowerDescriptor) (models.PowerState, error) {
	return d.set(m, models.PowerOn)
}

func (d *virtualDriver) Off(_ context.Context, m models.PowerDescriptor) (models.PowerState, error) {
	return d.set(m, models.PowerOff)
}

func (d *virtualDriver) EraseDisks(ctx context.Context, m models.PowerDescriptor, _ bool) error {
	if err := d.check(m); err != nil {
		return err
	}
	if d.eraseFor <= 0 {
		return nil
	}
	t := time.NewTimer(d.eraseFor)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return actionFailed("disk erasure of %s interrupted: %v", m.Hostname, ctx.Err())
	}
}

// Power parameters understood by the webhook driver.
const (
	paramPowerOnURI     = "power_on_uri"
	paramPowerOffURI    = "power_off_uri"
	paramPowerQueryURI  = "power_query_uri"
	paramPowerOnRegex   = "power_on_regex"
	paramPowerOffRegex  = "power_off_regex"
	paramEraseURI       = "erase_uri"
	paramPowerToken     = "power_token"
	defaultPowerOnRegex = "on"
	defaultOffRegex     = "off"
)

// webhookDriver drives power through plain HTTP endpoints. On and off are
// POSTs; the query is a GET whose body is matched against the on and off
// regular expressions.
type webhookDriver struct {
	client *http.Client
}

func newWebhookDriver(client *http.Client) *webhookDriver {
	return &webhookDriver{client: client}
}

func (d *webhookDriver) do(ctx context.Context, method string, m models.PowerDescriptor, param string) (string, error) {
	uri := m.PowerParameters[param]
	if uri == "" {
		return "", actionFailed("Missing power parameter %s", param)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return "", actionFailed("Invalid %s: %v", param, err)
	}
	if token := m.PowerParameters[paramPowerToken]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", actionFailed("Webhook %s failed: %v", uri, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", actionFailed("Reading webhook response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", actionFailed("Webhook %s returned HTTP %d", uri, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

func (d *webhookDriver) Query(ctx context.Context, m models.PowerDescriptor) (models.PowerState, error) {
	if m.PowerParameters[paramPowerQueryURI] == "" {
		return "", notImplemented("Power state cannot be queried without %s", paramPowerQueryURI)
	}
	body, err := d.do(ctx, http.MethodGet, m, paramPowerQueryURI)
	if err != nil {
		return "", err
	}
	return matchState(body, m.PowerParameters)
}

func matchState(body string, params map[string]string) (models.PowerState, error) {
	onExpr := params[paramPowerOnRegex]
	if onExpr == "" {
		onExpr = defaultPowerOnRegex
	}
	offExpr := params[paramPowerOffRegex]
	if offExpr == "" {
		offExpr = defaultOffRegex
	}

	onRe, err := regexp.Compile(onExpr)
	if err != nil {
		return "", actionFailed("Invalid %s: %v", paramPowerOnRegex, err)
	}
	offRe, err := regexp.Compile(offExpr)
	if err != nil {
		return "", actionFailed("Invalid %s: %v", paramPowerOffRegex, err)
	}

	switch {
	case onRe.MatchString(body):
		return models.PowerOn, nil
	case offRe.MatchString(body):
		return models.PowerOff, nil
	}
	return models.PowerUnknown, nil
}

func (d *webhookDriver) On(ctx context.Context, m models.PowerDescriptor) (models.PowerState, error) {
	if _, err := d.do(ctx, http.MethodPost, m, paramPowerOnURI); err != nil {
		return "", err
	}
	return models.PowerOn, nil
}

func (d *webhookDriver) Off(ctx context.Context, m models.PowerDescriptor) (models.PowerState, error) {
	if _, err := d.do(ctx, http.MethodPost, m, paramPowerOffURI); err != nil {
		return "", err
	}
	return models.PowerOff, nil
}

func (d *webhookDriver) EraseDisks(ctx context.Context, m models.PowerDescriptor, _ bool) error {
	if m.PowerParameters[paramEraseURI] == "" {
		return notImplemented("Disk erasure requires %s", paramEraseURI)
	}
	_, err := d.do(ctx, http.MethodPost, m, paramEraseURI)
	return err
}
