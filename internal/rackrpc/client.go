package rackrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"evalgo.org/metalpool/internal/tracing"
	"evalgo.org/metalpool/models"
)

// Client is an RPC channel to one rack controller.
type Client interface {
	PowerQuery(ctx context.Context, machine models.PowerDescriptor) (models.PowerState, error)
	PowerOn(ctx context.Context, machine models.PowerDescriptor) (models.PowerState, error)
	PowerOff(ctx context.Context, machine models.PowerDescriptor) (models.PowerState, error)
	EraseDisks(ctx context.Context, machine models.PowerDescriptor, secure bool) error
	Health(ctx context.Context) (*HealthResponse, error)
}

// HTTPClient is a Client speaking JSON over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the agent at baseURL. A non-empty
// token is sent as a bearer token on every call.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}, nil
}

// PowerQuery asks the agent for the current power state.
func (c *HTTPClient) PowerQuery(ctx context.Context, machine models.PowerDescriptor) (models.PowerState, error) {
	return c.power(ctx, "power_query", PathPowerQuery, machine)
}

// PowerOn asks the agent to switch the machine on.
func (c *HTTPClient) PowerOn(ctx context.Context, machine models.PowerDescriptor) (models.PowerState, error) {
	return c.power(ctx, "power_on", PathPowerOn, machine)
}

// PowerOff asks the agent to switch the machine off.
func (c *HTTPClient) PowerOff(ctx context.Context, machine models.PowerDescriptor) (models.PowerState, error) {
	return c.power(ctx, "power_off", PathPowerOff, machine)
}

func (c *HTTPClient) power(ctx context.Context, action, path string, machine models.PowerDescriptor) (models.PowerState, error) {
	ctx, span := tracing.Tracer().Start(ctx, "rackrpc."+action)
	defer span.End()
	span.SetAttributes(
		attribute.String("system_id", machine.SystemID),
		attribute.String("power_type", machine.PowerType),
	)

	var resp PowerResponse
	if err := c.call(ctx, http.MethodPost, path, PowerRequest{Machine: machine}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	state, err := models.ParsePowerState(string(resp.State))
	if err != nil {
		return "", fmt.Errorf("rack controller returned %w", err)
	}
	span.SetAttributes(attribute.String("power_state", string(state)))
	return state, nil
}

// EraseDisks asks the agent to erase every disk of the machine and waits
// for the erasure to finish.
func (c *HTTPClient) EraseDisks(ctx context.Context, machine models.PowerDescriptor, secure bool) error {
	ctx, span := tracing.Tracer().Start(ctx, "rackrpc.erase_disks")
	defer span.End()
	span.SetAttributes(attribute.String("system_id", machine.SystemID))

	var resp EraseResponse
	if err := c.call(ctx, http.MethodPost, PathEraseDisks, EraseRequest{Machine: machine, Secure: secure}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !resp.Erased {
		return &PowerActionFail{Reason: "rack controller did not confirm erasure"}
	}
	return nil
}

// Health checks the agent is up.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.call(ctx, http.MethodGet, PathHealth, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call performs one round trip. Transport failures become
// ErrNoConnectionsAvailable, an expired context ErrTimeout, and agent error
// bodies their typed error.
func (c *HTTPClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrNoConnectionsAvailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Code == "" {
		return fmt.Errorf("rack controller returned HTTP %d: %s", status, strings.TrimSpace(string(data)))
	}
	switch e.Code {
	case CodePowerActionFail:
		return &PowerActionFail{Reason: e.Message}
	case CodeNotImplemented:
		return &NotImplementedError{Reason: e.Message}
	case CodeUnauthorized:
		return fmt.Errorf("rack controller rejected credentials: %s: %w", e.Message, ErrNoConnectionsAvailable)
	}
	return fmt.Errorf("rack controller error %s: %s", e.Code, e.Message)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
