// Package client is a Go client for the metalpool HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"evalgo.org/metalpool/models"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Error is an error response of the API.
type Error struct {
	StatusCode int                    `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Field      string                 `json:"field,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Field != "" {
		return fmt.Sprintf("%s (%d, field %s)", msg, e.StatusCode, e.Field)
	}
	return fmt.Sprintf("%s (%d)", msg, e.StatusCode)
}

// Query filters ListMachines.
type Query struct {
	Statuses  []string
	Zone      string
	Owner     string
	Hostnames []string
	SystemIDs []string
	MACs      []string
	// AgentName filters on the agent name when set; an empty name selects
	// machines without one.
	AgentName *string
	Limit     int
	Offset    int
}

func (q Query) values() url.Values {
	v := url.Values{}
	for _, s := range q.Statuses {
		v.Add("status", s)
	}
	for _, h := range q.Hostnames {
		v.Add("hostname", h)
	}
	for _, id := range q.SystemIDs {
		v.Add("id", id)
	}
	for _, mac := range q.MACs {
		v.Add("mac_address", mac)
	}
	if q.AgentName != nil {
		v.Set("agent_name", *q.AgentName)
	}
	if q.Zone != "" {
		v.Set("zone", q.Zone)
	}
	if q.Owner != "" {
		v.Set("owner", q.Owner)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// MachineList is one page of machines.
type MachineList struct {
	Count    int               `json:"count"`
	Total    int               `json:"total"`
	Machines []*models.Machine `json:"machines"`
}

// EnlistRequest describes a new machine.
type EnlistRequest struct {
	SystemID        string                 `json:"system_id,omitempty"`
	Hostname        string                 `json:"hostname"`
	Domain          string                 `json:"domain,omitempty"`
	Architecture    string                 `json:"architecture,omitempty"`
	CPUCount        int                    `json:"cpu_count,omitempty"`
	Memory          int64                  `json:"memory,omitempty"`
	Zone            string                 `json:"zone,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	PowerType       string                 `json:"power_type,omitempty"`
	PowerParameters map[string]string      `json:"power_parameters,omitempty"`
	RackController  string                 `json:"rack_controller,omitempty"`
	StorageDevices  []models.StorageDevice `json:"storage_devices,omitempty"`
	Interfaces      []models.Interface     `json:"interfaces,omitempty"`
}

// Conflict is a machine whose state forbids the bulk operation.
type Conflict struct {
	SystemID string `json:"system_id"`
	Status   string `json:"status"`
}

// BulkResult is the outcome of accept, release and set-zone.
type BulkResult struct {
	SystemIDs []string          `json:"system_ids"`
	Succeeded []*models.Machine `json:"succeeded"`
	Unchanged []string          `json:"unchanged,omitempty"`
	Unknown   []string          `json:"unknown,omitempty"`
	Forbidden []string          `json:"forbidden,omitempty"`
	Conflicts []Conflict        `json:"conflicts,omitempty"`
}

// Allocation is an allocated machine and its constraint resolution.
type Allocation struct {
	models.Machine

	ConstraintMap     map[int64]string `json:"constraint_map"`
	ConstraintsByType struct {
		Storage    map[string][]int64 `json:"storage,omitempty"`
		Interfaces map[string][]int64 `json:"interfaces,omitempty"`
	} `json:"constraints_by_type"`
	VerboseStorage    map[int64]map[int64]string    `json:"verbose_storage,omitempty"`
	VerboseInterfaces map[string]map[int64][]int64 `json:"verbose_interfaces,omitempty"`
	DryRun            bool                          `json:"dry_run,omitempty"`
}

// PowerState is the answer of a power query or command.
type PowerState struct {
	SystemID string            `json:"system_id"`
	State    models.PowerState `json:"state,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// Health returns the server health document.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out)
	return out, err
}

// ListMachines returns a page of machines matching q.
func (c *Client) ListMachines(ctx context.Context, q Query) (*MachineList, error) {
	path := "/api/v1/machines"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out MachineList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAllocated returns the machines held by the caller.
func (c *Client) ListAllocated(ctx context.Context, q Query) (*MachineList, error) {
	path := "/api/v1/machines/allocated"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out MachineList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PowerParameters returns power parameters keyed by system id. Admin only.
func (c *Client) PowerParameters(ctx context.Context, systemIDs ...string) (map[string]map[string]string, error) {
	path := "/api/v1/machines/power-parameters"
	if len(systemIDs) > 0 {
		v := url.Values{"id": systemIDs}
		path += "?" + v.Encode()
	}
	out := make(map[string]map[string]string)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMachine returns one machine by system id.
func (c *Client) GetMachine(ctx context.Context, systemID string) (*models.Machine, error) {
	var out models.Machine
	if err := c.do(ctx, http.MethodGet, "/api/v1/machines/"+url.PathEscape(systemID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnlistMachine adds a machine in NEW.
func (c *Client) EnlistMachine(ctx context.Context, req EnlistRequest) (*models.Machine, error) {
	var out models.Machine
	if err := c.do(ctx, http.MethodPost, "/api/v1/machines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accept starts commissioning of NEW machines.
func (c *Client) Accept(ctx context.Context, systemIDs []string) (*BulkResult, error) {
	return c.bulk(ctx, "/api/v1/machines/accept", map[string]interface{}{"machines": systemIDs})
}

// Release hands machines back to the pool.
func (c *Client) Release(ctx context.Context, systemIDs []string) (*BulkResult, error) {
	return c.bulk(ctx, "/api/v1/machines/release", map[string]interface{}{"machines": systemIDs})
}

// SetZone moves machines to zone.
func (c *Client) SetZone(ctx context.Context, systemIDs []string, zone string) (*BulkResult, error) {
	return c.bulk(ctx, "/api/v1/machines/set-zone", map[string]interface{}{"machines": systemIDs, "zone": zone})
}

func (c *Client) bulk(ctx context.Context, path string, body interface{}) (*BulkResult, error) {
	var out BulkResult
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Allocate allocates a machine matching the constraints in params, e.g.
// "tags", "zone", "storage", "interfaces", "verbose" or "dry_run".
func (c *Client) Allocate(ctx context.Context, params url.Values) (*Allocation, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/machines/allocate", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out Allocation
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PowerState queries the current power state through the rack controller.
func (c *Client) PowerState(ctx context.Context, systemID string) (*PowerState, error) {
	var out PowerState
	if err := c.do(ctx, http.MethodGet, "/api/v1/machines/"+url.PathEscape(systemID)+"/power", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PowerOn requests the machine be switched on. The request is queued.
func (c *Client) PowerOn(ctx context.Context, systemID string) (*PowerState, error) {
	return c.powerCommand(ctx, systemID, "on")
}

// PowerOff requests the machine be switched off. The request is queued.
func (c *Client) PowerOff(ctx context.Context, systemID string) (*PowerState, error) {
	return c.powerCommand(ctx, systemID, "off")
}

func (c *Client) powerCommand(ctx context.Context, systemID, action string) (*PowerState, error) {
	var out PowerState
	if err := c.do(ctx, http.MethodPost, "/api/v1/machines/"+url.PathEscape(systemID)+"/power/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deploy starts deployment of an allocated machine.
func (c *Client) Deploy(ctx context.Context, systemID string) (*models.Machine, error) {
	var out models.Machine
	if err := c.do(ctx, http.MethodPost, "/api/v1/machines/"+url.PathEscape(systemID)+"/deploy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
