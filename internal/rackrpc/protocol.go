// Package rackrpc is the region side of the rack-controller RPC channel.
//
// A rack controller is an agent process that drives machine power on
// behalf of the region. The region talks to it with JSON over HTTP:
//
//	POST /rpc/power/query   PowerRequest → PowerResponse
//	POST /rpc/power/on      PowerRequest → PowerResponse
//	POST /rpc/power/off     PowerRequest → PowerResponse
//	POST /rpc/disks/erase   EraseRequest → EraseResponse
//	GET  /health            → HealthResponse
//
// Failures come back as an ErrorResponse whose Code distinguishes a power
// action failure from an unimplemented operation, so the region can map
// each to its own persisted power state.
package rackrpc

import (
	"errors"

	"evalgo.org/metalpool/models"
)

// RPC paths served by the agent.
const (
	PathPowerQuery = "/rpc/power/query"
	PathPowerOn    = "/rpc/power/on"
	PathPowerOff   = "/rpc/power/off"
	PathEraseDisks = "/rpc/disks/erase"
	PathHealth     = "/health"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodePowerActionFail = "power_action_fail"
	CodeNotImplemented  = "not_implemented"
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
)

// PowerRequest asks the agent to query or change a machine's power.
type PowerRequest struct {
	Machine models.PowerDescriptor `json:"machine"`
}

// PowerResponse is the power state after the action.
type PowerResponse struct {
	State models.PowerState `json:"state"`
}

// EraseRequest asks the agent to erase every disk of a machine.
type EraseRequest struct {
	Machine models.PowerDescriptor `json:"machine"`

	// Secure requests a secure erase where the hardware supports it
	Secure bool `json:"secure"`
}

// EraseResponse reports a finished erasure.
type EraseResponse struct {
	Erased bool `json:"erased"`
}

// HealthResponse describes a running agent.
type HealthResponse struct {
	Status  string   `json:"status"`
	ID      string   `json:"id"`
	Drivers []string `json:"drivers"`
	Uptime  float64  `json:"uptime"`
}

// ErrorResponse is the body of every non-2xx agent reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterRequest is sent by an agent to the region to announce itself.
type RegisterRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret" validate:"required"`

	// Token is what the region must present on RPCs to this agent
	Token string `json:"token"`
}

var (
	// ErrNoConnectionsAvailable means the region has no usable channel to
	// the rack controller responsible for a machine.
	ErrNoConnectionsAvailable = errors.New("no connections available")

	// ErrTimeout means the rack controller did not answer in time.
	ErrTimeout = errors.New("timed out waiting for rack controller")
)

// PowerActionFail is a failure reported by the power driver.
type PowerActionFail struct {
	Reason string
}

func (e *PowerActionFail) Error() string {
	return e.Reason
}

// NotImplementedError means the driver does not support the operation.
type NotImplementedError struct {
	Reason string
}

func (e *NotImplementedError) Error() string {
	return e.Reason
}
