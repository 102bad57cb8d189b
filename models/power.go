package models

import "fmt"

// PowerState is the last known power state of a machine.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerError   PowerState = "error"
	PowerUnknown PowerState = "unknown"
)

// Valid reports whether p is one of the known power states.
func (p PowerState) Valid() bool {
	switch p {
	case PowerOn, PowerOff, PowerError, PowerUnknown:
		return true
	}
	return false
}

// ParsePowerState converts an agent-supplied state into a PowerState.
func ParsePowerState(value string) (PowerState, error) {
	p := PowerState(value)
	if !p.Valid() {
		return "", fmt.Errorf("unknown power state %q", value)
	}
	return p, nil
}

// PowerDescriptor is everything a rack controller needs to drive a
// machine's power: which driver to use and the driver's parameters.
type PowerDescriptor struct {
	SystemID        string            `json:"system_id"`
	Hostname        string            `json:"hostname"`
	PowerType       string            `json:"power_type"`
	PowerParameters map[string]string `json:"power_parameters,omitempty"`
}
