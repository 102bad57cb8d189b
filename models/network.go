package models

import "time"

// DefaultZone always exists and cannot be deleted.
const DefaultZone = "default"

// Zone is an administrative grouping of machines.
type Zone struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
}

// Tag is a label that can be attached to machines.
type Tag struct {
	Name    string    `json:"name"`
	Comment string    `json:"comment,omitempty"`
	Created time.Time `json:"created"`
}

// Fabric is a layer-2 network domain interfaces attach to.
type Fabric struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
}

// Subnet is an IP network reachable over a fabric.
type Subnet struct {
	Name    string    `json:"name"`
	CIDR    string    `json:"cidr"`
	Fabric  string    `json:"fabric,omitempty"`
	VID     int       `json:"vid,omitempty"`
	Created time.Time `json:"created"`
}

// RackController is a per-site agent that performs power operations.
type RackController struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`

	// Token is presented by the region on every RPC to the rack controller
	Token string `json:"token,omitempty"`
}
