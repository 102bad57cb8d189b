package models

import (
	"fmt"
	"time"
)

// Machine is a physical host tracked by the registry.
//
// A machine is addressed by its SystemID, which is globally unique and never
// changes. ID is an internal, monotonically assigned number used for stable
// ordering (allocation tie-break picks the lowest ID).
//
// Example JSON representation:
//
//	{
//	  "id": 3,
//	  "system_id": "4y3h7n",
//	  "hostname": "node-03",
//	  "domain": "maas",
//	  "status": "ready",
//	  "architecture": "amd64/generic",
//	  "cpu_count": 8,
//	  "memory": 16384,
//	  "zone": "default",
//	  "tags": ["fast", "stable"],
//	  "power_type": "virtual",
//	  "power_state": "off",
//	  "rack_controller": "rack-01"
//	}
type Machine struct {
	// ID is the internal identifier, assigned by the registry on creation
	ID int64 `json:"id"`

	// SystemID is the stable external identifier
	SystemID string `json:"system_id"`

	// Hostname is unique across the registry
	Hostname string `json:"hostname"`

	// Domain combines with Hostname into the fully-qualified name
	Domain string `json:"domain,omitempty"`

	Status NodeStatus `json:"status"`

	// Owner is the username holding the machine; empty when unowned
	Owner string `json:"owner,omitempty"`

	// Architecture in "arch/subarch" form, e.g. "amd64/generic"
	Architecture string `json:"architecture"`

	CPUCount int `json:"cpu_count"`

	// Memory in MiB
	Memory int64 `json:"memory"`

	Zone string `json:"zone"`

	// AgentName is an opaque tag supplied by the allocating caller
	AgentName string `json:"agent_name"`

	Tags []string `json:"tags"`

	// PowerType names the rack-controller driver, empty if unconfigured
	PowerType       string            `json:"power_type"`
	PowerParameters map[string]string `json:"power_parameters,omitempty"`
	PowerState      PowerState        `json:"power_state"`

	// RackController is the id of the rack controller responsible for power
	RackController string `json:"rack_controller,omitempty"`

	StorageDevices []StorageDevice `json:"storage_devices"`
	Interfaces     []Interface     `json:"interfaces"`

	// AllocationToken identifies the credential that allocated the machine
	AllocationToken string `json:"allocation_token,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// StorageDevice is a block device attached to a machine.
type StorageDevice struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	// Size in bytes
	Size int64 `json:"size"`

	Tags     []string `json:"tags"`
	BootDisk bool     `json:"boot_disk"`
}

// Interface is a network interface attached to a machine.
type Interface struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	MACAddress string   `json:"mac_address"`
	Fabric     string   `json:"fabric,omitempty"`
	VLAN       int      `json:"vlan,omitempty"`
	Subnets    []string `json:"subnets,omitempty"`
}

// FQDN returns the fully-qualified domain name of the machine.
func (m *Machine) FQDN() string {
	if m.Domain == "" {
		return m.Hostname
	}
	return m.Hostname + "." + m.Domain
}

// HasTag reports whether the machine carries the named tag.
func (m *Machine) HasTag(name string) bool {
	return containsString(m.Tags, name)
}

// Subnets returns the set of subnets any interface is linked to.
func (m *Machine) Subnets() map[string]bool {
	subnets := make(map[string]bool)
	for _, iface := range m.Interfaces {
		for _, s := range iface.Subnets {
			subnets[s] = true
		}
	}
	return subnets
}

// BootDisk returns the boot disk, or nil if none is marked.
func (m *Machine) BootDisk() *StorageDevice {
	for i := range m.StorageDevices {
		if m.StorageDevices[i].BootDisk {
			return &m.StorageDevices[i]
		}
	}
	return nil
}

// PowerDescriptor returns what a rack controller needs to drive power.
func (m *Machine) PowerDescriptor() PowerDescriptor {
	params := make(map[string]string, len(m.PowerParameters))
	for k, v := range m.PowerParameters {
		params[k] = v
	}
	return PowerDescriptor{
		SystemID:        m.SystemID,
		Hostname:        m.Hostname,
		PowerType:       m.PowerType,
		PowerParameters: params,
	}
}

// Validate checks the structural invariants of a machine record.
func (m *Machine) Validate() error {
	if m.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %d", int(m.Status))
	}
	if m.CPUCount < 0 {
		return fmt.Errorf("cpu_count must not be negative")
	}
	if m.Memory < 0 {
		return fmt.Errorf("memory must not be negative")
	}

	boot := 0
	for _, d := range m.StorageDevices {
		if d.Size < 0 {
			return fmt.Errorf("storage device %q has negative size", d.Name)
		}
		if d.BootDisk {
			boot++
		}
	}
	if boot > 1 {
		return fmt.Errorf("machine %s has %d boot disks, at most one is allowed", m.Hostname, boot)
	}
	return nil
}

// Clone returns a deep copy of the machine.
func (m *Machine) Clone() *Machine {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	if m.PowerParameters != nil {
		c.PowerParameters = make(map[string]string, len(m.PowerParameters))
		for k, v := range m.PowerParameters {
			c.PowerParameters[k] = v
		}
	}
	c.StorageDevices = make([]StorageDevice, len(m.StorageDevices))
	for i, d := range m.StorageDevices {
		d.Tags = append([]string(nil), d.Tags...)
		c.StorageDevices[i] = d
	}
	c.Interfaces = make([]Interface, len(m.Interfaces))
	for i, iface := range m.Interfaces {
		iface.Subnets = append([]string(nil), iface.Subnets...)
		c.Interfaces[i] = iface
	}
	return &c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
