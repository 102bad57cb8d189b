package api

import (
	"evalgo.org/metalpool/internal/lifecycle"
	"evalgo.org/metalpool/models"
)

// MessageResponse represents a simple message response.
type MessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// MachinesResponse is a page of machines.
type MachinesResponse struct {
	Count    int               `json:"count"`
	Total    int               `json:"total"`
	Machines []*models.Machine `json:"machines"`
}

// MACFilter validates the mac_address list filter.
type MACFilter struct {
	MACAddresses []string `json:"mac_address" validate:"dive,mac"`
}

// EnlistRequest describes a machine to enlist.
type EnlistRequest struct {
	SystemID        string            `json:"system_id" validate:"omitempty,alphanum,max=64"`
	Hostname        string            `json:"hostname" validate:"required,max=63"`
	Domain          string            `json:"domain" validate:"omitempty,max=253"`
	Architecture    string            `json:"architecture" validate:"omitempty,max=64"`
	CPUCount        int               `json:"cpu_count" validate:"gte=0"`
	Memory          int64             `json:"memory" validate:"gte=0"`
	Zone            string            `json:"zone" validate:"omitempty,max=64"`
	Tags            []string          `json:"tags" validate:"dive,required"`
	PowerType       string            `json:"power_type" validate:"omitempty,oneof=manual virtual webhook"`
	PowerParameters map[string]string `json:"power_parameters"`
	RackController  string            `json:"rack_controller" validate:"omitempty,max=64"`

	StorageDevices []models.StorageDevice `json:"storage_devices" validate:"dive"`
	Interfaces     []models.Interface     `json:"interfaces" validate:"dive"`
}

func (r *EnlistRequest) machine() *models.Machine {
	m := &models.Machine{
		SystemID:        r.SystemID,
		Hostname:        r.Hostname,
		Domain:          r.Domain,
		Architecture:    r.Architecture,
		CPUCount:        r.CPUCount,
		Memory:          r.Memory,
		Zone:            r.Zone,
		Tags:            r.Tags,
		PowerType:       r.PowerType,
		PowerParameters: r.PowerParameters,
		RackController:  r.RackController,
		StorageDevices:  r.StorageDevices,
		Interfaces:      r.Interfaces,
	}
	// ids are assigned by the registry
	for i := range m.StorageDevices {
		m.StorageDevices[i].ID = 0
	}
	for i := range m.Interfaces {
		m.Interfaces[i].ID = 0
	}
	return m
}

// MachinesRequest names the machines of a bulk operation.
type MachinesRequest struct {
	Machines []string `json:"machines" validate:"dive,required"`
}

// SetZoneRequest moves machines to a zone.
type SetZoneRequest struct {
	Machines []string `json:"machines" validate:"dive,required"`
	Zone     string   `json:"zone" validate:"required,max=64"`
}

// MarkFailedRequest carries the failure reason.
type MarkFailedRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

// CommissioningResultRequest carries the outcome of every commissioning script.
type CommissioningResultRequest struct {
	Results []models.ScriptResult `json:"results" validate:"required,min=1,dive"`
}

// BulkResponse is the outcome of accept, release and set-zone.
type BulkResponse struct {
	SystemIDs []string `json:"system_ids"`
	*lifecycle.BulkResult
}

// ConstraintsByType groups the resolution report by constraint kind.
type ConstraintsByType struct {
	Storage    map[string][]int64 `json:"storage,omitempty"`
	Interfaces map[string][]int64 `json:"interfaces,omitempty"`
}

// AllocationResponse is the allocated machine plus its resolution report.
type AllocationResponse struct {
	*models.Machine

	ConstraintMap     map[int64]string  `json:"constraint_map"`
	ConstraintsByType ConstraintsByType `json:"constraints_by_type"`

	// Present only for verbose requests, keyed by internal machine id
	VerboseStorage    map[int64]map[int64]string    `json:"verbose_storage,omitempty"`
	VerboseInterfaces map[string]map[int64][]int64 `json:"verbose_interfaces,omitempty"`

	DryRun bool `json:"dry_run,omitempty"`
}

// PowerStateResponse is the answer of a power query or command.
type PowerStateResponse struct {
	SystemID string            `json:"system_id"`
	State    models.PowerState `json:"state,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// ZoneRequest creates a zone.
type ZoneRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=1024"`
}

// TagRequest creates a tag.
type TagRequest struct {
	Name    string `json:"name" validate:"required,max=64"`
	Comment string `json:"comment" validate:"max=1024"`
}

// FabricRequest creates a fabric.
type FabricRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=1024"`
}

// SubnetRequest creates a subnet.
type SubnetRequest struct {
	Name   string `json:"name" validate:"required,max=64"`
	CIDR   string `json:"cidr" validate:"required,cidr"`
	Fabric string `json:"fabric" validate:"max=64"`
	VID    int    `json:"vid" validate:"gte=0,lte=4094"`
}

// SettingRequest sets a boolean setting.
type SettingRequest struct {
	Value *bool `json:"value" validate:"required"`
}
