// Package inventory loads zones, tags, networks and machines from a YAML
// file into the registry. It is how a fresh region is seeded and how
// operators import racks in bulk.
//
// Example file:
//
//	zones:
//	  - name: rack-a
//	tags:
//	  - name: ssd
//	fabrics:
//	  - name: fabric-0
//	subnets:
//	  - name: pxe
//	    cidr: 10.0.0.0/24
//	    fabric: fabric-0
//	machines:
//	  - hostname: node-01
//	    architecture: amd64/generic
//	    cpu_count: 8
//	    memory: 16384
//	    zone: rack-a
//	    status: ready
//	    power_type: virtual
//	    rack_controller: rack-01
//	    storage:
//	      - {name: sda, size: 500G, tags: [ssd], boot: true}
//	    interfaces:
//	      - {name: eth0, mac: "52:54:00:00:00:01", fabric: fabric-0, subnets: [pxe]}
//
// Records that already exist are skipped, so applying the same file twice
// is harmless.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/internal/validation"
	"evalgo.org/metalpool/models"
)

// Inventory is the parsed file.
type Inventory struct {
	Zones    []Zone    `yaml:"zones"`
	Tags     []Tag     `yaml:"tags"`
	Fabrics  []Fabric  `yaml:"fabrics"`
	Subnets  []Subnet  `yaml:"subnets"`
	Machines []Machine `yaml:"machines"`
}

type Zone struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Tag struct {
	Name    string `yaml:"name"`
	Comment string `yaml:"comment"`
}

type Fabric struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Subnet struct {
	Name   string `yaml:"name"`
	CIDR   string `yaml:"cidr"`
	Fabric string `yaml:"fabric"`
	VID    int    `yaml:"vid"`
}

// Machine is one machine entry. Size accepts plain bytes or a K/M/G/T suffix.
type Machine struct {
	SystemID        string            `yaml:"system_id"`
	Hostname        string            `yaml:"hostname"`
	Domain          string            `yaml:"domain"`
	Architecture    string            `yaml:"architecture"`
	CPUCount        int               `yaml:"cpu_count"`
	Memory          int64             `yaml:"memory"`
	Zone            string            `yaml:"zone"`
	Status          string            `yaml:"status"`
	Tags            []string          `yaml:"tags"`
	PowerType       string            `yaml:"power_type"`
	PowerParameters map[string]string `yaml:"power_parameters"`
	RackController  string            `yaml:"rack_controller"`
	Storage         []Disk            `yaml:"storage"`
	Interfaces      []NIC             `yaml:"interfaces"`
}

type Disk struct {
	Name string   `yaml:"name"`
	Size string   `yaml:"size"`
	Tags []string `yaml:"tags"`
	Boot bool     `yaml:"boot"`
}

type NIC struct {
	Name    string   `yaml:"name"`
	MAC     string   `yaml:"mac"`
	Fabric  string   `yaml:"fabric"`
	VLAN    int      `yaml:"vlan"`
	Subnets []string `yaml:"subnets"`
}

// Registry is what Apply writes to.
type Registry interface {
	CreateZone(ctx context.Context, z *models.Zone) error
	CreateTag(ctx context.Context, t *models.Tag) error
	CreateFabric(ctx context.Context, f *models.Fabric) error
	CreateSubnet(ctx context.Context, sn *models.Subnet) error
	CreateMachine(ctx context.Context, m *models.Machine) error
}

var _ Registry = (*storage.Storage)(nil)

// Summary counts what Apply did.
type Summary struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Load reads and parses an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Parse parses inventory YAML.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return &inv, nil
}

// ToModels converts every machine entry, reporting the first invalid one.
func (inv *Inventory) ToModels(v *validation.Validator) ([]*models.Machine, error) {
	out := make([]*models.Machine, 0, len(inv.Machines))
	for i, entry := range inv.Machines {
		m, err := entry.toModel()
		if err != nil {
			return nil, fmt.Errorf("machine %d (%s): %w", i, entry.Hostname, err)
		}
		if result := v.ValidateMachine(m); !result.Valid {
			first := result.Errors[0]
			return nil, fmt.Errorf("machine %d (%s): %s: %s", i, entry.Hostname, first.Field, first.Message)
		}
		out = append(out, m)
	}
	return out, nil
}

func (e Machine) toModel() (*models.Machine, error) {
	m := &models.Machine{
		SystemID:        e.SystemID,
		Hostname:        e.Hostname,
		Domain:          e.Domain,
		Architecture:    e.Architecture,
		CPUCount:        e.CPUCount,
		Memory:          e.Memory,
		Zone:            e.Zone,
		Tags:            e.Tags,
		PowerType:       e.PowerType,
		PowerParameters: e.PowerParameters,
		RackController:  e.RackController,
	}

	if e.Status != "" {
		status, err := models.ParseNodeStatus(e.Status)
		if err != nil {
			return nil, err
		}
		if status.IsOwned() {
			return nil, fmt.Errorf("status %s requires an owner and cannot be imported", status)
		}
		m.Status = status
	}

	for _, d := range e.Storage {
		size, err := ParseSize(d.Size)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", d.Name, err)
		}
		m.StorageDevices = append(m.StorageDevices, models.StorageDevice{
			Name:     d.Name,
			Size:     size,
			Tags:     d.Tags,
			BootDisk: d.Boot,
		})
	}
	for _, n := range e.Interfaces {
		m.Interfaces = append(m.Interfaces, models.Interface{
			Name:       n.Name,
			MACAddress: n.MAC,
			Fabric:     n.Fabric,
			VLAN:       n.VLAN,
			Subnets:    n.Subnets,
		})
	}
	return m, nil
}

// ParseSize parses "500G", "1.5T", "2048" into bytes (powers of 1000, as
// disk vendors count).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("size is required")
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K':
		mult = 1e3
	case 'M':
		mult = 1e6
	case 'G':
		mult = 1e9
	case 'T':
		mult = 1e12
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 || math.IsNaN(n) {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	bytes := n * mult
	if bytes >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(bytes), nil
}

// Apply writes the inventory into the registry, reference data first.
func (inv *Inventory) Apply(ctx context.Context, reg Registry, v *validation.Validator, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("inventory")

	machines, err := inv.ToModels(v)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	record := func(kind, name string, err error) error {
		switch {
		case err == nil:
			sum.Created++
			logger.Debug("imported", zap.String("kind", kind), zap.String("name", name))
			return nil
		case errors.Is(err, storage.ErrAlreadyExists):
			sum.Skipped++
			return nil
		}
		return fmt.Errorf("%s %s: %w", kind, name, err)
	}

	for _, z := range inv.Zones {
		if err := record("zone", z.Name, reg.CreateZone(ctx, &models.Zone{Name: z.Name, Description: z.Description})); err != nil {
			return sum, err
		}
	}
	for _, t := range inv.Tags {
		if err := record("tag", t.Name, reg.CreateTag(ctx, &models.Tag{Name: t.Name, Comment: t.Comment})); err != nil {
			return sum, err
		}
	}
	for _, f := range inv.Fabrics {
		if err := record("fabric", f.Name, reg.CreateFabric(ctx, &models.Fabric{Name: f.Name, Description: f.Description})); err != nil {
			return sum, err
		}
	}
	for _, sn := range inv.Subnets {
		subnet := &models.Subnet{Name: sn.Name, CIDR: sn.CIDR, Fabric: sn.Fabric, VID: sn.VID}
		if err := record("subnet", sn.Name, reg.CreateSubnet(ctx, subnet)); err != nil {
			return sum, err
		}
	}
	for _, m := range machines {
		if err := record("machine", m.Hostname, reg.CreateMachine(ctx, m)); err != nil {
			return sum, err
		}
	}

	logger.Info("inventory applied", zap.Int("created", sum.Created), zap.Int("skipped", sum.Skipped))
	return sum, nil
}
