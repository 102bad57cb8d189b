package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"evalgo.org/metalpool/models"
)

// MachineFilter selects machines in ListMachines. Zero fields match everything.
type MachineFilter struct {
	Statuses []models.NodeStatus
	Zone     string
	Owner    string

	// Hostnames restricts to these hostnames
	Hostnames []string

	SystemIDs []string

	// MACAddresses matches machines with an interface carrying any of them.
	// Comparison ignores case.
	MACAddresses []string

	// AgentName filters on the exact agent name when set, including the
	// empty name.
	AgentName *string
}

func (f MachineFilter) matches(m *models.Machine) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Zone != "" && m.Zone != f.Zone {
		return false
	}
	if f.Owner != "" && m.Owner != f.Owner {
		return false
	}
	if len(f.Hostnames) > 0 && !contains(f.Hostnames, m.Hostname) {
		return false
	}
	if len(f.SystemIDs) > 0 && !contains(f.SystemIDs, m.SystemID) {
		return false
	}
	if f.AgentName != nil && m.AgentName != *f.AgentName {
		return false
	}
	if len(f.MACAddresses) > 0 {
		found := false
		for _, iface := range m.Interfaces {
			for _, mac := range f.MACAddresses {
				if strings.EqualFold(iface.MACAddress, mac) {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func machineKey(systemID string) string {
	return "machine:" + systemID
}

func hostnameKey(hostname string) string {
	return "hostname:" + hostname
}

// CreateMachine enlists a new machine. It assigns the internal id, a system
// id when none is given, device and interface ids, and defaults the status
// to NEW, the power state to unknown and the zone to the default zone.
func (s *Storage) CreateMachine(ctx context.Context, m *models.Machine) error {
	if m.SystemID == "" {
		m.SystemID = models.GenerateSystemID()
	}
	if m.Zone == "" {
		m.Zone = models.DefaultZone
	}
	if m.PowerState == "" {
		m.PowerState = models.PowerUnknown
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid machine: %w", err)
	}

	id, err := s.nextID(s.machineSeq)
	if err != nil {
		return fmt.Errorf("failed to allocate machine id: %w", err)
	}
	m.ID = id

	for i := range m.StorageDevices {
		if m.StorageDevices[i].ID == 0 {
			if m.StorageDevices[i].ID, err = s.nextID(s.deviceSeq); err != nil {
				return fmt.Errorf("failed to allocate device id: %w", err)
			}
		}
	}
	for i := range m.Interfaces {
		if m.Interfaces[i].ID == 0 {
			if m.Interfaces[i].ID, err = s.nextID(s.deviceSeq); err != nil {
				return fmt.Errorf("failed to allocate interface id: %w", err)
			}
		}
	}

	now := s.now()
	m.Created = now
	m.Updated = now

	err = s.update(ctx, func(txn *badger.Txn) error {
		taken, err := exists(txn, machineKey(m.SystemID))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("machine %s: %w", m.SystemID, ErrAlreadyExists)
		}
		taken, err = exists(txn, hostnameKey(m.Hostname))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("hostname %s: %w", m.Hostname, ErrAlreadyExists)
		}
		var zone models.Zone
		if err := getJSON(txn, zoneKey(m.Zone), &zone); err != nil {
			return fmt.Errorf("zone %s: %w", m.Zone, err)
		}
		if err := txn.Set([]byte(hostnameKey(m.Hostname)), []byte(m.SystemID)); err != nil {
			return err
		}
		return setJSON(txn, machineKey(m.SystemID), m)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("machine created",
		zap.String("system_id", m.SystemID),
		zap.String("hostname", m.Hostname),
		zap.Int64("id", m.ID))
	return nil
}

// GetMachine returns the machine with the given system id.
func (s *Storage) GetMachine(ctx context.Context, systemID string) (*models.Machine, error) {
	var m models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, machineKey(systemID), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMachines resolves a set of system ids. Ids that do not exist are
// returned separately, in input order.
func (s *Storage) GetMachines(ctx context.Context, systemIDs []string) (map[string]*models.Machine, []string, error) {
	found := make(map[string]*models.Machine, len(systemIDs))
	var missing []string

	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range systemIDs {
			if _, seen := found[id]; seen {
				continue
			}
			var m models.Machine
			err := getJSON(txn, machineKey(id), &m)
			if errors.Is(err, ErrNotFound) {
				missing = append(missing, id)
				continue
			}
			if err != nil {
				return err
			}
			found[id] = &m
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return found, missing, nil
}

// ListMachines returns machines matching filter, ordered by internal id.
func (s *Storage) ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error) {
	var machines []*models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, "machine:", func(v []byte) error {
			var m models.Machine
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if filter.matches(&m) {
				machines = append(machines, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}

	sort.Slice(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
	return machines, nil
}

// UpdateMachine applies mutate to the stored machine and writes it back in
// the same transaction. If mutate returns an error nothing is written and
// the error is returned unchanged. SystemID, ID and Hostname are immutable.
func (s *Storage) UpdateMachine(ctx context.Context, systemID string, mutate func(m *models.Machine) error) (*models.Machine, error) {
	var updated *models.Machine
	err := s.update(ctx, func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(systemID), &m); err != nil {
			return err
		}
		id, hostname := m.ID, m.Hostname
		if err := mutate(&m); err != nil {
			return err
		}
		m.SystemID, m.ID, m.Hostname = systemID, id, hostname
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid machine: %w", err)
		}
		m.Updated = s.now()
		updated = &m
		return setJSON(txn, machineKey(systemID), &m)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TransitionMachine is a conditional status update: mutate runs only if the
// stored status is one of from, otherwise ErrPreconditionFailed is returned
// and the record is left alone.
func (s *Storage) TransitionMachine(ctx context.Context, systemID string, from []models.NodeStatus, mutate func(m *models.Machine) error) (*models.Machine, error) {
	return s.UpdateMachine(ctx, systemID, func(m *models.Machine) error {
		for _, status := range from {
			if m.Status == status {
				return mutate(m)
			}
		}
		return fmt.Errorf("machine %s is %s: %w", systemID, m.Status.Display(), ErrPreconditionFailed)
	})
}

// SetPowerState records the last known power state of a machine.
func (s *Storage) SetPowerState(ctx context.Context, systemID string, state models.PowerState) error {
	_, err := s.UpdateMachine(ctx, systemID, func(m *models.Machine) error {
		m.PowerState = state
		return nil
	})
	return err
}

// DeleteMachine removes a machine, its hostname index and its script sets.
func (s *Storage) DeleteMachine(ctx context.Context, systemID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(systemID), &m); err != nil {
			return err
		}
		if err := txn.Delete([]byte(hostnameKey(m.Hostname))); err != nil {
			return err
		}
		if err := deletePrefix(txn, scriptSetPrefix(systemID)); err != nil {
			return err
		}
		return txn.Delete([]byte(machineKey(systemID)))
	})
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
