package allocation

import (
	"sort"

	"evalgo.org/metalpool/internal/constraints"
	"evalgo.org/metalpool/models"
)

// Report maps labelled storage and interface constraints to the devices
// chosen to satisfy them on the allocated machine.
type Report struct {
	// Storage maps each storage label to the chosen device
	Storage map[string][]int64

	// Interfaces maps each interface label to the chosen interface
	Interfaces map[string][]int64

	// ConstraintMap maps chosen storage device ids back to their labels
	ConstraintMap map[int64]string

	// VerboseStorage maps each satisfying candidate's internal id to the
	// device-to-label assignment found on it. Nil unless verbose.
	VerboseStorage map[int64]map[int64]string

	// VerboseInterfaces maps each interface label to, per satisfying
	// candidate, every interface that satisfies the label. Nil unless verbose.
	VerboseInterfaces map[string]map[int64][]int64
}

func newReport() *Report {
	return &Report{
		Storage:       make(map[string][]int64),
		Interfaces:    make(map[string][]int64),
		ConstraintMap: make(map[int64]string),
	}
}

// resolution is the outcome of matching labelled constraints on one machine.
type resolution struct {
	// label → chosen id
	storage    map[string]int64
	interfaces map[string]int64

	// label → every satisfying id
	storageOptions   map[string][]int64
	interfaceOptions map[string][]int64
}

func (r *Report) setChosen(res *resolution) {
	for label, id := range res.storage {
		r.Storage[label] = []int64{id}
		r.ConstraintMap[id] = label
	}
	for label, id := range res.interfaces {
		r.Interfaces[label] = []int64{id}
	}
}

func (r *Report) addCandidate(m *models.Machine, res *resolution) {
	if r.VerboseStorage == nil {
		r.VerboseStorage = make(map[int64]map[int64]string)
		r.VerboseInterfaces = make(map[string]map[int64][]int64)
	}
	if len(res.storage) > 0 {
		assigned := make(map[int64]string, len(res.storage))
		for label, id := range res.storage {
			assigned[id] = label
		}
		r.VerboseStorage[m.ID] = assigned
	}
	for label, ids := range res.interfaceOptions {
		if r.VerboseInterfaces[label] == nil {
			r.VerboseInterfaces[label] = make(map[int64][]int64)
		}
		r.VerboseInterfaces[label][m.ID] = ids
	}
}

// resolve finds an assignment of distinct devices to storage labels and of
// distinct interfaces to interface labels. It reports false if either
// assignment does not exist.
func resolve(set *constraints.Set, m *models.Machine) (*resolution, bool) {
	res := &resolution{
		storage:          make(map[string]int64),
		interfaces:       make(map[string]int64),
		storageOptions:   make(map[string][]int64),
		interfaceOptions: make(map[string][]int64),
	}

	if len(set.Storage) > 0 {
		devices := sortedDevices(m.StorageDevices)
		candidates := make([][]int, len(set.Storage))
		for i, c := range set.Storage {
			for j := range devices {
				if c.Matches(&devices[j]) {
					candidates[i] = append(candidates[i], j)
					res.storageOptions[c.Label] = append(res.storageOptions[c.Label], devices[j].ID)
				}
			}
		}
		assignment, ok := bipartiteMatch(candidates, len(devices))
		if !ok {
			return nil, false
		}
		for i, c := range set.Storage {
			res.storage[c.Label] = devices[assignment[i]].ID
		}
	}

	if len(set.Interfaces) > 0 {
		ifaces := sortedInterfaces(m.Interfaces)
		candidates := make([][]int, len(set.Interfaces))
		for i, c := range set.Interfaces {
			for j := range ifaces {
				if c.Matches(&ifaces[j]) {
					candidates[i] = append(candidates[i], j)
					res.interfaceOptions[c.Label] = append(res.interfaceOptions[c.Label], ifaces[j].ID)
				}
			}
		}
		assignment, ok := bipartiteMatch(candidates, len(ifaces))
		if !ok {
			return nil, false
		}
		for i, c := range set.Interfaces {
			res.interfaces[c.Label] = ifaces[assignment[i]].ID
		}
	}

	return res, true
}

func sortedDevices(in []models.StorageDevice) []models.StorageDevice {
	out := append([]models.StorageDevice(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedInterfaces(in []models.Interface) []models.Interface {
	out := append([]models.Interface(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
