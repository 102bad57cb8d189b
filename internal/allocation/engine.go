// Package allocation picks a single READY machine that satisfies a
// constraint set and marks it ALLOCATED to the requester.
//
// Scalar constraints (name, arch, cpu_count, mem, tags, zone, subnets and
// their negations) filter candidates. Labelled storage and interface
// constraints additionally require a matching of labels to distinct devices
// on the candidate. Among the machines that pass, the one with the lowest
// internal id wins.
//
// Reading candidates, picking one and marking it allocated happen under an
// injected Locker, so two concurrent requests never claim the same machine.
// Everything else (validation, verbose reporting) runs outside the lock.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/constraints"
	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/metrics"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/internal/tracing"
	"evalgo.org/metalpool/models"
)

// Registry is the part of the machine registry the engine needs.
type Registry interface {
	ListMachines(ctx context.Context, filter storage.MachineFilter) ([]*models.Machine, error)
	TransitionMachine(ctx context.Context, systemID string, from []models.NodeStatus, mutate func(m *models.Machine) error) (*models.Machine, error)
	MissingTags(ctx context.Context, names []string) ([]string, error)
	MissingZones(ctx context.Context, names []string) ([]string, error)
	MissingSubnets(ctx context.Context, names []string) ([]string, error)
}

// Options control a single allocation request.
type Options struct {
	// Verbose computes resolution data for every satisfying candidate
	Verbose bool

	// DryRun resolves without claiming the machine
	DryRun bool

	// AgentName is recorded on the machine; empty clears any previous value
	AgentName string
}

// Result is a successful allocation.
type Result struct {
	Machine *models.Machine
	Report  *Report
	DryRun  bool
}

// Engine allocates machines.
type Engine struct {
	registry      Registry
	lock          Locker
	architectures []string
	emitter       events.Emitter
	monitor       *metrics.Monitor
	logger        *zap.Logger
}

// Config wires an Engine.
type Config struct {
	Registry Registry
	Lock     Locker

	// Architectures are the usable "arch/subarch" names
	Architectures []string

	Emitter events.Emitter
	Monitor *metrics.Monitor
	Logger  *zap.Logger
}

// NewEngine creates an allocation engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lock := cfg.Lock
	if lock == nil {
		lock = NewMutexLocker("allocation")
	}
	return &Engine{
		registry:      cfg.Registry,
		lock:          lock,
		architectures: cfg.Architectures,
		emitter:       events.OrNop(cfg.Emitter),
		monitor:       cfg.Monitor,
		logger:        logger.Named("allocation"),
	}
}

// Allocate selects a machine satisfying set and, unless opts.DryRun, marks
// it ALLOCATED to requester.
//
// Errors are *errs.Error: KindBadRequest for unknown tags, zones, subnets
// or architectures (checked before any matching), KindConflict when no
// machine matches.
func (e *Engine) Allocate(ctx context.Context, set *constraints.Set, requester models.Requester, opts Options) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "allocation.allocate")
	defer span.End()
	span.SetAttributes(
		attribute.String("constraints", set.String()),
		attribute.Bool("dry_run", opts.DryRun),
		attribute.Bool("verbose", opts.Verbose),
	)

	start := time.Now()
	result, err := e.allocate(ctx, set, requester, opts)
	e.monitor.ObserveAllocation(outcome(result, err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("system_id", result.Machine.SystemID))
	return result, nil
}

func (e *Engine) allocate(ctx context.Context, set *constraints.Set, requester models.Requester, opts Options) (*Result, error) {
	if err := e.validate(ctx, set); err != nil {
		return nil, err
	}

	candidates, chosen, res, err := e.claim(ctx, set, requester, opts)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, noMatch(set)
	}

	report := newReport()
	report.setChosen(res)
	if opts.Verbose {
		for _, m := range candidates {
			if !passesFilters(set, m) {
				continue
			}
			if candidateRes, ok := resolve(set, m); ok {
				report.addCandidate(m, candidateRes)
			}
		}
	}

	if !opts.DryRun {
		e.logger.Info("machine allocated",
			zap.String("system_id", chosen.SystemID),
			zap.String("hostname", chosen.Hostname),
			zap.String("owner", chosen.Owner),
			zap.String("constraints", set.String()))
		e.emitter.Emit(ctx, events.ForMachine(events.MachineAllocated, chosen))
	}

	return &Result{Machine: chosen, Report: report, DryRun: opts.DryRun}, nil
}

// claim is the locked section: read READY machines, pick the first that
// satisfies set, and mark it allocated. A candidate whose status changed
// under us is skipped in favour of the next one.
func (e *Engine) claim(ctx context.Context, set *constraints.Set, requester models.Requester, opts Options) ([]*models.Machine, *models.Machine, *resolution, error) {
	waitStart := time.Now()
	unlock, err := e.lock.Lock(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to acquire allocation lock: %w", err)
	}
	defer unlock()
	e.monitor.ObserveLockWait(time.Since(waitStart))

	candidates, err := e.registry.ListMachines(ctx, storage.MachineFilter{
		Statuses: []models.NodeStatus{models.StatusReady},
	})
	if err != nil {
		return nil, nil, nil, err
	}

	token := requester.TokenID
	if token == "" {
		token = models.GenerateToken()
	}

	for _, m := range candidates {
		if !passesFilters(set, m) {
			continue
		}
		res, ok := resolve(set, m)
		if !ok {
			continue
		}
		if opts.DryRun {
			return candidates, m, res, nil
		}

		claimed, err := e.registry.TransitionMachine(ctx, m.SystemID, []models.NodeStatus{models.StatusReady}, func(m *models.Machine) error {
			if m.Owner != "" {
				return fmt.Errorf("machine %s already owned: %w", m.SystemID, storage.ErrPreconditionFailed)
			}
			m.Status = models.StatusAllocated
			m.Owner = requester.Username
			m.AgentName = opts.AgentName
			m.AllocationToken = token
			return nil
		})
		if errors.Is(err, storage.ErrPreconditionFailed) || errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug("candidate changed during allocation", zap.String("system_id", m.SystemID))
			continue
		}
		if err != nil {
			return nil, nil, nil, err
		}
		return candidates, claimed, res, nil
	}
	return candidates, nil, nil, nil
}

// validate rejects references to entities that do not exist. It runs before
// matching so an unknown tag is reported even when no machine would match.
func (e *Engine) validate(ctx context.Context, set *constraints.Set) error {
	if set.Has(constraints.KindArch) && !e.knownArchitecture(set.Arch) {
		return errs.Invalid("arch", "Architecture not recognised: %s", set.Arch)
	}

	checks := []struct {
		kind   constraints.Kind
		names  []string
		lookup func(context.Context, []string) ([]string, error)
		noun   string
	}{
		{constraints.KindTags, set.Tags, e.registry.MissingTags, "tag"},
		{constraints.KindNotTags, set.NotTags, e.registry.MissingTags, "tag"},
		{constraints.KindZone, []string{set.Zone}, e.registry.MissingZones, "zone"},
		{constraints.KindNotInZone, set.NotInZone, e.registry.MissingZones, "zone"},
		{constraints.KindSubnets, set.Subnets, e.registry.MissingSubnets, "subnet"},
		{constraints.KindNotSubnets, set.NotSubnets, e.registry.MissingSubnets, "subnet"},
	}
	for _, c := range checks {
		if !set.Has(c.kind) {
			continue
		}
		missing, err := c.lookup(ctx, c.names)
		if err != nil {
			return fmt.Errorf("failed to look up %ss: %w", c.noun, err)
		}
		if len(missing) > 0 {
			return errs.Invalid(c.kind.Key(), "No such %s(s): %s.", c.noun, quoteAll(missing))
		}
	}
	return nil
}

func (e *Engine) knownArchitecture(arch string) bool {
	for _, known := range e.architectures {
		if arch == known || strings.HasPrefix(known, arch+"/") {
			return true
		}
	}
	return false
}

// passesFilters applies every constraint kind except storage and interfaces.
func passesFilters(set *constraints.Set, m *models.Machine) bool {
	if set.Has(constraints.KindName) && set.Name != m.Hostname && set.Name != m.FQDN() {
		return false
	}
	if set.Has(constraints.KindArch) && m.Architecture != set.Arch && !strings.HasPrefix(m.Architecture, set.Arch+"/") {
		return false
	}
	if set.Has(constraints.KindCPUCount) && float64(m.CPUCount) < set.CPUCount {
		return false
	}
	if set.Has(constraints.KindMem) && float64(m.Memory) < set.Mem {
		return false
	}
	for _, tag := range set.Tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	for _, tag := range set.NotTags {
		if m.HasTag(tag) {
			return false
		}
	}
	if set.Has(constraints.KindZone) && m.Zone != set.Zone {
		return false
	}
	for _, zone := range set.NotInZone {
		if m.Zone == zone {
			return false
		}
	}
	if set.Has(constraints.KindSubnets) || set.Has(constraints.KindNotSubnets) {
		subnets := m.Subnets()
		if set.Has(constraints.KindSubnets) {
			found := false
			for _, s := range set.Subnets {
				if subnets[s] {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		for _, s := range set.NotSubnets {
			if subnets[s] {
				return false
			}
		}
	}
	return true
}

func noMatch(set *constraints.Set) error {
	if set.Empty() {
		return errs.Conflict("No machine available.")
	}
	return errs.Conflict("No available machine matches constraints: %s", set.String())
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}

func outcome(result *Result, err error) string {
	switch {
	case err == nil && result.DryRun:
		return "dry_run"
	case err == nil:
		return "allocated"
	case errs.Is(err, errs.KindConflict):
		return "no_match"
	case errs.Is(err, errs.KindBadRequest):
		return "bad_request"
	default:
		return "error"
	}
}
