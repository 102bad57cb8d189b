// Package power queries and drives machine power through rack controllers.
//
// Every RPC runs on its own goroutine with an explicit timeout and is
// serialized per machine, so a hung rack controller only ever delays work
// for the machines it is responsible for. Callers get a Future; the
// resulting power state is written to the registry by a background queue,
// off the request path.
//
// Failures fold into a fixed outcome table:
//
//	no connection to the rack controller   state unchanged  "Unable to connect to cluster controller"
//	RPC timeout                            state unchanged  "Timed out waiting for power response"
//	no power type configured               UNKNOWN          "Power state is not queryable"
//	agent reports a power action failure   ERROR            the agent's reason
//	agent reports the action unimplemented UNKNOWN          the agent's reason
//
// All of them are errs.KindUnavailable.
package power

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/metrics"
	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/models"
)

// Caller-visible failure messages.
const (
	MsgNoConnection = "Unable to connect to cluster controller"
	MsgTimeout      = "Timed out waiting for power response"
	MsgNotQueryable = "Power state is not queryable"
)

// Action names a power RPC.
type Action string

const (
	ActionQuery Action = "query"
	ActionOn    Action = "on"
	ActionOff   Action = "off"
	ActionErase Action = "erase"
)

// Registry is the part of the machine registry the orchestrator needs.
type Registry interface {
	GetMachine(ctx context.Context, systemID string) (*models.Machine, error)
	SetPowerState(ctx context.Context, systemID string, state models.PowerState) error
}

// ClientProvider hands out the RPC channel to a rack controller, or an
// error wrapping rackrpc.ErrNoConnectionsAvailable.
type ClientProvider interface {
	GetClient(rackControllerID string) (rackrpc.Client, error)
}

// Config wires an Orchestrator.
type Config struct {
	Registry Registry
	Clients  ClientProvider
	Queue    *Queue

	// Timeout bounds each RPC, including the wait for earlier RPCs to the
	// same machine
	Timeout time.Duration

	// SecureErase requests secure erasure from the rack controller
	SecureErase bool

	Emitter events.Emitter
	Monitor *metrics.Monitor
	Logger  *zap.Logger
}

// Orchestrator issues power RPCs.
type Orchestrator struct {
	registry    Registry
	clients     ClientProvider
	queue       *Queue
	locks       *keyedLock
	timeout     time.Duration
	secureErase bool
	emitter     events.Emitter
	monitor     *metrics.Monitor
	logger      *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Orchestrator{
		registry:    cfg.Registry,
		clients:     cfg.Clients,
		queue:       cfg.Queue,
		locks:       newKeyedLock(),
		timeout:     timeout,
		secureErase: cfg.SecureErase,
		emitter:     events.OrNop(cfg.Emitter),
		monitor:     cfg.Monitor,
		logger:      logger.Named("power"),
	}
}

// QueryAsync starts a power query for the machine and returns immediately.
func (o *Orchestrator) QueryAsync(ctx context.Context, systemID string) *Future[models.PowerState] {
	f := newFuture[models.PowerState]()

	m, err := o.registry.GetMachine(ctx, systemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = errs.NotFound("Machine %s not found.", systemID)
		}
		f.resolve("", err)
		return f
	}

	go func() {
		f.resolve(o.do(context.WithoutCancel(ctx), ActionQuery, m))
	}()
	return f
}

// Query returns the current power state of a machine, waiting for the
// rack controller's answer.
func (o *Orchestrator) Query(ctx context.Context, systemID string) (models.PowerState, error) {
	return o.QueryAsync(ctx, systemID).Wait(ctx)
}

// Start powers a machine on in the background. Failures are logged and
// emitted as events.
func (o *Orchestrator) Start(m *models.Machine) {
	o.background(ActionOn, m)
}

// Stop powers a machine off in the background.
func (o *Orchestrator) Stop(m *models.Machine) {
	o.background(ActionOff, m)
}

// PowerOnAsync and PowerOffAsync are Start and Stop with a result.
func (o *Orchestrator) PowerOnAsync(m *models.Machine) *Future[models.PowerState] {
	return o.async(ActionOn, m)
}

func (o *Orchestrator) PowerOffAsync(m *models.Machine) *Future[models.PowerState] {
	return o.async(ActionOff, m)
}

func (o *Orchestrator) async(action Action, m *models.Machine) *Future[models.PowerState] {
	f := newFuture[models.PowerState]()
	m = m.Clone()
	go func() {
		f.resolve(o.do(context.Background(), action, m))
	}()
	return f
}

func (o *Orchestrator) background(action Action, m *models.Machine) {
	f := o.async(action, m)
	go func() {
		if _, err := f.Wait(context.Background()); err != nil {
			o.logger.Warn("power action failed",
				zap.String("system_id", m.SystemID),
				zap.String("action", string(action)),
				zap.Error(err))
		}
	}()
}

// EraseDisks asks the rack controller to erase the machine's disks and
// waits for it to finish or for ctx to end. The erase is not bound by the
// RPC timeout, only by ctx.
func (o *Orchestrator) EraseDisks(ctx context.Context, m *models.Machine) error {
	start := time.Now()
	unlock, err := o.locks.lock(ctx, m.SystemID)
	if err != nil {
		return err
	}
	defer unlock()

	client, err := o.clients.GetClient(m.RackController)
	if err == nil {
		err = client.EraseDisks(ctx, m.PowerDescriptor(), o.secureErase)
	}
	o.monitor.ObservePowerCall(string(ActionErase), outcomeLabel(err), time.Since(start))
	if err != nil {
		_, _, mapped := classify(err)
		return mapped
	}
	return nil
}

// Sync waits until every pending power state write has been applied.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if o.queue == nil {
		return nil
	}
	return o.queue.Sync(ctx)
}

// do runs one RPC under the machine's lock and schedules persistence of
// the outcome.
func (o *Orchestrator) do(ctx context.Context, action Action, m *models.Machine) (models.PowerState, error) {
	if m.PowerType == "" {
		o.persist(m, models.PowerUnknown, MsgNotQueryable)
		o.monitor.ObservePowerCall(string(action), "not_queryable", 0)
		return "", errs.Unavailable(MsgNotQueryable)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	unlock, err := o.locks.lock(ctx, m.SystemID)
	if err != nil {
		err = fmt.Errorf("waiting for earlier power action: %w", rackrpc.ErrTimeout)
		o.monitor.ObservePowerCall(string(action), outcomeLabel(err), time.Since(start))
		return "", o.fail(action, m, err)
	}
	// The outcome is queued before unlock so registry writes for one
	// machine land in the order its RPCs finished.
	defer unlock()

	state, err := o.call(ctx, action, m)
	o.monitor.ObservePowerCall(string(action), outcomeLabel(err), time.Since(start))
	if err != nil {
		return "", o.fail(action, m, err)
	}

	o.persist(m, state, "")
	return state, nil
}

// call issues the RPC. The caller holds the machine's lock.
func (o *Orchestrator) call(ctx context.Context, action Action, m *models.Machine) (models.PowerState, error) {
	client, err := o.clients.GetClient(m.RackController)
	if err != nil {
		return "", err
	}

	d := m.PowerDescriptor()
	switch action {
	case ActionOn:
		return client.PowerOn(ctx, d)
	case ActionOff:
		return client.PowerOff(ctx, d)
	default:
		return client.PowerQuery(ctx, d)
	}
}

// fail records a failed RPC and returns the caller-visible error.
func (o *Orchestrator) fail(action Action, m *models.Machine, err error) error {
	persisted, change, mapped := classify(err)
	o.logger.Debug("power rpc failed",
		zap.String("system_id", m.SystemID),
		zap.String("action", string(action)),
		zap.Error(err))
	if change {
		o.persist(m, persisted, mapped.Error())
	} else {
		o.emitFailure(m, mapped.Error())
	}
	return mapped
}

// classify maps an RPC failure to the power state to persist (if any) and
// the caller-visible error.
func classify(err error) (state models.PowerState, change bool, mapped error) {
	var (
		fail *rackrpc.PowerActionFail
		ni   *rackrpc.NotImplementedError
	)
	switch {
	case errors.As(err, &fail):
		return models.PowerError, true, errs.Wrap(errs.KindUnavailable, err, fail.Reason)
	case errors.As(err, &ni):
		return models.PowerUnknown, true, errs.Wrap(errs.KindUnavailable, err, ni.Reason)
	case errors.Is(err, rackrpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "", false, errs.Wrap(errs.KindUnavailable, err, MsgTimeout)
	case errors.Is(err, rackrpc.ErrNoConnectionsAvailable):
		return "", false, errs.Wrap(errs.KindUnavailable, err, MsgNoConnection)
	}
	return "", false, errs.Wrap(errs.KindUnavailable, err, err.Error())
}

// persist records the new power state through the background queue.
func (o *Orchestrator) persist(m *models.Machine, state models.PowerState, failure string) {
	systemID, previous := m.SystemID, m.PowerState
	task := func(ctx context.Context) {
		if err := o.registry.SetPowerState(ctx, systemID, state); err != nil {
			o.logger.Warn("failed to record power state",
				zap.String("system_id", systemID),
				zap.String("power_state", string(state)),
				zap.Error(err))
			return
		}
		updated := m.Clone()
		updated.PowerState = state
		switch {
		case failure != "":
			o.emitFailure(updated, failure)
		case state != previous:
			o.emitter.Emit(ctx, events.ForMachine(events.MachinePowerChanged, updated))
		}
	}

	if o.queue == nil {
		task(context.Background())
		return
	}
	if err := o.queue.Submit(task); err != nil {
		o.logger.Warn("dropping power state update",
			zap.String("system_id", systemID),
			zap.String("power_state", string(state)),
			zap.Error(err))
	}
}

func (o *Orchestrator) emitFailure(m *models.Machine, message string) {
	e := events.ForMachine(events.MachinePowerFailed, m)
	e.Message = message
	o.emitter.Emit(context.Background(), e)
}

func outcomeLabel(err error) string {
	var (
		fail *rackrpc.PowerActionFail
		ni   *rackrpc.NotImplementedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &fail):
		return "power_action_fail"
	case errors.As(err, &ni):
		return "not_implemented"
	case errors.Is(err, rackrpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, rackrpc.ErrNoConnectionsAvailable):
		return "no_connection"
	}
	return "error"
}
