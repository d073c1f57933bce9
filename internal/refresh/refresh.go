// Package refresh schedules source refresh cycles and stress runs on a
// bounded worker pool and reports their outcomes on a single event
// channel.
package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/journal"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"codeberg.org/mutker/gst/internal/source"
	"codeberg.org/mutker/gst/internal/stress"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 64

// Cycle names a kind of refresh cycle.
type Cycle string

const (
	CycleInitial   Cycle = "initial"
	CyclePeriodic  Cycle = "periodic"
	CycleInventory Cycle = "inventory"
)

// EventKind discriminates events.
type EventKind int

const (
	// EventInitialized follows the initial cycle.
	EventInitialized EventKind = iota
	// EventRefreshed follows each periodic cycle.
	EventRefreshed
	// EventStatus reports a stage that did not succeed.
	EventStatus
	// EventInventory carries the outcome of an inventory cycle.
	EventInventory
	// EventStress carries a finished stress run, or the error that
	// prevented it from starting.
	EventStress
	// EventFault reports an identity conflict. Run stops after it.
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventInitialized:
		return "initialized"
	case EventRefreshed:
		return "refreshed"
	case EventStatus:
		return "status"
	case EventInventory:
		return "inventory"
	case EventStress:
		return "stress"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is delivered to the presentation consumer once the model
// fragment it describes has been applied.
type Event struct {
	Kind    EventKind
	Cycle   Cycle
	Result  source.Result
	Results []source.Result
	Stress  *model.StressResult
	Err     error
}

// StressRunner is the part of stress.Runner the orchestrator drives.
type StressRunner interface {
	Execute(ctx context.Context, req stress.Request) (*model.StressResult, error)
	Terminate() error
	IsRunning() bool
}

// Adapters are the sources of each cycle. Nil adapters are skipped.
type Adapters struct {
	CPUInfo   source.Adapter
	Cache     source.Adapter
	DMI       source.Adapter
	Sensors   source.Adapter
	NVIDIA    source.Adapter
	OS        source.Adapter
	Inventory source.Adapter
}

// initial reads topology before the cache tree, which is keyed by it.
func (a Adapters) initial() []source.Adapter {
	return []source.Adapter{a.CPUInfo, a.Cache, a.DMI, a.Sensors, a.NVIDIA, a.OS}
}

func (a Adapters) periodic() []source.Adapter {
	return []source.Adapter{a.OS, a.CPUInfo, a.Sensors, a.NVIDIA}
}

type Options struct {
	Interval time.Duration
	Workers  int
	Runner   StressRunner
	Journal  journal.Journal
}

// Orchestrator runs refresh cycles against one model.
type Orchestrator struct {
	info     *model.SystemInfo
	adapters Adapters
	interval time.Duration
	runner   StressRunner
	journal  journal.Journal

	group   errgroup.Group
	pending sync.WaitGroup
	mu      sync.Mutex
	closed  bool

	// busy is held by the initial cycle and then by each periodic cycle
	busy atomic.Bool
	// initialized is closed once the initial cycle has completed; the
	// inventory back-fill matches processors read by that cycle
	initialized chan struct{}

	events chan Event
	faults chan error
	stop   chan struct{}
	log    logger.Logger
}

func New(info *model.SystemInfo, adapters Adapters, opts Options) *Orchestrator {
	o := &Orchestrator{
		info:     info,
		adapters: adapters,
		interval: opts.Interval,
		runner:   opts.Runner,
		journal:  opts.Journal,
		events:   make(chan Event, eventBuffer),
		faults:   make(chan error, 1),
		stop:     make(chan struct{}),
		log:      logger.New("refresh"),

		initialized: make(chan struct{}),
	}
	o.group.SetLimit(max(1, opts.Workers))
	return o
}

// Info returns the model the orchestrator refreshes.
func (o *Orchestrator) Info() *model.SystemInfo { return o.info }

// Events returns the event channel. It is closed when Run returns.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Run performs the initial cycle and then a periodic cycle every
// interval until ctx is done or a fault occurs. A periodic tick is
// skipped while the previous cycle is still running. Run returns nil
// on cancellation and the fault otherwise; in both cases it waits for
// in-flight jobs and closes the event channel.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer o.shutdown()
	defer cancel()

	o.busy.Store(true)
	o.submit(func() {
		defer o.busy.Store(false)
		if o.cycle(ctx, CycleInitial, EventInitialized, o.adapters.initial()) {
			close(o.initialized)
		}
	})

	interval := o.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-o.faults:
			o.log.Error().Err(err).Msg("refresh stopped by fault")
			return err
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if !o.busy.CompareAndSwap(false, true) {
		o.log.Debug().Msg("previous cycle still running, skipping tick")
		return
	}

	ok := o.submit(func() {
		defer o.busy.Store(false)
		o.cycle(ctx, CyclePeriodic, EventRefreshed, o.adapters.periodic())
	})
	if !ok {
		o.busy.Store(false)
	}
}

// SubmitInventory schedules an inventory cycle. The cycle starts only
// after the initial cycle has read the topology, and may then overlap
// periodic cycles.
func (o *Orchestrator) SubmitInventory(ctx context.Context) error {
	if o.adapters.Inventory == nil {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "no inventory adapter")
	}

	if !o.submitAfter(o.initialized, func() {
		res := o.adapters.Inventory.Refresh(ctx, o.info)
		if res.Conflict() {
			o.fault(CycleInventory, res)
			return
		}
		o.logResult(CycleInventory, res)
		o.emit(Event{Kind: EventInventory, Cycle: CycleInventory, Result: res, Err: res.Err})
	}) {
		return errors.New().New(ErrClosed)
	}
	return nil
}

// SubmitStress schedules a stress run. A run already in progress is
// terminated by the runner before the new one starts.
func (o *Orchestrator) SubmitStress(ctx context.Context, req stress.Request) error {
	if o.runner == nil {
		return errors.New().New(ErrNoRunner)
	}

	if !o.submit(func() {
		res, err := o.runner.Execute(ctx, req)
		if err != nil {
			o.log.Error().Err(err).Str("profile", req.Profile).Msg("stress run failed to start")
			o.emit(Event{Kind: EventStress, Err: err})
			return
		}

		o.info.SetStressResult(res)
		if o.journal != nil {
			if err := o.journal.Record(context.WithoutCancel(ctx), res); err != nil {
				o.log.Warn().Err(err).Str("run_id", res.ID).Msg("failed to journal stress run")
			}
		}
		o.emit(Event{Kind: EventStress, Stress: res})
	}) {
		return errors.New().New(ErrClosed)
	}
	return nil
}

// TerminateStress stops the running stress run, if any.
func (o *Orchestrator) TerminateStress() error {
	if o.runner == nil {
		return nil
	}
	return o.runner.Terminate()
}

// StressRunning reports whether a stress run is in progress.
func (o *Orchestrator) StressRunning() bool {
	return o.runner != nil && o.runner.IsRunning()
}

// cycle refreshes adapters in order. Cancellation is honoured between
// stages only; a failed stage is reported and the next stage runs
// against the last known good model. It reports whether every stage ran.
func (o *Orchestrator) cycle(ctx context.Context, cycle Cycle, done EventKind, adapters []source.Adapter) bool {
	start := time.Now()
	results := make([]source.Result, 0, len(adapters))

	for _, a := range adapters {
		if a == nil {
			continue
		}
		if ctx.Err() != nil {
			o.log.Debug().Str("cycle", string(cycle)).Msg("cycle cancelled")
			return false
		}

		res := a.Refresh(ctx, o.info)
		results = append(results, res)

		switch {
		case res.Conflict():
			o.fault(cycle, res)
			return false
		case !res.OK() && errors.Is(res.Err, context.Canceled):
			return false
		case !res.OK():
			o.logResult(cycle, res)
			o.emit(Event{Kind: EventStatus, Cycle: cycle, Result: res, Err: res.Err})
		}
	}

	o.log.Debug().
		Str("cycle", string(cycle)).
		Dur("elapsed", time.Since(start)).
		Msg("cycle complete")
	o.emit(Event{Kind: done, Cycle: cycle, Results: results})
	return true
}

func (o *Orchestrator) logResult(cycle Cycle, res source.Result) {
	if res.OK() {
		return
	}
	event := o.log.Warn()
	if res.Outcome == source.Failed {
		event = o.log.Error()
	}
	event.
		Str("cycle", string(cycle)).
		Str("source", res.Source).
		Str("outcome", res.Outcome.String()).
		Str("error_code", string(errors.CodeOf(res.Err))).
		Err(res.Err).
		Msg("stage did not succeed")
}

func (o *Orchestrator) fault(cycle Cycle, res source.Result) {
	o.log.Error().
		Str("cycle", string(cycle)).
		Str("source", res.Source).
		Err(res.Err).
		Msg("identity conflict")
	o.emit(Event{Kind: EventFault, Cycle: cycle, Result: res, Err: res.Err})

	select {
	case o.faults <- res.Err:
	default:
	}
}

// emit delivers ev, dropping it only when the buffer is full after
// shutdown began.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
		return
	default:
	}

	select {
	case o.events <- ev:
	case <-o.stop:
	}
}

// submit hands fn to the pool without blocking the caller. It reports
// false once the orchestrator has shut down.
func (o *Orchestrator) submit(fn func()) bool {
	return o.submitAfter(nil, fn)
}

// submitAfter is submit with fn held back until gate is closed. A job
// still waiting when shutdown begins is dropped. It waits outside the
// pool so it never holds a worker slot the gating job needs.
func (o *Orchestrator) submitAfter(gate <-chan struct{}, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if gate != nil {
			select {
			case <-gate:
			case <-o.stop:
				return
			}
		}
		o.group.Go(func() error {
			fn()
			return nil
		})
	}()
	return true
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	close(o.stop)

	if o.StressRunning() {
		if err := o.runner.Terminate(); err != nil {
			o.log.Warn().Err(err).Msg("failed to terminate stress run")
		}
	}

	o.pending.Wait()
	_ = o.group.Wait()
	close(o.events)
}
