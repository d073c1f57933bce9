package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/model"
	"codeberg.org/mutker/gst/internal/source"
	"codeberg.org/mutker/gst/internal/stress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog records adapter invocations across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

type fakeAdapter struct {
	name   string
	log    *callLog
	result func(call int) source.Result
	apply  func(*model.SystemInfo) error
	calls  int
	mu     sync.Mutex
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Refresh(_ context.Context, info *model.SystemInfo) source.Result {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	f.log.add(f.name)
	if f.apply != nil {
		if err := info.Update(f.apply); err != nil {
			return source.Result{Source: f.name, Outcome: source.Failed, Err: err}
		}
	}
	if f.result != nil {
		return f.result(call)
	}
	return source.Result{Source: f.name, Outcome: source.Success}
}

func newFakes(log *callLog) Adapters {
	mk := func(name string) *fakeAdapter { return &fakeAdapter{name: name, log: log} }
	return Adapters{
		CPUInfo:   mk("cpuinfo"),
		Cache:     mk("cache"),
		DMI:       mk("dmi"),
		Sensors:   mk("sensors"),
		OS:        mk("os"),
		Inventory: mk("inventory"),
	}
}

// waitFor reads events until one of the given kind arrives.
func waitFor(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed before %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func drain(events <-chan Event) {
	for range events {
	}
}

func start(t *testing.T, o *Orchestrator) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, done
}

func TestCycleOrder(t *testing.T) {
	log := &callLog{}
	o := New(model.NewSystemInfo(), newFakes(log), Options{Interval: 20 * time.Millisecond, Workers: 2})
	cancel, done := start(t, o)

	ev := waitFor(t, o.Events(), EventInitialized)
	assert.Equal(t, CycleInitial, ev.Cycle)
	require.Len(t, ev.Results, 5)
	assert.Equal(t, []string{"cpuinfo", "cache", "dmi", "sensors", "os"}, log.snapshot()[:5])

	ev = waitFor(t, o.Events(), EventRefreshed)
	assert.Equal(t, CyclePeriodic, ev.Cycle)
	assert.Equal(t, []string{"os", "cpuinfo", "sensors"}, log.snapshot()[5:8])

	cancel()
	drain(o.Events())
	assert.NoError(t, <-done)
}

func TestStageFailureIsIsolated(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)
	adapters.Sensors.(*fakeAdapter).result = func(int) source.Result {
		return source.Result{Source: "sensors", Outcome: source.NotAvailable, Err: errors.New().New(errors.ErrSourceUnavailable)}
	}
	adapters.DMI.(*fakeAdapter).apply = func(s *model.SystemInfo) error {
		model.MoboFields[0].Set(&s.Mobo, "ACME")
		return nil
	}

	info := model.NewSystemInfo()
	o := New(info, adapters, Options{Interval: time.Hour, Workers: 2})
	cancel, done := start(t, o)

	status := waitFor(t, o.Events(), EventStatus)
	assert.Equal(t, "sensors", status.Result.Source)
	assert.Equal(t, source.NotAvailable, status.Result.Outcome)

	ev := waitFor(t, o.Events(), EventInitialized)
	assert.Len(t, ev.Results, 5)
	assert.Contains(t, log.snapshot(), "os")

	info.Read(func(s *model.SystemInfo) {
		require.NotNil(t, s.Mobo.SysVendor)
		assert.Equal(t, "ACME", *s.Mobo.SysVendor)
	})

	cancel()
	drain(o.Events())
	assert.NoError(t, <-done)
}

func TestIdentityConflictStopsRun(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)

	// Sensors succeeds once, then reports a conflicting identity
	adapters.Sensors.(*fakeAdapter).result = func(call int) source.Result {
		if call == 0 {
			return source.Result{Source: "sensors", Outcome: source.Success}
		}
		conflict := errors.New().New(errors.ErrIdentityConflict)
		return source.Result{Source: "sensors", Outcome: source.Failed, Err: conflict}
	}

	o := New(model.NewSystemInfo(), adapters, Options{Interval: 10 * time.Millisecond, Workers: 2})
	_, done := start(t, o)

	fault := waitFor(t, o.Events(), EventFault)
	assert.Equal(t, "sensors", fault.Result.Source)
	assert.Equal(t, CyclePeriodic, fault.Cycle)

	drain(o.Events())
	err := <-done
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrIdentityConflict))
}

// blockingAdapter holds every periodic call until released.
type blockingAdapter struct {
	fakeAdapter
	release chan struct{}
}

func (b *blockingAdapter) Refresh(ctx context.Context, info *model.SystemInfo) source.Result {
	res := b.fakeAdapter.Refresh(ctx, info)
	b.mu.Lock()
	periodic := b.calls > 1
	b.mu.Unlock()
	if periodic {
		<-b.release
	}
	return res
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)
	blocking := &blockingAdapter{fakeAdapter: fakeAdapter{name: "os", log: log}, release: make(chan struct{})}
	adapters.OS = blocking

	o := New(model.NewSystemInfo(), adapters, Options{Interval: 5 * time.Millisecond, Workers: 4})
	cancel, done := start(t, o)

	waitFor(t, o.Events(), EventInitialized)
	require.Eventually(t, func() bool { return log.count("os") == 2 }, 5*time.Second, time.Millisecond)

	// Many intervals pass while the periodic cycle is stuck
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, log.count("os"))

	close(blocking.release)
	waitFor(t, o.Events(), EventRefreshed)

	cancel()
	drain(o.Events())
	assert.NoError(t, <-done)
}

// cancellingAdapter cancels the run while its stage executes.
type cancellingAdapter struct {
	fakeAdapter
	cancel context.CancelFunc
}

func (c *cancellingAdapter) Refresh(ctx context.Context, info *model.SystemInfo) source.Result {
	c.cancel()
	return c.fakeAdapter.Refresh(ctx, info)
}

func TestCancellationBetweenStages(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)

	ctx, cancel := context.WithCancel(context.Background())
	adapters.Cache = &cancellingAdapter{fakeAdapter: fakeAdapter{name: "cache", log: log}, cancel: cancel}

	o := New(model.NewSystemInfo(), adapters, Options{Interval: time.Hour, Workers: 1})
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	var kinds []EventKind
	for ev := range o.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.NoError(t, <-done)

	// The cache stage finishes; nothing after it starts
	assert.Equal(t, []string{"cpuinfo", "cache"}, log.snapshot())
	assert.NotContains(t, kinds, EventInitialized)
}

func TestInventoryOutcome(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)
	adapters.Inventory.(*fakeAdapter).result = func(int) source.Result {
		return source.Result{
			Source:  "inventory",
			Outcome: source.NotAvailable,
			Err:     errors.New().New(errors.ErrToolNotAvailable),
		}
	}

	o := New(model.NewSystemInfo(), adapters, Options{Interval: time.Hour, Workers: 2})
	cancel, done := start(t, o)

	waitFor(t, o.Events(), EventInitialized)
	require.NoError(t, o.SubmitInventory(context.Background()))

	ev := waitFor(t, o.Events(), EventInventory)
	assert.Equal(t, source.NotAvailable, ev.Result.Outcome)
	assert.True(t, errors.HasCode(ev.Err, errors.ErrToolNotAvailable))

	cancel()
	drain(o.Events())
	assert.NoError(t, <-done)

	assert.True(t, errors.HasCode(o.SubmitInventory(context.Background()), ErrClosed))
}

// gatedAdapter holds its first call until released.
type gatedAdapter struct {
	fakeAdapter
	release chan struct{}
}

func (g *gatedAdapter) Refresh(ctx context.Context, info *model.SystemInfo) source.Result {
	<-g.release
	return g.fakeAdapter.Refresh(ctx, info)
}

func TestInventoryWaitsForInitialCycle(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)
	gated := &gatedAdapter{fakeAdapter: fakeAdapter{name: "cpuinfo", log: log}, release: make(chan struct{})}
	adapters.CPUInfo = gated

	o := New(model.NewSystemInfo(), adapters, Options{Interval: time.Hour, Workers: 4})
	cancel, done := start(t, o)

	require.NoError(t, o.SubmitInventory(context.Background()))

	// Free workers stay idle while topology is unread
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, log.count("inventory"))

	close(gated.release)
	waitFor(t, o.Events(), EventInventory)

	calls := log.snapshot()
	require.Len(t, calls, 6)
	assert.Equal(t, []string{"cpuinfo", "cache", "dmi", "sensors", "os"}, calls[:5])
	assert.Equal(t, "inventory", calls[5])

	cancel()
	drain(o.Events())
	assert.NoError(t, <-done)
}

// dmidecodeOutput runs no command and returns a fixed processor table.
type dmidecodeOutput struct{}

func (dmidecodeOutput) Run(string, ...string) ([]byte, []byte, int, error) {
	out := "Handle 0x0041, DMI type 4, 48 bytes\n" +
		"Processor Information\n" +
		"\tSocket Designation: LGA1151\n" +
		"\tSignature: Type 0, Family 6, Model 158, Stepping 10\n" +
		"\tUpgrade: Socket LGA1151\n"
	return []byte(out), nil, 0, nil
}

func TestInventoryBackfillsPackageSubmittedAtStartup(t *testing.T) {
	for i := 0; i < 10; i++ {
		log := &callLog{}
		adapters := newFakes(log)
		adapters.CPUInfo.(*fakeAdapter).apply = func(s *model.SystemInfo) error {
			p := s.Topology.Processor(0, 0)
			family, mdl, stepping := 6, 158, 10
			p.Family, p.Model, p.Stepping = &family, &mdl, &stepping
			return nil
		}
		adapters.Inventory = source.NewInventory("dmidecode", "pkexec",
			source.WithCommandRunner(dmidecodeOutput{}),
			source.WithLookPath(func(name string) (string, error) { return "/usr/sbin/" + name, nil }),
			source.WithEUID(func() int { return 0 }),
		)

		info := model.NewSystemInfo()
		o := New(info, adapters, Options{Interval: time.Hour, Workers: 4})
		cancel, done := start(t, o)

		require.NoError(t, o.SubmitInventory(context.Background()))
		ev := waitFor(t, o.Events(), EventInventory)
		require.True(t, ev.Result.OK(), "inventory failed: %v", ev.Err)

		info.Read(func(s *model.SystemInfo) {
			p := s.Topology.Lookup(0, 0)
			require.NotNil(t, p)
			require.NotNil(t, p.Package)
			assert.Equal(t, "Socket LGA1151", *p.Package)
		})

		cancel()
		drain(o.Events())
		assert.NoError(t, <-done)
	}
}

func TestPendingInventoryDroppedOnShutdown(t *testing.T) {
	log := &callLog{}
	adapters := newFakes(log)
	gated := &gatedAdapter{fakeAdapter: fakeAdapter{name: "cpuinfo", log: log}, release: make(chan struct{})}
	adapters.CPUInfo = gated

	ctx, cancelRun := context.WithCancel(context.Background())
	o := New(model.NewSystemInfo(), adapters, Options{Interval: time.Hour, Workers: 4})
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.NoError(t, o.SubmitInventory(context.Background()))
	cancelRun()
	close(gated.release)

	drain(o.Events())
	assert.NoError(t, <-done)
	assert.Zero(t, log.count("inventory"))
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []stress.Request
	err      error
}

func (f *fakeRunner) Execute(_ context.Context, req stress.Request) (*model.StressResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &model.StressResult{ID: "run-1", Profile: req.Profile, Successful: true}, nil
}

func (*fakeRunner) Terminate() error { return nil }
func (*fakeRunner) IsRunning() bool  { return false }

type fakeJournal struct {
	mu      sync.Mutex
	records []*model.StressResult
}

func (j *fakeJournal) Record(_ context.Context, r *model.StressResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func (*fakeJournal) Recent(context.Context, int) ([]*model.StressResult, error) { return nil, nil }
func (*fakeJournal) Close() error                                                { return nil }
func (*fakeJournal) Enabled() bool                                               { return true }

func TestSubmitStress(t *testing.T) {
	runner := &fakeRunner{}
	j := &fakeJournal{}
	info := model.NewSystemInfo()
	o := New(info, newFakes(&callLog{}), Options{Interval: time.Hour, Workers: 2, Runner: runner, Journal: j})
	cancel, done := start(t, o)

	req, err := stress.Resolve("benchmark", 8, time.Minute, true)
	require.NoError(t, err)
	require.NoError(t, o.SubmitStress(context.Background(), req))

	ev := waitFor(t, o.Events(), EventStress)
	require.NoError(t, ev.Err)
	require.NotNil(t, ev.Stress)
	assert.Equal(t, "benchmark", ev.Stress.Profile)
	assert.Same(t, ev.Stress, info.StressResult())
	published := ev.Stress

	j.mu.Lock()
	assert.Len(t, j.records, 1)
	j.mu.Unlock()

	runner.err = errors.New().New(stress.ErrToolNotFound)
	require.NoError(t, o.SubmitStress(context.Background(), req))
	ev = waitFor(t, o.Events(), EventStress)
	assert.True(t, errors.HasCode(ev.Err, stress.ErrToolNotFound))
	assert.Same(t, published, info.StressResult())

	cancel()
	drain(o.Events())
	assert.NoError(t, <-done)
}

func TestSubmitStressWithoutRunner(t *testing.T) {
	o := New(model.NewSystemInfo(), Adapters{}, Options{})
	assert.True(t, errors.HasCode(o.SubmitStress(context.Background(), stress.Request{}), ErrNoRunner))
	assert.False(t, o.StressRunning())
	assert.NoError(t, o.TerminateStress())
}
