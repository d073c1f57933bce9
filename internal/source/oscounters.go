package source

import (
	"context"
	"sync"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const osCountersName = "os"

// hostStats is the slice of gopsutil used by OSCounters.
type hostStats struct {
	times  func(ctx context.Context, perCPU bool) ([]cpu.TimesStat, error)
	counts func(ctx context.Context, logical bool) (int, error)
	load   func(ctx context.Context) (*load.AvgStat, error)
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

var gopsutilStats = hostStats{
	times:  cpu.TimesWithContext,
	counts: cpu.CountsWithContext,
	load:   load.AvgWithContext,
	memory: mem.VirtualMemoryWithContext,
}

// OSCounters reads CPU utilisation, load averages and memory usage.
// Utilisation is computed from the delta between consecutive reads; the
// first read reports the average since boot.
type OSCounters struct {
	mu        sync.Mutex
	stats     hostStats
	prevTotal cpu.TimesStat
	prevCores []cpu.TimesStat
	log       logger.Logger
}

func NewOSCounters() *OSCounters {
	return &OSCounters{stats: gopsutilStats, log: logger.New("source." + osCountersName)}
}

func (*OSCounters) Name() string { return osCountersName }

func (o *OSCounters) Refresh(ctx context.Context, info *model.SystemInfo) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	errFactory := errors.New()

	total, err := o.stats.times(ctx, false)
	if err != nil || len(total) == 0 {
		return failed(osCountersName, errFactory.Wrap(ErrReadFailed, err))
	}
	cores, err := o.stats.times(ctx, true)
	if err != nil {
		return failed(osCountersName, errFactory.Wrap(ErrReadFailed, err))
	}
	count, err := o.stats.counts(ctx, true)
	if err != nil {
		return failed(osCountersName, errFactory.Wrap(ErrReadFailed, err))
	}
	avg, err := o.stats.load(ctx)
	if err != nil {
		return failed(osCountersName, errFactory.Wrap(ErrReadFailed, err))
	}
	vm, err := o.stats.memory(ctx)
	if err != nil {
		return failed(osCountersName, errFactory.Wrap(ErrReadFailed, err))
	}

	usage := breakdown(o.prevTotal, total[0])
	usage.Cores = make([]float64, len(cores))
	for i, c := range cores {
		var prev cpu.TimesStat
		if i < len(o.prevCores) {
			prev = o.prevCores[i]
		}
		usage.Cores[i] = busyPercent(prev, c)
	}
	o.prevTotal, o.prevCores = total[0], cores

	err = info.Update(func(s *model.SystemInfo) error {
		s.CPUUsage = usage
		s.Load = model.LoadAvg{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15, CPUCount: count}
		s.Memory = model.MemUsage{Total: vm.Total, Available: vm.Available, Percent: vm.UsedPercent}
		return nil
	})
	if err != nil {
		return failed(osCountersName, err)
	}

	return succeeded(osCountersName)
}

// ticks sums the jiffy counters once; on Linux guest time is already
// included in user time.
func ticks(t cpu.TimesStat) float64 {
	return t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func busyPercent(prev, cur cpu.TimesStat) float64 {
	dt := ticks(cur) - ticks(prev)
	if dt <= 0 {
		return 0
	}
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	return clampPercent(100 * (1 - idle/dt))
}

func breakdown(prev, cur cpu.TimesStat) model.CPUUsage {
	dt := ticks(cur) - ticks(prev)
	if dt <= 0 {
		return model.CPUUsage{}
	}
	pct := func(a, b float64) float64 { return clampPercent(100 * (a - b) / dt) }

	return model.CPUUsage{
		User:      pct(cur.User, prev.User),
		Nice:      pct(cur.Nice, prev.Nice),
		System:    pct(cur.System, prev.System),
		IOWait:    pct(cur.Iowait, prev.Iowait),
		IRQ:       pct(cur.Irq, prev.Irq),
		SoftIRQ:   pct(cur.Softirq, prev.Softirq),
		Steal:     pct(cur.Steal, prev.Steal),
		Guest:     pct(cur.Guest, prev.Guest),
		GuestNice: pct(cur.GuestNice, prev.GuestNice),
	}
}

func clampPercent(v float64) float64 {
	return max(0, min(100, v))
}
