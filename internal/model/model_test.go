package model_test

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateValueTracksExtrema(t *testing.T) {
	values := []float64{42, -3.5, 17, 99.25, 0, 12}
	wantMin, wantMax := -3.5, 99.25

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		order := append([]float64(nil), values...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		item := model.NewMonitoredItem("temp1", "CPU", model.KindTemperature, nil)
		for _, v := range order {
			item.UpdateValue(model.Float(v))
			require.NotNil(t, item.Value)
			assert.LessOrEqual(t, *item.Min, *item.Value)
			assert.GreaterOrEqual(t, *item.Max, *item.Value)
		}

		assert.Equal(t, wantMin, *item.Min)
		assert.Equal(t, wantMax, *item.Max)
		assert.Equal(t, order[len(order)-1], *item.Value)
	}
}

func TestUpdateValueAbsentKeepsExtrema(t *testing.T) {
	item := model.NewMonitoredItem("fan1", "Fan", model.KindFan, model.Float(1200))
	item.UpdateValue(model.Float(900))
	item.UpdateValue(nil)

	assert.Nil(t, item.Value)
	assert.Equal(t, 900.0, *item.Min)
	assert.Equal(t, 1200.0, *item.Max)

	item.UpdateValue(model.Float(1000))
	assert.Equal(t, 900.0, *item.Min)
	assert.Equal(t, 1200.0, *item.Max)
}

func TestNewMonitoredItemWithoutValue(t *testing.T) {
	item := model.NewMonitoredItem("in0", "Vcore", model.KindVoltage, nil)
	assert.Nil(t, item.Value)
	assert.Nil(t, item.Min)
	assert.Nil(t, item.Max)
}

func TestHardwareMonitorUpsert(t *testing.T) {
	hw := model.NewHardwareMonitor()

	require.NoError(t, hw.Set("coretemp-isa-0000", model.NewMonitoredItem("temp1", "Package", model.KindTemperature, model.Float(40))))
	require.NoError(t, hw.Set("coretemp-isa-0000", model.NewMonitoredItem("temp1", "Package", model.KindTemperature, model.Float(55))))
	require.NoError(t, hw.Set("coretemp-isa-0000", model.NewMonitoredItem("temp1", "Package", model.KindTemperature, model.Float(47))))

	item := hw.Get("coretemp-isa-0000", model.KindTemperature, "temp1")
	require.NotNil(t, item)
	assert.Equal(t, 47.0, *item.Value)
	assert.Equal(t, 40.0, *item.Min)
	assert.Equal(t, 55.0, *item.Max)
	assert.Equal(t, 1, hw.Len())

	// Same id under a different kind is a different slot
	require.NoError(t, hw.Set("coretemp-isa-0000", model.NewMonitoredItem("temp1", "Odd", model.KindFan, model.Float(1))))
	assert.Equal(t, 2, hw.Len())
	assert.Equal(t, []model.Kind{model.KindFan, model.KindTemperature}, hw.Kinds("coretemp-isa-0000"))
}

func TestClockRegistryIdentityConflict(t *testing.T) {
	clocks := model.NewClockRegistry()

	require.NoError(t, clocks.Set(0, model.NewMonitoredItem("1", "Core #1", model.KindClock, model.Float(3.2e9))))

	err := clocks.Set(0, model.NewMonitoredItem("01", "Core #01", model.KindClock, model.Float(3.4e9)))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, model.ErrIdentityConflict))

	// The existing entry is untouched
	item := clocks.Get(0, 1)
	require.NotNil(t, item)
	assert.Equal(t, "1", item.ID)
	assert.Equal(t, 3.2e9, *item.Max)

	err = clocks.Set(0, model.NewMonitoredItem("1", "Core #1", model.KindTemperature, model.Float(50)))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, model.ErrIdentityConflict))

	err = clocks.Set(0, model.NewMonitoredItem("core", "Core", model.KindClock, nil))
	assert.True(t, errors.HasCode(err, model.ErrInvalidCoreID))
}

func TestClockRegistryOrdering(t *testing.T) {
	clocks := model.NewClockRegistry()
	for _, id := range []string{"3", "0", "2", "1"} {
		require.NoError(t, clocks.Set(1, model.NewMonitoredItem(id, "Core #"+id, model.KindClock, model.Float(1))))
	}
	require.NoError(t, clocks.Set(0, model.NewMonitoredItem("0", "Core #0", model.KindClock, model.Float(1))))

	assert.Equal(t, []int{0, 1}, clocks.Packages())
	var ids []string
	for _, item := range clocks.Cores(1) {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"0", "1", "2", "3"}, ids)
}

func TestProcessorOverlayNeverClears(t *testing.T) {
	topo := model.NewTopology()
	p := topo.Processor(0, 3)

	vendor := "GenuineIntel"
	family := 6
	p.Overlay(&model.Processor{VendorID: &vendor, Family: &family, Flags: []string{"fpu", "sse"}})

	speed := 3.6e9
	p.Overlay(&model.Processor{CoreSpeed: &speed})

	require.NotNil(t, p.VendorID)
	assert.Equal(t, "GenuineIntel", *p.VendorID)
	assert.Equal(t, 6, *p.Family)
	assert.Equal(t, 3.6e9, *p.CoreSpeed)
	assert.Equal(t, []string{"fpu", "sse"}, p.Flags)
	assert.Equal(t, 3, *p.ProcessorID)
	assert.Equal(t, 0, *p.PhysicalPackageID)

	// The overlay copies values, not pointers
	vendor = "AuthenticAMD"
	assert.Equal(t, "GenuineIntel", *p.VendorID)
}

func TestCacheSetCollapsesIdenticalShapes(t *testing.T) {
	set := model.NewCacheSet()
	l1d := model.Cache{Level: 1, Type: model.CacheData, Ways: 8, Sets: 64, Size: 32768}

	// Four cores, two threads each: every L1d instance is seen twice
	for core := 0; core < 4; core++ {
		assert.True(t, set.Observe(model.CacheInstance{ID: core, Cache: l1d}))
		assert.False(t, set.Observe(model.CacheInstance{ID: core, Cache: l1d}))
	}

	entries := set.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].Count)
}

// Descriptors that differ only by cache id are distinct physical caches of
// one shape: they share a single entry whose Count grows. Sibling threads
// reporting the same id are not counted twice.
func TestCacheSetIDResolution(t *testing.T) {
	set := model.NewCacheSet()
	l2 := model.Cache{Level: 2, Type: model.CacheUnified, Ways: 16, Sets: 1024, Size: 1 << 20}

	set.Observe(model.CacheInstance{ID: 0, Cache: l2})
	set.Observe(model.CacheInstance{ID: 1, Cache: l2})
	set.Observe(model.CacheInstance{ID: 1, Cache: l2})

	entries := set.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Count)
}

func TestCacheSetSummary(t *testing.T) {
	set := model.NewCacheSet()
	set.Observe(model.CacheInstance{ID: 0, Cache: model.Cache{Level: 1, Type: model.CacheData, Size: 48 << 10}})
	set.Observe(model.CacheInstance{ID: 0, Cache: model.Cache{Level: 1, Type: model.CacheInstruction, Size: 32 << 10}})
	set.Observe(model.CacheInstance{ID: 0, Cache: model.Cache{Level: 3, Type: model.CacheUnified, Size: 16 << 20}})
	// A differently shaped L2 on a hybrid part stays a separate entry
	set.Observe(model.CacheInstance{ID: 0, Cache: model.Cache{Level: 2, Type: model.CacheUnified, Size: 1 << 20}})
	set.Observe(model.CacheInstance{ID: 1, Cache: model.Cache{Level: 2, Type: model.CacheUnified, Size: 2 << 20}})

	l1d, l1i, l2, l3 := set.Summary()
	require.NotNil(t, l1d)
	require.NotNil(t, l1i)
	require.NotNil(t, l2)
	require.NotNil(t, l3)
	assert.Equal(t, uint64(48<<10), l1d.Size)
	assert.Equal(t, uint64(32<<10), l1i.Size)
	assert.Equal(t, uint64(1<<20), l2.Size)
	assert.Equal(t, 1, l3.Count)
	assert.Len(t, set.Entries(), 5)
}

func TestMoboFields(t *testing.T) {
	var mobo model.MoboInfo
	for _, f := range model.MoboFields {
		if f.File == "board_name" {
			f.Set(&mobo, "X570 AORUS")
		}
		if f.File == "bios_date" {
			f.Set(&mobo, "")
		}
	}

	require.NotNil(t, mobo.BoardName)
	assert.Equal(t, "X570 AORUS", *mobo.BoardName)
	assert.Nil(t, mobo.BIOSDate)
}

func TestLoadAvgPercent(t *testing.T) {
	load := model.LoadAvg{Load1: 2, CPUCount: 8}
	assert.InDelta(t, 25.0, load.Percent(load.Load1), 1e-9)
}

func TestStressResultPublication(t *testing.T) {
	info := model.NewSystemInfo()
	assert.Nil(t, info.StressResult())

	first := &model.StressResult{ID: "a", Successful: true}
	info.SetStressResult(first)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := info.StressResult()
			assert.True(t, r.ID == "a" || r.ID == "b")
		}()
	}
	info.SetStressResult(&model.StressResult{ID: "b"})
	wg.Wait()

	assert.Equal(t, "b", info.StressResult().ID)
	assert.True(t, first.Successful, "earlier records are never mutated")
}

func TestSystemInfoUpdatePropagatesError(t *testing.T) {
	info := model.NewSystemInfo()
	err := info.Update(func(s *model.SystemInfo) error {
		return s.Clocks.Set(0, model.NewMonitoredItem("x", "bad", model.KindClock, nil))
	})
	assert.True(t, errors.HasCode(err, model.ErrInvalidCoreID))
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "temperature", model.KindTemperature.String())
	assert.Equal(t, "°C", model.KindTemperature.Unit())
	assert.Equal(t, "unknown", model.Kind(42).String())
	assert.Empty(t, model.KindBeep.Unit())
}

func TestUpsertSeedsExtremaOnInsert(t *testing.T) {
	hw := model.NewHardwareMonitor()
	require.NoError(t, hw.Set("coretemp-isa-0000", &model.MonitoredItem{
		ID: "temp1", Name: "Package id 0", Kind: model.KindTemperature, Value: model.Float(80),
	}))

	item := hw.Get("coretemp-isa-0000", model.KindTemperature, "temp1")
	require.NotNil(t, item.Min)
	require.NotNil(t, item.Max)
	assert.Equal(t, 80.0, *item.Min)
	assert.Equal(t, 80.0, *item.Max)

	require.NoError(t, hw.Set("coretemp-isa-0000",
		model.NewMonitoredItem("temp1", "Package id 0", model.KindTemperature, model.Float(40))))
	assert.Equal(t, 40.0, *item.Value)
	assert.Equal(t, 40.0, *item.Min)
	assert.Equal(t, 80.0, *item.Max)
}

func TestUpsertDoesNotRetainCallerItem(t *testing.T) {
	clocks := model.NewClockRegistry()
	in := &model.MonitoredItem{ID: "0", Name: "Core #0", Kind: model.KindClock, Value: model.Float(3.6e9)}
	require.NoError(t, clocks.Set(0, in))

	*in.Value = 1
	stored := clocks.Get(0, 0)
	assert.Equal(t, 3.6e9, *stored.Value)
	assert.Equal(t, 3.6e9, *stored.Max)
}

func TestUpdateValueIgnoresNonFinite(t *testing.T) {
	item := model.NewMonitoredItem("temp1", "CPU", model.KindTemperature, model.Float(math.NaN()))
	assert.Nil(t, item.Value)
	assert.Nil(t, item.Min)

	item.UpdateValue(model.Float(40))
	item.UpdateValue(model.Float(math.Inf(1)))
	item.UpdateValue(model.Float(60))

	assert.Equal(t, 60.0, *item.Value)
	assert.Equal(t, 40.0, *item.Min)
	assert.Equal(t, 60.0, *item.Max)
}
