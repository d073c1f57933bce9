package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSyntheticFile creates a file at the given path within root,
// creating parent directories as needed.
func writeSyntheticFile(t *testing.T, root, path, content string) {
	t.Helper()
	fullPath := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, []byte(content), 0o644))
}

const cpuinfoTwoCoresHT = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 158
model name	: Intel(R) Core(TM) i7-8700K CPU @ 3.70GHz
stepping	: 10
microcode	: 0xf4
cpu MHz		: 3700.000
physical id	: 0
siblings	: 4
core id		: 0
cpu cores	: 2
flags		: sse2 fpu vme
bugs		: spectre_v2 meltdown
bogomips	: 7399.70

processor	: 1
vendor_id	: GenuineIntel
cpu MHz		: 3650.000
physical id	: 0
core id		: 1

processor	: 2
vendor_id	: GenuineIntel
cpu MHz		: 1200.000
physical id	: 0
core id		: 0

processor	: 3
vendor_id	: GenuineIntel
cpu MHz		: 1300.000
physical id	: 0
core id		: 1
`

func TestCPUInfoRefresh(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "cpuinfo", cpuinfoTwoCoresHT)

	info := model.NewSystemInfo()
	res := NewCPUInfo(root).Refresh(context.Background(), info)
	require.True(t, res.OK(), "refresh failed: %v", res.Err)

	info.Read(func(s *model.SystemInfo) {
		assert.Equal(t, 4, s.Topology.Len())

		p0 := s.Topology.Lookup(0, 0)
		require.NotNil(t, p0)
		assert.Equal(t, "Intel Core i7-8700K", *p0.Name)
		assert.Equal(t, "Intel(R) Core(TM) i7-8700K CPU @ 3.70GHz", *p0.Specification)
		assert.Equal(t, 6, *p0.Family)
		assert.Equal(t, 158, *p0.Model)
		assert.Equal(t, 10, *p0.Stepping)
		assert.Equal(t, "0xf4", *p0.Microcode)
		assert.Equal(t, []string{"fpu", "sse2", "vme"}, p0.Flags)
		assert.Equal(t, []string{"meltdown", "spectre_v2"}, p0.Bugs)
		assert.InDelta(t, 7399.70, *p0.Bogomips, 1e-9)

		// One clock per physical core; the first thread seen wins
		cores := s.Clocks.Cores(0)
		require.Len(t, cores, 2)
		assert.Equal(t, "Core #0", cores[0].Name)
		assert.Equal(t, 3.7e9, *cores[0].Value)
		assert.Equal(t, 3.65e9, *cores[1].Value)
		assert.Equal(t, model.KindClock, cores[1].Kind)
	})
}

func TestCPUInfoOverlayKeepsKnownFields(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "cpuinfo", cpuinfoTwoCoresHT)

	info := model.NewSystemInfo()
	adapter := NewCPUInfo(root)
	require.True(t, adapter.Refresh(context.Background(), info).OK())

	writeSyntheticFile(t, root, "cpuinfo", "processor\t: 0\ncpu MHz\t\t: 4700.000\ncore id\t\t: 0\n")
	require.True(t, adapter.Refresh(context.Background(), info).OK())

	info.Read(func(s *model.SystemInfo) {
		p0 := s.Topology.Lookup(0, 0)
		require.NotNil(t, p0)
		assert.Equal(t, "0xf4", *p0.Microcode)
		assert.Equal(t, 4.7e9, *p0.CoreSpeed)

		clock := s.Clocks.Get(0, 0)
		require.NotNil(t, clock)
		assert.Equal(t, 3.7e9, *clock.Min)
		assert.Equal(t, 4.7e9, *clock.Max)
	})
}

func TestCPUInfoMissing(t *testing.T) {
	res := NewCPUInfo(t.TempDir()).Refresh(context.Background(), model.NewSystemInfo())
	assert.Equal(t, NotAvailable, res.Outcome)
	assert.True(t, errors.HasCode(res.Err, ErrUnavailable))
}

func TestCPUInfoMalformed(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "cpuinfo", "garbage without separators\n")

	res := NewCPUInfo(root).Refresh(context.Background(), model.NewSystemInfo())
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.HasCode(res.Err, ErrMalformed))
}

func TestCPUInfoClockConflictSurfaces(t *testing.T) {
	info := model.NewSystemInfo()
	require.NoError(t, info.Update(func(s *model.SystemInfo) error {
		return s.Clocks.Set(0, model.NewMonitoredItem("0", "Core #0", model.KindTemperature, model.Float(40)))
	}))

	root := t.TempDir()
	writeSyntheticFile(t, root, "cpuinfo", cpuinfoTwoCoresHT)

	res := NewCPUInfo(root).Refresh(context.Background(), info)
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, res.Conflict())
}

func TestCleanCPUString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Intel(R) Core(TM) i7-8700K CPU @ 3.70GHz", "Intel Core i7-8700K"},
		{"AMD Ryzen 7 5800X 8-Core Processor", "AMD Ryzen 7 5800X"},
		{"ARMv8 Processor rev 1 (v8l)", "ARMv8 rev 1 (v8l)"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanCPUString(tt.in))
		})
	}
}
