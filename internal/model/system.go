package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// MoboInfo holds the DMI id strings of the board. Nil fields are unknown
// or unreadable.
type MoboInfo struct {
	SysVendor      *string
	ProductName    *string
	ProductVersion *string
	BoardVendor    *string
	BoardName      *string
	BoardVersion   *string
	BIOSVendor     *string
	BIOSVersion    *string
	BIOSDate       *string
	ChassisVendor  *string
	ChassisType    *string
	ChassisVersion *string
}

// MoboField binds one DMI id file to its MoboInfo field.
type MoboField struct {
	File  string
	Label string
	field func(*MoboInfo) **string
}

// Get returns the field value of m, or nil.
func (f MoboField) Get(m *MoboInfo) *string { return *f.field(m) }

// Set stores value into m; an empty value marks the field unknown.
func (f MoboField) Set(m *MoboInfo, value string) {
	if value == "" {
		*f.field(m) = nil
		return
	}
	*f.field(m) = &value
}

// MoboFields lists the DMI id files read into MoboInfo, in display order.
var MoboFields = []MoboField{
	{"sys_vendor", "System vendor", func(m *MoboInfo) **string { return &m.SysVendor }},
	{"product_name", "Product", func(m *MoboInfo) **string { return &m.ProductName }},
	{"product_version", "Product version", func(m *MoboInfo) **string { return &m.ProductVersion }},
	{"board_vendor", "Board vendor", func(m *MoboInfo) **string { return &m.BoardVendor }},
	{"board_name", "Board", func(m *MoboInfo) **string { return &m.BoardName }},
	{"board_version", "Board version", func(m *MoboInfo) **string { return &m.BoardVersion }},
	{"bios_vendor", "BIOS vendor", func(m *MoboInfo) **string { return &m.BIOSVendor }},
	{"bios_version", "BIOS version", func(m *MoboInfo) **string { return &m.BIOSVersion }},
	{"bios_date", "BIOS date", func(m *MoboInfo) **string { return &m.BIOSDate }},
	{"chassis_vendor", "Chassis vendor", func(m *MoboInfo) **string { return &m.ChassisVendor }},
	{"chassis_type", "Chassis type", func(m *MoboInfo) **string { return &m.ChassisType }},
	{"chassis_version", "Chassis version", func(m *MoboInfo) **string { return &m.ChassisVersion }},
}

// MemoryBank describes one memory device. Empty strings are unknown.
type MemoryBank struct {
	Locator      string
	BankLocator  string
	Type         string
	TypeDetail   string
	Size         string
	Speed        string
	Rank         string
	Manufacturer string
	PartNumber   string
}

// CPUUsage holds utilisation percentages from the last OS counters read.
type CPUUsage struct {
	Cores     []float64
	User      float64
	Nice      float64
	System    float64
	IOWait    float64
	IRQ       float64
	SoftIRQ   float64
	Steal     float64
	Guest     float64
	GuestNice float64
}

// LoadAvg holds the 1, 5 and 15 minute load averages.
type LoadAvg struct {
	Load1    float64
	Load5    float64
	Load15   float64
	CPUCount int
}

// Percent expresses a load average relative to the logical CPU count.
func (l LoadAvg) Percent(load float64) float64 {
	if l.CPUCount <= 0 {
		return load * 100
	}
	return load / float64(l.CPUCount) * 100
}

// MemUsage holds virtual memory totals in bytes.
type MemUsage struct {
	Total     uint64
	Available uint64
	Percent   float64
}

// StressResult is the immutable outcome of one stress run. HasMetrics is
// false when the metrics file was absent or unreadable, in which case the
// aggregate figures are zero.
type StressResult struct {
	ID               string
	Profile          string
	StartedAt        time.Time
	FinishedAt       time.Time
	Successful       bool
	Terminated       bool
	ExitCode         int
	Stderr           string
	HasMetrics       bool
	Elapsed          time.Duration
	BogoOps          uint64
	BogoOpsPerSecond float64
}

// Duration is the supervisor-measured wall time of the run.
func (r *StressResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SystemInfo is the merged telemetry model. Writers apply a fragment
// inside Update; readers observe only whole fragments through Read.
type SystemInfo struct {
	mu sync.RWMutex

	Topology    *Topology
	Clocks      *ClockRegistry
	HWMon       *HardwareMonitor
	Mobo        MoboInfo
	MemoryBanks []MemoryBank
	CPUUsage    CPUUsage
	Load        LoadAvg
	Memory      MemUsage

	stress atomic.Pointer[StressResult]
}

func NewSystemInfo() *SystemInfo {
	return &SystemInfo{
		Topology: NewTopology(),
		Clocks:   NewClockRegistry(),
		HWMon:    NewHardwareMonitor(),
	}
}

// Update runs fn with exclusive access to the model.
func (s *SystemInfo) Update(fn func(*SystemInfo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// Read runs fn with shared access to the model. fn must not retain
// references past its return.
func (s *SystemInfo) Read(fn func(*SystemInfo)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s)
}

// SetStressResult publishes r, replacing any earlier result.
func (s *SystemInfo) SetStressResult(r *StressResult) {
	s.stress.Store(r)
}

// StressResult returns the last published stress result, or nil.
func (s *SystemInfo) StressResult() *StressResult {
	return s.stress.Load()
}
