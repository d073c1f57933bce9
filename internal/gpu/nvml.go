package gpu

import (
	"fmt"
	"sync"

	"codeberg.org/mutker/gst/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	milliWattsToWatts = 1000
	megaHertzToHertz  = 1e6
)

// nvmlDriver abstracts the NVML entry points used here for testing
type nvmlDriver interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvml.Device, nvml.Return)
}

type systemDriver struct{}

func (systemDriver) Init() nvml.Return                  { return nvml.Init() }
func (systemDriver) Shutdown() nvml.Return              { return nvml.Shutdown() }
func (systemDriver) DeviceGetCount() (int, nvml.Return) { return nvml.DeviceGetCount() }

func (systemDriver) DeviceGetHandleByIndex(index int) (nvml.Device, nvml.Return) {
	return nvml.DeviceGetHandleByIndex(index)
}

type nvmlWrapper struct {
	driver      nvmlDriver
	mu          sync.Mutex
	initialized bool
}

// NewNVML returns a Library backed by the NVIDIA management library.
func NewNVML() Library {
	return &nvmlWrapper{driver: systemDriver{}}
}

func (w *nvmlWrapper) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	errFactory := errors.New()
	if w.initialized {
		return nil
	}

	ret := w.driver.Init()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	w.initialized = true

	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	errFactory := errors.New()
	if !w.initialized {
		return nil
	}

	ret := w.driver.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	w.initialized = false

	return nil
}

func (w *nvmlWrapper) Readings() ([]Reading, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	errFactory := errors.New()
	if !w.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	count, ret := w.driver.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	readings := make([]Reading, 0, count)
	for i := 0; i < count; i++ {
		device, ret := w.driver.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.WithData(ErrDeviceNotFound, fmt.Sprintf("index %d: %v", i, newNVMLError(ret)))
		}
		readings = append(readings, read(i, device))
	}

	return readings, nil
}

// read samples one device. Unsupported queries leave their value nil.
func read(index int, device nvml.Device) Reading {
	r := Reading{Index: index, Name: fmt.Sprintf("GPU %d", index)}

	if name, ret := device.GetName(); IsNVMLSuccess(ret) {
		r.Name = name
	}
	if uuid, ret := device.GetUUID(); IsNVMLSuccess(ret) {
		r.UUID = uuid
	}
	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); IsNVMLSuccess(ret) {
		r.Temperature = floatPtr(float64(temp))
	}
	if mw, ret := device.GetPowerUsage(); IsNVMLSuccess(ret) {
		r.PowerUsage = floatPtr(float64(mw) / milliWattsToWatts)
	}
	if mhz, ret := device.GetClockInfo(nvml.CLOCK_GRAPHICS); IsNVMLSuccess(ret) {
		r.GraphicsClock = floatPtr(float64(mhz) * megaHertzToHertz)
	}

	if fans, ret := device.GetNumFans(); IsNVMLSuccess(ret) {
		r.FanSpeeds = make([]*float64, fans)
		for fan := 0; fan < fans; fan++ {
			if speed, ret := device.GetFanSpeed_v2(fan); IsNVMLSuccess(ret) {
				r.FanSpeeds[fan] = floatPtr(float64(speed))
			}
		}
	}

	return r
}

func floatPtr(v float64) *float64 { return &v }
