package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/gpu"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
)

const (
	nvidiaName    = "nvidia"
	gpuChipPrefix = "nvidia-gpu"
)

// NVIDIA publishes GPU readings into the hardware monitor registry, one
// chip per device. The library is initialised on first refresh.
type NVIDIA struct {
	mu          sync.Mutex
	lib         gpu.Library
	initialized bool
	log         logger.Logger
}

func NewNVIDIA(lib gpu.Library) *NVIDIA {
	return &NVIDIA{lib: lib, log: logger.New("source." + nvidiaName)}
}

func (*NVIDIA) Name() string { return nvidiaName }

func (n *NVIDIA) Refresh(_ context.Context, info *model.SystemInfo) Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	errFactory := errors.New()

	if !n.initialized {
		if err := n.lib.Initialize(); err != nil {
			return unavailable(nvidiaName, errFactory.Wrap(ErrNVMLInit, err))
		}
		n.initialized = true
	}

	readings, err := n.lib.Readings()
	if err != nil {
		return failed(nvidiaName, errFactory.Wrap(ErrNVMLDevice, err))
	}

	err = info.Update(func(m *model.SystemInfo) error {
		for _, r := range readings {
			chip := ChipID(r.Index)
			for _, item := range GPUItems(r) {
				if err := m.HWMon.Set(chip, item); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return failed(nvidiaName, err)
	}

	n.log.Debug().Int("devices", len(readings)).Msg("gpu readings refreshed")
	return succeeded(nvidiaName)
}

// Close releases the library if it was initialised.
func (n *NVIDIA) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return nil
	}
	n.initialized = false
	return n.lib.Shutdown()
}

// ChipID names the registry chip for a GPU index.
func ChipID(index int) string {
	return fmt.Sprintf("%s%d", gpuChipPrefix, index)
}

// IsGPUChip reports whether chip was registered by the NVIDIA adapter.
// Fan items on such chips hold a duty cycle in percent, not RPM.
func IsGPUChip(chip string) bool {
	return strings.HasPrefix(chip, gpuChipPrefix)
}

// GPUItems converts a reading into monitored items named after the device.
func GPUItems(r gpu.Reading) []*model.MonitoredItem {
	items := []*model.MonitoredItem{
		model.NewMonitoredItem("temp1", r.Name, model.KindTemperature, r.Temperature),
		model.NewMonitoredItem("power1", r.Name, model.KindPower, r.PowerUsage),
		model.NewMonitoredItem("clock1", r.Name+" graphics", model.KindClock, r.GraphicsClock),
	}
	for i, speed := range r.FanSpeeds {
		n := strconv.Itoa(i + 1)
		items = append(items, model.NewMonitoredItem("fan"+n, r.Name+" fan "+n, model.KindFan, speed))
	}
	return items
}
