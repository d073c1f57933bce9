package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"codeberg.org/mutker/gst/internal/sensors"
)

const sensorsName = "sensors"

// Plausible temperature range in degrees Celsius; readings outside it are
// sensor glitches.
const (
	minTemperature = -127
	maxTemperature = 215
)

// Sensors publishes every chip feature of a sensor library into the
// hardware monitor registry.
type Sensors struct {
	mu  sync.Mutex
	lib sensors.Library
	log logger.Logger
}

func NewSensors(lib sensors.Library) *Sensors {
	return &Sensors{lib: lib, log: logger.New("source." + sensorsName)}
}

func (*Sensors) Name() string { return sensorsName }

func (s *Sensors) Refresh(ctx context.Context, info *model.SystemInfo) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	chips, err := s.lib.Chips(ctx)
	if err != nil {
		if errors.HasCode(err, errors.ErrSourceUnavailable) {
			return unavailable(sensorsName, err)
		}
		return failed(sensorsName, err)
	}

	type chipItem struct {
		chip string
		item *model.MonitoredItem
	}
	var items []chipItem
	for _, chip := range chips {
		for _, feature := range chip.Features {
			items = append(items, chipItem{chip: chip.ID, item: FeatureItem(feature)})
		}
	}

	err = info.Update(func(m *model.SystemInfo) error {
		for _, ci := range items {
			if err := m.HWMon.Set(ci.chip, ci.item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return failed(sensorsName, err)
	}

	s.log.Debug().Int("chips", len(chips)).Int("items", len(items)).Msg("sensors refreshed")
	return succeeded(sensorsName)
}

// FeatureItem converts a sensor feature into a monitored item. The input
// reading is the value, with average as fallback; every other reading is
// appended to the label as an annotation.
func FeatureItem(f sensors.Feature) *model.MonitoredItem {
	var (
		value       *float64
		annotations []string
	)

	input, hasInput := f.Lookup("input")
	average, hasAverage := f.Lookup("average")
	switch {
	case hasInput:
		value = model.Float(input)
	case hasAverage:
		value = model.Float(average)
	}

	for _, sf := range f.SubFeatures {
		if sf.Name == "input" || (sf.Name == "average" && !hasInput) {
			continue
		}
		annotations = append(annotations, fmt.Sprintf("%s: %s", sf.Name, strconv.FormatFloat(sf.Value, 'f', -1, 64)))
	}

	if f.Kind == model.KindTemperature && value != nil && (*value < minTemperature || *value > maxTemperature) {
		value = nil
	}

	name := f.Label
	if len(annotations) > 0 {
		name = fmt.Sprintf("%s (%s)", name, strings.Join(annotations, ", "))
	}

	return model.NewMonitoredItem(f.Name, name, f.Kind, value)
}
