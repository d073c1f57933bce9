package model

import (
	"math"

	"codeberg.org/mutker/gst/internal/errors"
)

// Kind discriminates the unit semantics of a MonitoredItem.
type Kind int

const (
	KindVoltage Kind = iota
	KindFan
	KindTemperature
	KindPower
	KindEnergy
	KindCurrent
	KindHumidity
	KindIntrusion
	KindBeep
	KindClock
)

var kindNames = [...]string{
	KindVoltage:     "voltage",
	KindFan:         "fan",
	KindTemperature: "temperature",
	KindPower:       "power",
	KindEnergy:      "energy",
	KindCurrent:     "current",
	KindHumidity:    "humidity",
	KindIntrusion:   "intrusion",
	KindBeep:        "beep",
	KindClock:       "clock",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Unit returns the display unit for readings of this kind.
func (k Kind) Unit() string {
	switch k {
	case KindVoltage:
		return "V"
	case KindFan:
		return "RPM"
	case KindTemperature:
		return "°C"
	case KindPower:
		return "W"
	case KindEnergy:
		return "J"
	case KindCurrent:
		return "A"
	case KindHumidity:
		return "%"
	case KindClock:
		return "Hz"
	default:
		return ""
	}
}

// Float returns a pointer to v, for building optional readings.
func Float(v float64) *float64 {
	return &v
}

// MonitoredItem is a named numeric signal with its current reading and
// running extrema. Once a value has been seen, Min <= Value <= Max holds
// and the extrema only ever widen.
type MonitoredItem struct {
	ID    string
	Name  string
	Kind  Kind
	Value *float64
	Min   *float64
	Max   *float64
}

// NewMonitoredItem returns an item whose extrema start at value.
func NewMonitoredItem(id, name string, kind Kind, value *float64) *MonitoredItem {
	item := &MonitoredItem{ID: id, Name: name, Kind: kind}
	item.UpdateValue(value)
	return item
}

// UpdateValue records a new reading. A nil or non-finite reading clears
// Value but keeps the extrema collected so far.
func (m *MonitoredItem) UpdateValue(value *float64) {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		m.Value = nil
		return
	}

	v := *value
	m.Value = &v
	if m.Min == nil || v < *m.Min {
		m.Min = Float(v)
	}
	if m.Max == nil || v > *m.Max {
		m.Max = Float(v)
	}
}

// upsert is the single merge point for every registry. An absent slot
// takes a fresh item whose extrema start at item's reading; an occupied
// slot must hold the same identity and kind, and then only absorbs
// item's reading.
func upsert[K comparable](slot map[K]*MonitoredItem, key K, item *MonitoredItem) error {
	existing, ok := slot[key]
	if !ok {
		slot[key] = NewMonitoredItem(item.ID, item.Name, item.Kind, item.Value)
		return nil
	}

	if existing.ID != item.ID || existing.Kind != item.Kind {
		return errors.New().WithData(ErrIdentityConflict, struct {
			Existing string
			Incoming string
		}{
			Existing: existing.ID + "/" + existing.Kind.String(),
			Incoming: item.ID + "/" + item.Kind.String(),
		})
	}

	existing.UpdateValue(item.Value)
	// Composite names carry annotations that change every read
	existing.Name = item.Name
	return nil
}
