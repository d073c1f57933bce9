// Package sensors exposes hardware monitoring chips as an iteration
// surface of chips, features and sub-features, read from the kernel hwmon
// class tree.
package sensors

import (
	"context"

	"codeberg.org/mutker/gst/internal/model"
)

// SubFeature is one named numeric reading of a feature, such as "input",
// "max" or "crit_alarm". Values are in display units.
type SubFeature struct {
	Name  string
	Value float64
}

// Feature is one sensor of a chip, such as "temp1" or "fan2".
type Feature struct {
	Name        string
	Label       string
	Kind        model.Kind
	SubFeatures []SubFeature
}

// Lookup returns the sub-feature named name.
func (f Feature) Lookup(name string) (float64, bool) {
	for _, sf := range f.SubFeatures {
		if sf.Name == name {
			return sf.Value, true
		}
	}
	return 0, false
}

// Chip is one hardware monitoring device.
type Chip struct {
	ID       string
	Features []Feature
}

// Library enumerates the chips currently visible to the system.
type Library interface {
	Chips(ctx context.Context) ([]Chip, error)
}
