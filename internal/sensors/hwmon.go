package sensors

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/model"
)

const hwmonClass = "class/hwmon"

var attrRe = regexp.MustCompile(`^(in|fan|temp|power|energy|curr|humidity|intrusion)(\d+)_(\w+)$`)

var prefixKinds = map[string]model.Kind{
	"in":        model.KindVoltage,
	"fan":       model.KindFan,
	"temp":      model.KindTemperature,
	"power":     model.KindPower,
	"energy":    model.KindEnergy,
	"curr":      model.KindCurrent,
	"humidity":  model.KindHumidity,
	"intrusion": model.KindIntrusion,
}

// Attribute scale from sysfs integer units to display units.
var prefixScale = map[string]float64{
	"in":       1e3,
	"temp":     1e3,
	"curr":     1e3,
	"humidity": 1e3,
	"power":    1e6,
	"energy":   1e6,
}

// Hwmon reads chips from <sysRoot>/class/hwmon.
type Hwmon struct {
	sysRoot string
}

func NewHwmon(sysRoot string) *Hwmon {
	return &Hwmon{sysRoot: sysRoot}
}

var _ Library = (*Hwmon)(nil)

// Chips lists every hwmon device with at least one readable feature.
// Unreadable attribute files are skipped. A started read always walks
// the whole class directory.
func (h *Hwmon) Chips(_ context.Context) ([]Chip, error) {
	errFactory := errors.New()
	base := filepath.Join(h.sysRoot, hwmonClass)

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errFactory.Wrap(ErrNoHwmon, err)
		}
		return nil, errFactory.Wrap(ErrReadHwmon, err)
	}

	var chips []Chip
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}

		chip, ok := readChip(filepath.Join(base, entry.Name()))
		if ok {
			chips = append(chips, chip)
		}
	}

	sort.Slice(chips, func(i, j int) bool { return chips[i].ID < chips[j].ID })
	return chips, nil
}

func readChip(dir string) (Chip, bool) {
	name := readString(filepath.Join(dir, "name"))
	if name == "" {
		name = filepath.Base(dir)
	}

	// Attributes live in the hwmon dir on modern kernels and in device/
	// on some older drivers.
	features := map[string]*Feature{}
	collect(dir, features)
	if len(features) == 0 {
		collect(filepath.Join(dir, "device"), features)
	}
	if len(features) == 0 {
		return Chip{}, false
	}

	chip := Chip{ID: chipID(dir, name)}
	for _, f := range features {
		sort.Slice(f.SubFeatures, func(i, j int) bool { return f.SubFeatures[i].Name < f.SubFeatures[j].Name })
		chip.Features = append(chip.Features, *f)
	}
	sort.Slice(chip.Features, func(i, j int) bool { return featureLess(chip.Features[i], chip.Features[j]) })

	return chip, true
}

func collect(dir string, features map[string]*Feature) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		fileName := entry.Name()

		if fileName == "beep_enable" {
			if v, ok := readFloat(filepath.Join(dir, fileName)); ok {
				features[fileName] = &Feature{
					Name:        fileName,
					Label:       fileName,
					Kind:        model.KindBeep,
					SubFeatures: []SubFeature{{Name: "input", Value: v}},
				}
			}
			continue
		}

		m := attrRe.FindStringSubmatch(fileName)
		if m == nil {
			continue
		}
		prefix, index, attr := m[1], m[2], m[3]
		featureName := prefix + index

		f, ok := features[featureName]
		if !ok {
			f = &Feature{Name: featureName, Label: featureName, Kind: prefixKinds[prefix]}
			features[featureName] = f
		}

		if attr == "label" {
			if label := readString(filepath.Join(dir, fileName)); label != "" {
				f.Label = label
			}
			continue
		}

		v, ok := readFloat(filepath.Join(dir, fileName))
		if !ok {
			continue
		}
		if scale, ok := prefixScale[prefix]; ok && !isFlag(attr) {
			v /= scale
		}
		f.SubFeatures = append(f.SubFeatures, SubFeature{Name: attr, Value: v})
	}

	// A feature with only a label carries no reading
	for name, f := range features {
		if len(f.SubFeatures) == 0 {
			delete(features, name)
		}
	}
}

// isFlag reports attributes that are booleans or enumerations rather
// than scaled measurements.
func isFlag(attr string) bool {
	return strings.HasSuffix(attr, "alarm") ||
		strings.HasSuffix(attr, "beep") ||
		attr == "enable" ||
		attr == "type" ||
		attr == "fault"
}

func chipID(dir, name string) string {
	if target, err := filepath.EvalSymlinks(filepath.Join(dir, "device")); err == nil {
		return name + "-" + filepath.Base(target)
	}
	return name + "-" + filepath.Base(dir)
}

func featureLess(a, b Feature) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	ai, aerr := strconv.Atoi(strings.TrimLeft(a.Name, "abcdefghijklmnopqrstuvwxyz_"))
	bi, berr := strconv.Atoi(strings.TrimLeft(b.Name, "abcdefghijklmnopqrstuvwxyz_"))
	if aerr == nil && berr == nil && ai != bi {
		return ai < bi
	}
	return a.Name < b.Name
}

func readString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readFloat(path string) (float64, bool) {
	s := readString(path)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
