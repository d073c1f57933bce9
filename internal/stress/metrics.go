package stress

import (
	"math"
	"os"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"gopkg.in/yaml.v3"
)

// report is the subset of the stress-ng --yaml output read here.
type report struct {
	Metrics []stressorMetrics `yaml:"metrics"`
}

type stressorMetrics struct {
	Stressor         string  `yaml:"stressor"`
	BogoOps          float64 `yaml:"bogo-ops"`
	WallClockTime    float64 `yaml:"wall-clock-time"`
	BogoOpsPerSecond float64 `yaml:"bogo-ops-per-second-usr-sys-time"`
}

// Metrics aggregates every stressor of a run.
type Metrics struct {
	Elapsed          time.Duration
	BogoOps          uint64
	BogoOpsPerSecond float64
	Stressors        []string
}

// ParseMetrics sums wall clock time, bogo ops and throughput across the
// stressors of a report. ok is false when the report lists no metrics.
func ParseMetrics(data []byte) (m Metrics, ok bool, err error) {
	var r report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Metrics{}, false, errors.New().Wrap(ErrMetricsMalformed, err)
	}
	if len(r.Metrics) == 0 {
		return Metrics{}, false, nil
	}

	var seconds, ops float64
	for _, s := range r.Metrics {
		seconds += s.WallClockTime
		ops += s.BogoOps
		m.BogoOpsPerSecond += s.BogoOpsPerSecond
		m.Stressors = append(m.Stressors, s.Stressor)
	}
	m.Elapsed = time.Duration(seconds * float64(time.Second))
	m.BogoOps = uint64(math.Round(ops))

	return m, true, nil
}

// readMetrics parses the report at path. A missing file is not an error.
func readMetrics(path string) (Metrics, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metrics{}, false, nil
		}
		return Metrics{}, false, errors.New().Wrap(ErrMetricsMalformed, err)
	}
	return ParseMetrics(data)
}
