package source

import (
	"bufio"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
)

const cpuinfoName = "cpuinfo"

// Vendor noise removed from the model name to build the display name.
var cleanCPURe = regexp.MustCompile(`(?i)chipset|company|components|computing|computer|corporation|communications|` +
	`electronics|electrical|electric|gmbh|group|incorporation|industrial|international|\bnee\b|revision` +
	`|semiconductor|software|technologies|technology|ltd\.|<ltd>|\bltd\b|inc\.|<inc>|\binc\b` +
	`|intl\.|co\.|<co>|corp\.|<corp>|\(tm\)|\(r\)|Â®|\(rev ..\)|'|"|\sinc\s*$|@|cpu |cpu deca` +
	`|([0-9]+|single|dual|two|triple|three|tri|quad|four|penta|five|hepta|six|hexa|seven|octa` +
	`|eight|multi)[ -]core|ennea|genuine|multi|processor|single|triple|[0-9.]+ *[mg]hz`)

// CleanCPUString strips vendor boilerplate from a CPU model name.
func CleanCPUString(s string) string {
	return strings.Join(strings.Fields(cleanCPURe.ReplaceAllString(s, "")), " ")
}

// CPUInfo reads processor topology and per-core clocks from /proc/cpuinfo.
type CPUInfo struct {
	mu   sync.Mutex
	path string
	log  logger.Logger
}

func NewCPUInfo(procRoot string) *CPUInfo {
	path := filepath.Join(procRoot, "cpuinfo")
	return &CPUInfo{
		path: path,
		log:  logger.New("source." + cpuinfoName).With("path", path),
	}
}

func (*CPUInfo) Name() string { return cpuinfoName }

func (c *CPUInfo) Refresh(_ context.Context, info *model.SystemInfo) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	errFactory := errors.New()

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Warn().Msg("cpuinfo not found")
			return unavailable(cpuinfoName, errFactory.Wrap(ErrUnavailable, err))
		}
		return failed(cpuinfoName, errFactory.Wrap(ErrReadFailed, err))
	}
	defer f.Close()

	records, err := parseCPUInfo(f)
	if err != nil {
		return failed(cpuinfoName, errFactory.Wrap(ErrReadFailed, err))
	}
	if len(records) == 0 {
		return failed(cpuinfoName, errFactory.WithMessage(ErrMalformed, "no processor records in cpuinfo"))
	}

	err = info.Update(func(s *model.SystemInfo) error {
		return applyCPUInfo(s, records)
	})
	if err != nil {
		return failed(cpuinfoName, err)
	}

	c.log.Debug().Int("processors", len(records)).Msg("cpuinfo refreshed")
	return succeeded(cpuinfoName)
}

type coreKey struct{ pkg, core int }

func applyCPUInfo(s *model.SystemInfo, records []*model.Processor) error {
	// Hyperthread siblings share a core; register its clock once
	seen := make(map[coreKey]bool)

	for _, rec := range records {
		if rec.ProcessorID == nil {
			continue
		}
		pkg := deref(rec.PhysicalPackageID, 0)
		proc := s.Topology.Processor(pkg, *rec.ProcessorID)

		if rec.CoreSpeed != nil {
			core := deref(rec.CoreID, *rec.ProcessorID)
			key := coreKey{pkg, core}
			if !seen[key] {
				seen[key] = true
				id := strconv.Itoa(core)
				item := model.NewMonitoredItem(id, "Core #"+id, model.KindClock, model.Float(math.Round(*rec.CoreSpeed)))
				if err := s.Clocks.Set(pkg, item); err != nil {
					return err
				}
			}
		}

		proc.Overlay(rec)
	}

	return nil
}

// parseCPUInfo splits cpuinfo text into one record per "processor" line.
// Fields that fail to parse are left unknown.
func parseCPUInfo(r io.Reader) ([]*model.Processor, error) {
	var (
		records []*model.Processor
		current *model.Processor
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		label, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		value = strings.TrimSpace(value)

		if label == "processor" {
			current = &model.Processor{}
			records = append(records, current)
		}
		if current == nil || value == "" {
			continue
		}
		setCPUInfoField(current, label, value)
	}

	return records, scanner.Err()
}

func setCPUInfoField(p *model.Processor, label, value string) {
	switch label {
	case "processor":
		p.ProcessorID = parseIntPtr(value)
	case "vendor_id":
		p.VendorID = &value
	case "model name":
		p.Specification = &value
		name := CleanCPUString(value)
		p.Name = &name
	case "cpu family":
		p.Family = parseIntPtr(value)
	case "model":
		p.Model = parseIntPtr(value)
	case "stepping":
		p.Stepping = parseIntPtr(value)
	case "microcode":
		p.Microcode = &value
	case "cpu MHz", "cpu speed", "clock":
		if mhz, err := strconv.ParseFloat(strings.TrimSuffix(value, "MHz"), 64); err == nil {
			hz := mhz * 1e6
			p.CoreSpeed = &hz
		}
	case "physical id":
		p.PhysicalPackageID = parseIntPtr(value)
	case "siblings":
		p.Threads = parseIntPtr(value)
	case "core id":
		p.CoreID = parseIntPtr(value)
	case "cpu cores":
		p.Cores = parseIntPtr(value)
	case "flags":
		p.Flags = sortedFields(value)
	case "bugs":
		p.Bugs = sortedFields(value)
	case "bogomips", "BogoMIPS":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.Bogomips = &v
		}
	}
}

func parseIntPtr(s string) *int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

func sortedFields(s string) []string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return fields
}

func deref(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
