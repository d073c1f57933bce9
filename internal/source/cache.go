package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"github.com/dustin/go-humanize"
)

const cacheName = "cache"

// SysfsCache reads cache descriptors from the per-CPU cache index tree.
// It depends on the topology already being known.
type SysfsCache struct {
	mu     sync.Mutex
	cpuDir string
	log    logger.Logger
}

func NewSysfsCache(sysRoot string) *SysfsCache {
	cpuDir := filepath.Join(sysRoot, "devices/system/cpu")
	return &SysfsCache{
		cpuDir: cpuDir,
		log:    logger.New("source." + cacheName).With("path", cpuDir),
	}
}

func (*SysfsCache) Name() string { return cacheName }

func (c *SysfsCache) Refresh(_ context.Context, info *model.SystemInfo) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	errFactory := errors.New()

	if !exists(filepath.Join(c.cpuDir, "cpu0", "cache")) {
		c.log.Warn().Msg("cpu cache tree not found")
		return unavailable(cacheName, errFactory.WithMessage(ErrUnavailable, "cpu0/cache not found"))
	}

	packages := map[int][]int{}
	info.Read(func(s *model.SystemInfo) {
		for _, pkg := range s.Topology.Packages() {
			for _, p := range s.Topology.Processors(pkg) {
				packages[pkg] = append(packages[pkg], *p.ProcessorID)
			}
		}
	})
	if len(packages) == 0 {
		return failed(cacheName, errFactory.WithMessage(ErrUnavailable, "topology not loaded"))
	}

	sets := make(map[int]*model.CacheSet, len(packages))
	for pkg, procs := range packages {
		set := model.NewCacheSet()
		for _, id := range procs {
			for _, inst := range c.readIndexes(id, pkg) {
				set.Observe(inst)
			}
		}
		sets[pkg] = set
	}

	err := info.Update(func(s *model.SystemInfo) error {
		for pkg, set := range sets {
			l1d, l1i, l2, l3 := set.Summary()
			for _, p := range s.Topology.Processors(pkg) {
				p.CacheL1Data = copyCache(l1d)
				p.CacheL1Inst = copyCache(l1i)
				p.CacheL2 = copyCache(l2)
				p.CacheL3 = copyCache(l3)
			}
		}
		return nil
	})
	if err != nil {
		return failed(cacheName, err)
	}

	return succeeded(cacheName)
}

// readIndexes reads cpuN/cache/index0.. until the first missing index.
// Entries with unreadable files are skipped.
func (c *SysfsCache) readIndexes(cpu, pkg int) []model.CacheInstance {
	cacheDir := filepath.Join(c.cpuDir, fmt.Sprintf("cpu%d", cpu), "cache")

	var out []model.CacheInstance
	for i := 0; ; i++ {
		dir := filepath.Join(cacheDir, fmt.Sprintf("index%d", i))
		if !exists(dir) {
			break
		}

		inst, err := readCacheIndex(dir, pkg)
		if err != nil {
			c.log.Debug().Err(err).Str("index", dir).Msg("skipping cache index")
			continue
		}
		out = append(out, inst)
	}
	return out
}

func readCacheIndex(dir string, pkg int) (model.CacheInstance, error) {
	var (
		inst model.CacheInstance
		err  error
	)

	if inst.ID, err = readInt(filepath.Join(dir, "id")); err != nil {
		return inst, err
	}
	if inst.Level, err = readInt(filepath.Join(dir, "level")); err != nil {
		return inst, err
	}
	if inst.Sets, err = readInt(filepath.Join(dir, "number_of_sets")); err != nil {
		return inst, err
	}
	if inst.Ways, err = readInt(filepath.Join(dir, "ways_of_associativity")); err != nil {
		return inst, err
	}

	typ, err := readTrimmed(filepath.Join(dir, "type"))
	if err != nil {
		return inst, err
	}
	inst.Type = model.CacheType(typ)

	size, err := readTrimmed(filepath.Join(dir, "size"))
	if err != nil {
		return inst, err
	}
	if inst.Size, err = ParseCacheSize(size); err != nil {
		return inst, err
	}

	inst.PhysicalPackageID = pkg
	if id, err := readInt(filepath.Join(dir, "..", "..", "topology", "physical_package_id")); err == nil {
		inst.PhysicalPackageID = id
	}

	return inst, nil
}

// ParseCacheSize parses sysfs sizes such as "32K" or "8192K", which use
// binary multiples.
func ParseCacheSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s != "" && unicode.IsLetter(rune(s[len(s)-1])) {
		s += "iB"
	}
	return humanize.ParseBytes(s)
}

func copyCache(c *model.Cache) *model.Cache {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
