package model

// CacheType is the sysfs cache type string.
type CacheType string

const (
	CacheData        CacheType = "Data"
	CacheInstruction CacheType = "Instruction"
	CacheUnified     CacheType = "Unified"
)

// Cache describes one cache shape as observed on a package. Count is the
// number of distinct cache instances sharing the shape.
type Cache struct {
	Level             int
	Type              CacheType
	Ways              int
	Sets              int
	Size              uint64
	PhysicalPackageID int
	Count             int
}

// CacheInstance is a single sysfs cache index entry. ID is the kernel's
// cache id, unique per level and type within a package; sibling threads
// sharing a cache report the same id.
type CacheInstance struct {
	ID int
	Cache
}

type cacheKey struct {
	id    int
	shape Cache
}

// CacheSet accumulates cache instances of one package. Instances that
// agree on every field (id included) are the same physical cache seen
// through different logical processors and count once. Instances that
// differ only by id are distinct caches of the same shape and collapse
// into one shape entry with Count incremented.
type CacheSet struct {
	seen    map[cacheKey]struct{}
	entries []*Cache
}

func NewCacheSet() *CacheSet {
	return &CacheSet{seen: make(map[cacheKey]struct{})}
}

// Observe adds one instance. It returns false when the instance was
// already counted.
func (s *CacheSet) Observe(c CacheInstance) bool {
	shape := c.Cache
	shape.Count = 0

	key := cacheKey{id: c.ID, shape: shape}
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}

	for _, e := range s.entries {
		if sameShape(e, &shape) {
			e.Count++
			return true
		}
	}

	shape.Count = 1
	s.entries = append(s.entries, &shape)
	return true
}

// Entries returns the distinct shapes in first-seen order.
func (s *CacheSet) Entries() []Cache {
	out := make([]Cache, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Summary returns the first-seen L1 data, L1 instruction, L2 and L3
// shapes; nil when a level is absent.
func (s *CacheSet) Summary() (l1d, l1i, l2, l3 *Cache) {
	pick := func(level int, match func(CacheType) bool) *Cache {
		for _, e := range s.entries {
			if e.Level == level && match(e.Type) {
				c := *e
				return &c
			}
		}
		return nil
	}
	anyType := func(CacheType) bool { return true }

	l1d = pick(1, func(t CacheType) bool { return t == CacheData })
	l1i = pick(1, func(t CacheType) bool { return t == CacheInstruction })
	l2 = pick(2, anyType)
	l3 = pick(3, anyType)
	return l1d, l1i, l2, l3
}

func sameShape(a, b *Cache) bool {
	return a.Level == b.Level &&
		a.Type == b.Type &&
		a.Ways == b.Ways &&
		a.Sets == b.Sets &&
		a.Size == b.Size &&
		a.PhysicalPackageID == b.PhysicalPackageID
}
