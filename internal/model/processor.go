package model

// Processor describes one logical processor. Nil fields are unknown.
type Processor struct {
	ProcessorID       *int
	PhysicalPackageID *int
	VendorID          *string
	Name              *string
	Specification     *string
	Family            *int
	Model             *int
	Stepping          *int
	Microcode         *string
	CoreSpeed         *float64
	CoreID            *int
	Cores             *int
	Threads           *int
	Bogomips          *float64
	Flags             []string
	Bugs              []string
	Package           *string

	CacheL1Data *Cache
	CacheL1Inst *Cache
	CacheL2     *Cache
	CacheL3     *Cache
}

// Overlay copies every known field of src onto p. Fields unknown in src
// never clear what p already holds.
func (p *Processor) Overlay(src *Processor) {
	overlay(&p.ProcessorID, src.ProcessorID)
	overlay(&p.PhysicalPackageID, src.PhysicalPackageID)
	overlay(&p.VendorID, src.VendorID)
	overlay(&p.Name, src.Name)
	overlay(&p.Specification, src.Specification)
	overlay(&p.Family, src.Family)
	overlay(&p.Model, src.Model)
	overlay(&p.Stepping, src.Stepping)
	overlay(&p.Microcode, src.Microcode)
	overlay(&p.CoreSpeed, src.CoreSpeed)
	overlay(&p.CoreID, src.CoreID)
	overlay(&p.Cores, src.Cores)
	overlay(&p.Threads, src.Threads)
	overlay(&p.Bogomips, src.Bogomips)
	overlay(&p.Package, src.Package)
	overlay(&p.CacheL1Data, src.CacheL1Data)
	overlay(&p.CacheL1Inst, src.CacheL1Inst)
	overlay(&p.CacheL2, src.CacheL2)
	overlay(&p.CacheL3, src.CacheL3)
	if src.Flags != nil {
		p.Flags = append([]string(nil), src.Flags...)
	}
	if src.Bugs != nil {
		p.Bugs = append([]string(nil), src.Bugs...)
	}
}

func overlay[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

// Signature reports the family/model/stepping triple when all are known.
func (p *Processor) Signature() (family, model, stepping int, ok bool) {
	if p.Family == nil || p.Model == nil || p.Stepping == nil {
		return 0, 0, 0, false
	}
	return *p.Family, *p.Model, *p.Stepping, true
}

// Topology maps physical package id → processor id → Processor.
type Topology struct {
	packages map[int]map[int]*Processor
}

func NewTopology() *Topology {
	return &Topology{packages: make(map[int]map[int]*Processor)}
}

// Processor returns the processor at pkg/id, creating an empty record
// when none exists yet.
func (t *Topology) Processor(pkg, id int) *Processor {
	procs, ok := t.packages[pkg]
	if !ok {
		procs = make(map[int]*Processor)
		t.packages[pkg] = procs
	}

	p, ok := procs[id]
	if !ok {
		p = &Processor{ProcessorID: intPtr(id), PhysicalPackageID: intPtr(pkg)}
		procs[id] = p
	}
	return p
}

// Lookup returns the processor at pkg/id without creating it.
func (t *Topology) Lookup(pkg, id int) *Processor {
	return t.packages[pkg][id]
}

// Packages returns the known package ids in ascending order.
func (t *Topology) Packages() []int {
	return sortedKeys(t.packages)
}

// Processors returns the processors of pkg ordered by processor id.
func (t *Topology) Processors(pkg int) []*Processor {
	procs := t.packages[pkg]
	out := make([]*Processor, 0, len(procs))
	for _, id := range sortedKeys(procs) {
		out = append(out, procs[id])
	}
	return out
}

// Each calls fn for every processor in package then processor order.
func (t *Topology) Each(fn func(pkg int, p *Processor)) {
	for _, pkg := range t.Packages() {
		for _, p := range t.Processors(pkg) {
			fn(pkg, p)
		}
	}
}

// Len returns the number of logical processors.
func (t *Topology) Len() int {
	n := 0
	for _, procs := range t.packages {
		n += len(procs)
	}
	return n
}

func intPtr(v int) *int { return &v }
