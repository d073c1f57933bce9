package model

import (
	"sort"
	"strconv"

	"codeberg.org/mutker/gst/internal/errors"
)

// ClockRegistry maps package id → core id → clock item.
type ClockRegistry struct {
	items map[int]map[int]*MonitoredItem
}

func NewClockRegistry() *ClockRegistry {
	return &ClockRegistry{items: make(map[int]map[int]*MonitoredItem)}
}

// Set merges a clock item into package pkg. The core id is parsed from
// item.ID, so two ids spelling the same core differently ("1", "01")
// collide as an identity conflict.
func (r *ClockRegistry) Set(pkg int, item *MonitoredItem) error {
	coreID, err := strconv.Atoi(item.ID)
	if err != nil {
		return errors.New().Wrap(ErrInvalidCoreID, err)
	}

	cores, ok := r.items[pkg]
	if !ok {
		cores = make(map[int]*MonitoredItem)
		r.items[pkg] = cores
	}

	return upsert(cores, coreID, item)
}

// Get returns the clock item for a core, or nil.
func (r *ClockRegistry) Get(pkg, core int) *MonitoredItem {
	return r.items[pkg][core]
}

// Packages returns the registered package ids in ascending order.
func (r *ClockRegistry) Packages() []int {
	return sortedKeys(r.items)
}

// Cores returns the clock items of a package ordered by core id.
func (r *ClockRegistry) Cores(pkg int) []*MonitoredItem {
	cores := r.items[pkg]
	out := make([]*MonitoredItem, 0, len(cores))
	for _, id := range sortedKeys(cores) {
		out = append(out, cores[id])
	}
	return out
}

// HardwareMonitor maps chip id → kind → item id → item.
type HardwareMonitor struct {
	items map[string]map[Kind]map[string]*MonitoredItem
}

func NewHardwareMonitor() *HardwareMonitor {
	return &HardwareMonitor{items: make(map[string]map[Kind]map[string]*MonitoredItem)}
}

// Set merges item into chip under its own kind and id.
func (h *HardwareMonitor) Set(chip string, item *MonitoredItem) error {
	kinds, ok := h.items[chip]
	if !ok {
		kinds = make(map[Kind]map[string]*MonitoredItem)
		h.items[chip] = kinds
	}

	slot, ok := kinds[item.Kind]
	if !ok {
		slot = make(map[string]*MonitoredItem)
		kinds[item.Kind] = slot
	}

	return upsert(slot, item.ID, item)
}

// Get returns the item at chip/kind/id, or nil.
func (h *HardwareMonitor) Get(chip string, kind Kind, id string) *MonitoredItem {
	return h.items[chip][kind][id]
}

// Chips returns chip ids in lexical order.
func (h *HardwareMonitor) Chips() []string {
	chips := make([]string, 0, len(h.items))
	for chip := range h.items {
		chips = append(chips, chip)
	}
	sort.Strings(chips)
	return chips
}

// Kinds returns the kinds present on chip in declaration order.
func (h *HardwareMonitor) Kinds(chip string) []Kind {
	return sortedKeys(h.items[chip])
}

// Items returns the items of chip/kind ordered by id.
func (h *HardwareMonitor) Items(chip string, kind Kind) []*MonitoredItem {
	slot := h.items[chip][kind]
	ids := make([]string, 0, len(slot))
	for id := range slot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*MonitoredItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, slot[id])
	}
	return out
}

// Len returns the total number of registered items.
func (h *HardwareMonitor) Len() int {
	n := 0
	for _, kinds := range h.items {
		for _, slot := range kinds {
			n += len(slot)
		}
	}
	return n
}

func sortedKeys[K ~int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
