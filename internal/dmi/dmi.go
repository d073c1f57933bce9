// Package dmi parses the text output of dmidecode into typed records.
//
// The input is a sequence of blank-line separated records:
//
//	Handle 0x0040, DMI type 17, 92 bytes
//	Memory Device
//		Locator: DIMM_A1
//		Flags:
//			Synchronous
//			Unbuffered (Unregistered)
//
// A line "\tkey: value" stores a field. A line "\tkey:" opens a block whose
// "\t\t" lines are joined with a tab into the value of key.
package dmi

import (
	"regexp"
	"strconv"
	"strings"
)

// Type is an SMBIOS structure type code.
type Type int

const (
	TypeBIOS               Type = 0
	TypeSystem             Type = 1
	TypeBaseboard          Type = 2
	TypeChassis            Type = 3
	TypeProcessor          Type = 4
	TypeCache              Type = 7
	TypePhysicalMemory     Type = 16
	TypeMemoryDevice       Type = 17
	TypeMemoryArrayAddress Type = 19
)

var handleRe = regexp.MustCompile(`^Handle\s+(.+),\s+DMI\s+type\s+(\d+),\s+(\d+)\s+bytes$`)

// minRecordLines is header + name + at least one field.
const minRecordLines = 3

// Record is one parsed structure.
type Record struct {
	Handle string
	Type   Type
	Size   int
	Name   string
	Fields map[string]string
	keys   []string
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (string, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Keys returns field names in the order they appeared.
func (r *Record) Keys() []string {
	return r.keys
}

func (r *Record) set(key, value string) {
	if _, ok := r.Fields[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.Fields[key] = value
}

// Table holds parsed records keyed by handle, remembering encounter order.
type Table struct {
	records map[string]*Record
	order   []string
}

// Parse reads every well-formed record of text. Records without a valid
// header or with fewer than three lines are skipped.
func Parse(text string) *Table {
	t := &Table{records: make(map[string]*Record)}

	for _, block := range splitRecords(text) {
		if rec := parseRecord(block); rec != nil {
			t.add(rec)
		}
	}

	return t
}

// ByType returns the records of type typ in encounter order.
func (t *Table) ByType(typ Type) []*Record {
	var out []*Record
	for _, h := range t.order {
		if rec := t.records[h]; rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}

// Handle returns the record with the given handle, or nil.
func (t *Table) Handle(handle string) *Record {
	return t.records[handle]
}

// Len returns the number of parsed records.
func (t *Table) Len() int {
	return len(t.order)
}

func (t *Table) add(rec *Record) {
	if _, ok := t.records[rec.Handle]; !ok {
		t.order = append(t.order, rec.Handle)
	}
	t.records[rec.Handle] = rec
}

func splitRecords(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		blocks  [][]string
		current []string
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}

	return blocks
}

func parseRecord(lines []string) *Record {
	if len(lines) < minRecordLines {
		return nil
	}

	m := handleRe.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if m == nil {
		return nil
	}
	typ, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	size, err := strconv.Atoi(m[3])
	if err != nil {
		return nil
	}

	rec := &Record{
		Handle: m[1],
		Type:   Type(typ),
		Size:   size,
		Name:   strings.TrimSpace(lines[1]),
		Fields: make(map[string]string),
	}

	var (
		blockKey   string
		blockLines []string
	)
	flush := func() {
		if blockKey != "" {
			rec.set(blockKey, strings.Join(blockLines, "\t"))
		}
		blockKey, blockLines = "", nil
	}

	for _, line := range lines[2:] {
		if blockKey != "" {
			if strings.HasPrefix(line, "\t\t") {
				blockLines = append(blockLines, strings.TrimSpace(line))
				continue
			}
			// Any other line closes the block and is scanned normally
			flush()
		}

		if !strings.HasPrefix(line, "\t") {
			continue
		}
		body := strings.TrimSpace(line)

		if key, value, ok := strings.Cut(body, ": "); ok {
			rec.set(strings.TrimSpace(key), strings.TrimSpace(value))
			continue
		}
		if key, ok := strings.CutSuffix(body, ":"); ok && key != "" {
			blockKey = key
		}
	}
	flush()

	return rec
}
