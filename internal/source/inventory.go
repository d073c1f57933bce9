package source

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/gst/internal/dmi"
	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"golang.org/x/sys/unix"
)

const inventoryName = "inventory"

// unknownValue is what dmidecode prints for fields the firmware left blank.
const unknownValue = "Unknown"

// CommandRunner runs an external command to completion. A non-zero exit
// is reported through exitCode with a nil error.
type CommandRunner interface {
	Run(name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, []byte, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return nil, nil, -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// Inventory runs dmidecode, elevating through a privilege helper when not
// root, and replaces the memory bank list with the memory devices found.
// The call is not interruptible once started.
type Inventory struct {
	mu       sync.Mutex
	binary   string
	helper   string
	runner   CommandRunner
	lookPath func(string) (string, error)
	geteuid  func() int
	log      logger.Logger
}

// InventoryOption customises an Inventory.
type InventoryOption func(*Inventory)

// WithCommandRunner replaces the process runner.
func WithCommandRunner(r CommandRunner) InventoryOption {
	return func(i *Inventory) { i.runner = r }
}

// WithLookPath replaces executable resolution.
func WithLookPath(fn func(string) (string, error)) InventoryOption {
	return func(i *Inventory) { i.lookPath = fn }
}

// WithEUID replaces the effective uid check.
func WithEUID(fn func() int) InventoryOption {
	return func(i *Inventory) { i.geteuid = fn }
}

func NewInventory(binary, helper string, opts ...InventoryOption) *Inventory {
	inv := &Inventory{
		binary:   binary,
		helper:   helper,
		runner:   execRunner{},
		lookPath: exec.LookPath,
		geteuid:  unix.Geteuid,
		log:      logger.New("source." + inventoryName),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (*Inventory) Name() string { return inventoryName }

func (inv *Inventory) Refresh(_ context.Context, info *model.SystemInfo) Result {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	errFactory := errors.New()

	path, err := inv.lookPath(inv.binary)
	if err != nil {
		inv.log.Warn().Str("binary", inv.binary).Msg("dmidecode not found")
		return unavailable(inventoryName, errFactory.Wrap(ErrToolNotAvailable, err))
	}

	name, args := path, []string(nil)
	if inv.geteuid() != 0 && inv.helper != "" {
		if helper, err := inv.lookPath(inv.helper); err == nil {
			name, args = helper, []string{path}
		} else {
			inv.log.Warn().Str("helper", inv.helper).Msg("privilege helper not found, running unprivileged")
		}
	}

	stdout, stderr, code, err := inv.runner.Run(name, args...)
	if err != nil {
		return failed(inventoryName, errFactory.Wrap(ErrToolFailed, err))
	}
	inv.log.Debug().Int("exit_code", code).Msg("dmidecode finished")
	if code != 0 {
		inv.log.Error().Int("exit_code", code).Str("stderr", strings.TrimSpace(string(stderr))).Msg("dmidecode failed")
		return failed(inventoryName, errFactory.WithData(ErrToolFailed, struct {
			ExitCode int
			Stderr   string
		}{
			ExitCode: code,
			Stderr:   strings.TrimSpace(string(stderr)),
		}))
	}

	table := dmi.Parse(string(stdout))
	banks := MemoryBanks(table)
	packages := processorPackages(table)

	err = info.Update(func(s *model.SystemInfo) error {
		if len(banks) > 0 {
			s.MemoryBanks = banks
		}
		for _, pkg := range packages {
			s.Topology.Each(func(_ int, p *model.Processor) {
				family, mdl, stepping, ok := p.Signature()
				if ok && family == pkg.family && mdl == pkg.model && stepping == pkg.stepping {
					name := pkg.name
					p.Package = &name
				}
			})
		}
		return nil
	})
	if err != nil {
		return failed(inventoryName, err)
	}

	inv.log.Info().Int("memory_banks", len(banks)).Msg("inventory refreshed")
	return succeeded(inventoryName)
}

// MemoryBanks builds the bank list from memory device records, in table
// order.
func MemoryBanks(table *dmi.Table) []model.MemoryBank {
	var banks []model.MemoryBank
	for _, rec := range table.ByType(dmi.TypeMemoryDevice) {
		banks = append(banks, model.MemoryBank{
			Locator:      field(rec, "Locator"),
			BankLocator:  field(rec, "Bank Locator"),
			Type:         field(rec, "Type"),
			TypeDetail:   field(rec, "Type Detail"),
			Size:         field(rec, "Size"),
			Speed:        field(rec, "Speed"),
			Rank:         field(rec, "Rank"),
			Manufacturer: field(rec, "Manufacturer"),
			PartNumber:   field(rec, "Part Number"),
		})
	}
	return banks
}

type processorPackage struct {
	name                    string
	family, model, stepping int
}

// processorPackages pairs each processor record's socket with its
// signature, "Type 0, Family 6, Model 158, Stepping 10".
func processorPackages(table *dmi.Table) []processorPackage {
	var out []processorPackage
	for _, rec := range table.ByType(dmi.TypeProcessor) {
		upgrade := field(rec, "Upgrade")
		signature := field(rec, "Signature")
		if upgrade == "" || signature == "" {
			continue
		}

		pkg := processorPackage{name: upgrade}
		var found int
		for _, part := range strings.Split(signature, ",") {
			words := strings.Fields(strings.ToLower(part))
			if len(words) < 2 {
				continue
			}
			v, err := strconv.Atoi(words[1])
			if err != nil {
				continue
			}
			switch words[0] {
			case "family":
				pkg.family = v
				found++
			case "model":
				pkg.model = v
				found++
			case "stepping":
				pkg.stepping = v
				found++
			}
		}
		if found == 3 {
			out = append(out, pkg)
		}
	}
	return out
}

func field(rec *dmi.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == unknownValue {
		return ""
	}
	return v
}
