package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
)

const dmiSysfsName = "dmi"

// SysfsDMI reads board identification strings from the DMI id directory.
// Each file is best effort; root-only files such as board_serial are
// skipped for unprivileged users.
type SysfsDMI struct {
	mu  sync.Mutex
	dir string
	log logger.Logger
}

func NewSysfsDMI(sysRoot string) *SysfsDMI {
	dir := filepath.Join(sysRoot, "devices/virtual/dmi/id")
	return &SysfsDMI{
		dir: dir,
		log: logger.New("source." + dmiSysfsName).With("path", dir),
	}
}

func (*SysfsDMI) Name() string { return dmiSysfsName }

func (d *SysfsDMI) Refresh(_ context.Context, info *model.SystemInfo) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !exists(d.dir) {
		d.log.Warn().Msg("dmi id directory not found")
		return unavailable(dmiSysfsName, errors.New().WithMessage(ErrUnavailable, d.dir+" not found"))
	}

	type reading struct {
		field model.MoboField
		value string
	}
	var readings []reading
	for _, f := range model.MoboFields {
		value, err := readTrimmed(filepath.Join(d.dir, f.File))
		if err != nil {
			if !os.IsNotExist(err) && !os.IsPermission(err) {
				d.log.Debug().Err(err).Str("file", f.File).Msg("dmi field unreadable")
			}
			continue
		}
		// An empty file never clears a known value
		if value == "" {
			continue
		}
		readings = append(readings, reading{field: f, value: value})
	}

	err := info.Update(func(s *model.SystemInfo) error {
		for _, r := range readings {
			r.field.Set(&s.Mobo, r.value)
		}
		return nil
	})
	if err != nil {
		return failed(dmiSysfsName, err)
	}

	return succeeded(dmiSysfsName)
}
