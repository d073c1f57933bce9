package sensors

import "codeberg.org/mutker/gst/internal/errors"

const (
	ErrNoHwmon   = errors.ErrSourceUnavailable
	ErrReadHwmon = errors.ErrorCode("sensors_read_failed")
)
