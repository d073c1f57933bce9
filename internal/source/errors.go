package source

import "codeberg.org/mutker/gst/internal/errors"

const (
	ErrUnavailable      = errors.ErrSourceUnavailable
	ErrMalformed        = errors.ErrSourceMalformed
	ErrToolNotAvailable = errors.ErrToolNotAvailable
	ErrToolFailed       = errors.ErrToolFailed
	ErrReadFailed       = errors.ErrorCode("source_read_failed")
	ErrNVMLInit         = errors.ErrorCode("source_nvml_init_failed")
	ErrNVMLDevice       = errors.ErrorCode("source_nvml_device_failed")
)
