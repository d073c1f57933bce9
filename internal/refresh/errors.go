package refresh

import "codeberg.org/mutker/gst/internal/errors"

const (
	ErrClosed   = errors.ErrorCode("refresh_closed")
	ErrNoRunner = errors.ErrorCode("refresh_no_stress_runner")
)
