package stress

import "codeberg.org/mutker/gst/internal/errors"

const (
	ErrToolNotFound     = errors.ErrorCode("stress_tool_not_found")
	ErrStartFailed      = errors.ErrorCode("stress_start_failed")
	ErrTempDir          = errors.ErrorCode("stress_temp_dir_failed")
	ErrUnknownProfile   = errors.ErrorCode("stress_unknown_profile")
	ErrTerminateFailed  = errors.ErrorCode("stress_terminate_failed")
	ErrMetricsMalformed = errors.ErrorCode("stress_metrics_malformed")
)
