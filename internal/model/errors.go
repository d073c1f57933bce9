package model

import "codeberg.org/mutker/gst/internal/errors"

const (
	ErrIdentityConflict = errors.ErrIdentityConflict
	ErrInvalidCoreID    = errors.ErrorCode("model_invalid_core_id")
)
