package journal

import (
	"context"

	"codeberg.org/mutker/gst/internal/model"
)

// Journal keeps completed stress runs.
type Journal interface {
	Record(ctx context.Context, result *model.StressResult) error
	// Recent returns up to limit runs, newest first.
	Recent(ctx context.Context, limit int) ([]*model.StressResult, error)
	Close() error
	Enabled() bool
}

// Repository defines the storage behind an enabled Journal
type Repository interface {
	Insert(ctx context.Context, result *model.StressResult) error
	Recent(ctx context.Context, limit int) ([]*model.StressResult, error)
	Close() error
}
