// Package journal records completed stress runs in a sqlite database so
// benchmark outcomes can be compared across sessions.
package journal

import (
	"context"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopJournal struct{}

// NewService opens the journal described by cfg, or returns a no-op
// journal when it is disabled.
func NewService(cfg Config) (Journal, error) {
	errFactory := errors.New()
	log := logger.New("journal")

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Journal disabled, using no-op journal")
		return &noopJournal{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo, cfg: cfg}, nil
}

func (s *service) Record(ctx context.Context, result *model.StressResult) error {
	errFactory := errors.New()

	if result == nil || result.ID == "" {
		return errFactory.New(ErrInvalidResult)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Insert(ctx, result)
}

func (s *service) Recent(ctx context.Context, limit int) ([]*model.StressResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.repo.Recent(ctx, limit)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*service) Enabled() bool { return true }

func (*noopJournal) Record(context.Context, *model.StressResult) error { return nil }

func (*noopJournal) Recent(context.Context, int) ([]*model.StressResult, error) { return nil, nil }

func (*noopJournal) Close() error { return nil }

func (*noopJournal) Enabled() bool { return false }
