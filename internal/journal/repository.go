package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

// NewRepository opens the sqlite database at cfg.DBPath, migrating its
// schema when needed.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Journal repository initialized")

	return &repository{db: db, logger: log, cfg: cfg}, nil
}

func (r *repository) Insert(ctx context.Context, res *model.StressResult) error {
	errFactory := errors.New()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	_, err = tx.ExecContext(ctx, insertRunSQL,
		res.ID,
		res.Profile,
		res.StartedAt.UnixMilli(),
		res.FinishedAt.UnixMilli(),
		boolToInt(res.Successful),
		boolToInt(res.Terminated),
		res.ExitCode,
		res.Stderr,
		boolToInt(res.HasMetrics),
		res.Elapsed.Nanoseconds(),
		int64(res.BogoOps),
		res.BogoOpsPerSecond,
	)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Str("run_id", res.ID).Msg("Recorded stress run")
	return nil
}

func (r *repository) Recent(ctx context.Context, limit int) ([]*model.StressResult, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []*model.StressResult
	for rows.Next() {
		var (
			res                                model.StressResult
			started, finished, elapsed, ops    int64
			successful, terminated, hasMetrics int
		)
		err := rows.Scan(
			&res.ID, &res.Profile,
			&started, &finished,
			&successful, &terminated, &res.ExitCode, &res.Stderr,
			&hasMetrics, &elapsed, &ops, &res.BogoOpsPerSecond,
		)
		if err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}

		res.StartedAt = time.UnixMilli(started)
		res.FinishedAt = time.UnixMilli(finished)
		res.Successful = successful == 1
		res.Terminated = terminated == 1
		res.HasMetrics = hasMetrics == 1
		res.Elapsed = time.Duration(elapsed)
		res.BogoOps = uint64(ops)
		out = append(out, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Journal repository closed")
	return nil
}
