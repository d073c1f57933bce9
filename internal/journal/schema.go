package journal

import (
	"database/sql"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS stress_runs (
	       id                  TEXT PRIMARY KEY,
	       profile             TEXT NOT NULL,
	       started_at          INTEGER NOT NULL CHECK (typeof(started_at) = 'integer'),
	       finished_at         INTEGER NOT NULL CHECK (typeof(finished_at) = 'integer'),
	       successful          INTEGER NOT NULL CHECK (successful IN (0, 1)),
	       terminated          INTEGER NOT NULL CHECK (terminated IN (0, 1)),
	       exit_code           INTEGER NOT NULL,
	       stderr              TEXT NOT NULL,
	       has_metrics         INTEGER NOT NULL CHECK (has_metrics IN (0, 1)),
	       elapsed_ns          INTEGER NOT NULL,
	       bogo_ops            INTEGER NOT NULL,
	       bogo_ops_per_second REAL NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS stress_runs_started_at ON stress_runs (started_at);`

	insertRunSQL = `
    INSERT INTO stress_runs (
        id, profile,
        started_at, finished_at,
        successful, terminated, exit_code, stderr,
        has_metrics, elapsed_ns, bogo_ops, bogo_ops_per_second
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT
        id, profile,
        started_at, finished_at,
        successful, terminated, exit_code, stderr,
        has_metrics, elapsed_ns, bogo_ops, bogo_ops_per_second
    FROM stress_runs
    ORDER BY started_at DESC, id
    LIMIT ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
