package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun(id string, started time.Time) *model.StressResult {
	return &model.StressResult{
		ID:               id,
		Profile:          "benchmark",
		StartedAt:        started,
		FinishedAt:       started.Add(9 * time.Second),
		Successful:       true,
		ExitCode:         0,
		Stderr:           "stress-ng: info: successful run completed",
		HasMetrics:       true,
		Elapsed:          8*time.Second + 250*time.Millisecond,
		BogoOps:          123456,
		BogoOpsPerSecond: 15432.5,
	}
}

func TestDisabledJournal(t *testing.T) {
	j, err := NewService(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, j.Enabled())

	require.NoError(t, j.Record(context.Background(), sampleRun("a", time.Now())))
	runs, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, j.Close())
}

func TestEnabledJournalRequiresPath(t *testing.T) {
	_, err := NewService(Config{Enabled: true})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidDBPath))
}

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := NewService(Config{Enabled: true, DBPath: path})
	require.NoError(t, err)
	assert.True(t, j.Enabled())

	base := time.UnixMilli(1_700_000_000_000)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, sampleRun("first", base)))
	require.NoError(t, j.Record(ctx, sampleRun("second", base.Add(time.Minute))))

	terminated := sampleRun("third", base.Add(2*time.Minute))
	terminated.Successful, terminated.Terminated, terminated.HasMetrics = false, true, false
	terminated.ExitCode = -1
	require.NoError(t, j.Record(ctx, terminated))

	runs, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "third", runs[0].ID)
	assert.True(t, runs[0].Terminated)
	assert.Equal(t, -1, runs[0].ExitCode)
	assert.Equal(t, "second", runs[1].ID)

	second := runs[1]
	want := sampleRun("second", base.Add(time.Minute))
	assert.True(t, want.StartedAt.Equal(second.StartedAt))
	assert.True(t, want.FinishedAt.Equal(second.FinishedAt))
	assert.Equal(t, want.Elapsed, second.Elapsed)
	assert.Equal(t, want.BogoOps, second.BogoOps)
	assert.Equal(t, want.BogoOpsPerSecond, second.BogoOpsPerSecond)
	assert.Equal(t, want.Stderr, second.Stderr)

	// Duplicate ids are rejected by the primary key
	assert.True(t, errors.HasCode(j.Record(ctx, sampleRun("first", base)), ErrTransactionFailed))
	assert.True(t, errors.HasCode(j.Record(ctx, &model.StressResult{}), ErrInvalidResult))

	require.NoError(t, j.Close())

	// Reopening keeps the data
	j, err = NewService(Config{Enabled: true, DBPath: path})
	require.NoError(t, err)
	defer j.Close()

	runs, err = j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestSchemaMigrationBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
        CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
        INSERT INTO schema_versions VALUES (0, 'never');
        INSERT INTO schema_versions VALUES (99, datetime('now'));
        CREATE TABLE stress_runs (id TEXT PRIMARY KEY);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := NewRepository(Config{Enabled: true, DBPath: path}, logger.New("journal"))
	require.NoError(t, err)
	defer repo.Close()

	backups, err := os.ReadDir(filepath.Join(dir, backupDirName))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "journal_v99_")

	require.NoError(t, repo.Insert(context.Background(), sampleRun("after-migration", time.Now())))
}
