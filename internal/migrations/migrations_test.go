package migrations

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"database/sql"
)

const upDownMigration = `-- +goose Up
CREATE TABLE widgets (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);

-- +goose Down
DROP TABLE widgets;
`

const secondMigration = `-- +goose Up
ALTER TABLE widgets ADD COLUMN color TEXT;

-- +goose Down
-- sqlite can't drop a column pre-3.35; leave it for the down test to skip.
`

const corruptMigration = `-- +goose Up
ALTER TABLE widgets_that_do_not_exist ADD COLUMN x TEXT;

-- +goose Down
`

func newTestEngine(t *testing.T, files map[string]string) (*Engine, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := New(db, "sqlite3", dir, nil)
	require.NoError(t, err)
	return engine, db
}

func TestEngineApplyAllAndCurrentVersion(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{"00001_widgets.sql": upDownMigration})
	ctx := context.Background()

	version, err := engine.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), version)

	require.NoError(t, engine.ApplyAll(ctx))

	version, err = engine.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
}

func TestEnginePendingMigrations(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"00001_widgets.sql": upDownMigration,
		"00002_color.sql":   secondMigration,
	})
	ctx := context.Background()

	pending, err := engine.PendingMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, engine.ApplyTo(ctx, 1))

	pending, err = engine.PendingMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].Version)
}

func TestEngineHistoryReportsAppliedAt(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{"00001_widgets.sql": upDownMigration})
	ctx := context.Background()

	history, err := engine.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Nil(t, history[0].AppliedAt)

	require.NoError(t, engine.ApplyAll(ctx))

	history, err = engine.History(ctx)
	require.NoError(t, err)
	require.NotNil(t, history[0].AppliedAt)
}

func TestEngineRollbackOne(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{"00001_widgets.sql": upDownMigration})
	ctx := context.Background()

	require.NoError(t, engine.ApplyAll(ctx))
	require.NoError(t, engine.RollbackOne(ctx))

	version, err := engine.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
}

func TestEngineValidateSchema(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{"00001_widgets.sql": upDownMigration})
	ctx := context.Background()
	require.NoError(t, engine.ApplyAll(ctx))

	ok, issues := engine.ValidateSchema(ctx, []string{"widgets"})
	require.True(t, ok)
	require.Empty(t, issues)

	ok, issues = engine.ValidateSchema(ctx, []string{"widgets", "gadgets"})
	require.False(t, ok)
	require.Len(t, issues, 1)
	require.Contains(t, issues[0], "gadgets")
}

func TestDatabaseMigratorSafeApplyAllBacksUpSQLiteFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00001_widgets.sql"), []byte(upDownMigration), 0o644))

	dbPath := filepath.Join(dir, "app.db")
	seed, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	require.NoError(t, seed.Ping())
	require.NoError(t, seed.Close())

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := New(db, "sqlite3", dir, nil)
	require.NoError(t, err)

	backupDir := filepath.Join(dir, "backups")
	migrator := &DatabaseMigrator{
		Engine:      engine,
		DatabaseURL: "sqlite:///" + dbPath,
		BackupDir:   backupDir,
	}
	require.NoError(t, migrator.SafeApplyAll(context.Background()))

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	version, err := engine.CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
}

func TestDatabaseMigratorSafeApplyAllRestoresBackupOnFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00001_widgets.sql"), []byte(upDownMigration), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00002_corrupt.sql"), []byte(corruptMigration), 0o644))

	dbPath := filepath.Join(dir, "app.db")
	seed, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	require.NoError(t, seed.Ping())
	require.NoError(t, seed.Close())

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := New(db, "sqlite3", dir, nil)
	require.NoError(t, err)

	backupDir := filepath.Join(dir, "backups")
	migrator := &DatabaseMigrator{
		Engine:      engine,
		DatabaseURL: "sqlite:///" + dbPath,
		BackupDir:   backupDir,
	}

	err = migrator.SafeApplyAll(context.Background())
	require.Error(t, err)

	var migErr *errs.Migration
	require.ErrorAs(t, err, &migErr)
	require.NotEmpty(t, migErr.BackupPath)
	require.FileExists(t, migErr.BackupPath)

	// Read the restored file through a fresh connection rather than the
	// migrator's own, so the check can't be satisfied by a stale
	// in-process cache.
	verifyDB, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer verifyDB.Close()
	verifyEngine, err := New(verifyDB, "sqlite3", dir, nil)
	require.NoError(t, err)

	version, err := verifyEngine.CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), version, "database should be restored to its pre-migration state")
}

func TestDatabaseMigratorSafeApplyAllSkipsBackupForMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00001_widgets.sql"), []byte(upDownMigration), 0o644))

	db, err := sql.Open("sqlite", filepath.Join(dir, "fresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := New(db, "sqlite3", dir, nil)
	require.NoError(t, err)

	migrator := &DatabaseMigrator{
		Engine:      engine,
		DatabaseURL: "sqlite://" + filepath.Join(dir, "does-not-exist.db"),
		BackupDir:   filepath.Join(dir, "backups"),
	}
	require.NoError(t, migrator.SafeApplyAll(context.Background()))
}
