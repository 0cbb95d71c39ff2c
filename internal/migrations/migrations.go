// Package migrations implements the MigrationEngine (§4.G): schema
// revision tracking, apply/rollback, and a backup-before-migrate safety
// layer, grounded on original_source's
// persistence/migrations/{manager,migrator,validators}.py and wrapping
// github.com/pressly/goose/v3 for the revision bookkeeping itself rather
// than reimplementing Alembic's graph walk by hand.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

// Revision describes one migration file discovered on the filesystem,
// matching original_source's get_migration_history() shape.
type Revision struct {
	Version     int64
	Name        string
	AppliedAt   *time.Time
	Source      string
}

// Engine wraps a goose provider over a single *sql.DB/dialect pair.
type Engine struct {
	db      *sql.DB
	dialect string
	dir     string
	fsys    fs.FS
}

// New constructs an Engine for db using the migration files under dir (or
// embedded in fsys, when set, for distribution as a single binary).
// dialect is "sqlite3" or "postgres" as goose expects.
func New(db *sql.DB, dialect, dir string, fsys fs.FS) (*Engine, error) {
	if err := goose.SetDialect(dialect); err != nil {
		return nil, &errs.Migration{Op: "set_dialect", Cause: err}
	}
	if fsys != nil {
		goose.SetBaseFS(fsys)
	} else {
		goose.SetBaseFS(nil)
	}
	return &Engine{db: db, dialect: dialect, dir: dir, fsys: fsys}, nil
}

// NewEmbedded constructs an Engine backed by a compiled-in embed.FS, used
// by the fleetcored binary so migrations ship inside the executable.
func NewEmbedded(db *sql.DB, dialect string, migrationFS embed.FS, dir string) (*Engine, error) {
	return New(db, dialect, dir, migrationFS)
}

// ApplyAll applies every pending migration (goose "up").
func (e *Engine) ApplyAll(ctx context.Context) error {
	if err := goose.UpContext(ctx, e.db, e.dir); err != nil {
		return &errs.Migration{Op: "apply_all", Cause: err}
	}
	return nil
}

// ApplyTo applies migrations up to and including targetVersion.
func (e *Engine) ApplyTo(ctx context.Context, targetVersion int64) error {
	if err := goose.UpToContext(ctx, e.db, e.dir, targetVersion); err != nil {
		return &errs.Migration{Op: "apply_to", Cause: err}
	}
	return nil
}

// RollbackOne reverts the most recently applied migration (goose "down").
func (e *Engine) RollbackOne(ctx context.Context) error {
	if err := goose.DownContext(ctx, e.db, e.dir); err != nil {
		return &errs.Migration{Op: "rollback_one", Cause: err}
	}
	return nil
}

// RollbackTo reverts migrations down to and including targetVersion+1,
// leaving the database at targetVersion.
func (e *Engine) RollbackTo(ctx context.Context, targetVersion int64) error {
	if err := goose.DownToContext(ctx, e.db, e.dir, targetVersion); err != nil {
		return &errs.Migration{Op: "rollback_to", Cause: err}
	}
	return nil
}

// CurrentVersion returns the database's current applied revision.
func (e *Engine) CurrentVersion(ctx context.Context) (int64, error) {
	v, err := goose.GetDBVersionContext(ctx, e.db)
	if err != nil {
		return 0, &errs.Migration{Op: "current_version", Cause: err}
	}
	return v, nil
}

// PendingMigrations lists revisions not yet applied, in ascending order.
func (e *Engine) PendingMigrations(ctx context.Context) ([]Revision, error) {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	all, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Revision
	for _, r := range all {
		if r.Version > current {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// History returns every known migration, applied or not.
func (e *Engine) History(ctx context.Context) ([]Revision, error) {
	migrations, err := goose.CollectMigrations(e.dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, &errs.Migration{Op: "history", Cause: err}
	}

	applied := map[int64]time.Time{}
	rows, err := e.db.QueryContext(ctx, "SELECT version_id, tstamp FROM goose_db_version")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var v int64
			var ts time.Time
			if scanErr := rows.Scan(&v, &ts); scanErr == nil {
				applied[v] = ts
			}
		}
	}

	out := make([]Revision, 0, len(migrations))
	for _, m := range migrations {
		rev := Revision{Version: m.Version, Name: filepath.Base(m.Source), Source: m.Source}
		if ts, ok := applied[m.Version]; ok {
			t := ts
			rev.AppliedAt = &t
		}
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ValidateSchema performs a lightweight reflect-and-compare check: every
// table named in wantTables must exist. A full column-level diff (as
// original_source's validate_schema performs against SQLAlchemy metadata)
// is not reproducible without an ORM layer describing the expected
// columns; the table-existence check is the portion of that invariant
// this engine can enforce directly against information_schema/sqlite_master.
func (e *Engine) ValidateSchema(ctx context.Context, wantTables []string) (bool, []string) {
	var issues []string
	existing := map[string]bool{}

	var query string
	switch e.dialect {
	case "sqlite3", "sqlite":
		query = "SELECT name FROM sqlite_master WHERE type = 'table'"
	default:
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'"
	}

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return false, []string{fmt.Sprintf("schema introspection failed: %v", err)}
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			existing[strings.ToLower(name)] = true
		}
	}

	for _, t := range wantTables {
		if !existing[strings.ToLower(t)] {
			issues = append(issues, fmt.Sprintf("missing table: %s", t))
		}
	}
	return len(issues) == 0, issues
}

// DatabaseMigrator layers the backup-before-migrate safety check on top
// of an Engine, matching original_source's backup_database plus the
// apply_migrations call sequence in its CLI entrypoint.
type DatabaseMigrator struct {
	Engine     *Engine
	DatabaseURL string
	BackupDir   string
}

// SafeApplyAll backs up an embedded (sqlite) database before applying all
// pending migrations. If the apply fails, it restores the live database
// file from that backup before returning, so a corrupt migration leaves
// the database exactly where it started rather than half-applied;
// the failure is reported with the backup path that was restored from
// (errs.Migration.BackupPath). Networked engines log that file-copy
// backup isn't applicable and rely on the operator's own point-in-time
// recovery, matching original_source's "Backup not implemented for this
// database type" fallback for non-sqlite URLs.
func (m *DatabaseMigrator) SafeApplyAll(ctx context.Context) error {
	var backupPath string
	if strings.HasPrefix(m.DatabaseURL, "sqlite") {
		path, err := m.backupSQLite()
		if err != nil {
			return &errs.Migration{Op: "backup", Cause: err}
		}
		backupPath = path
	} else {
		log.Warn().Msg("backup not implemented for this database type, proceeding without a pre-migration snapshot")
	}

	if err := m.Engine.ApplyAll(ctx); err != nil {
		if backupPath == "" {
			return &errs.Migration{Op: "apply_all", Cause: err}
		}
		if restoreErr := m.restoreSQLite(backupPath); restoreErr != nil {
			return &errs.Migration{Op: "apply_all_restore", BackupPath: backupPath, Cause: fmt.Errorf("apply failed (%w) and restore failed: %v", err, restoreErr)}
		}
		log.Error().Err(err).Str("backup_path", backupPath).Msg("migration failed, database restored from pre-migration backup")
		return &errs.Migration{Op: "apply_all", BackupPath: backupPath, Cause: err}
	}
	return nil
}

// sqlitePath strips the sqlite:// / sqlite:/// URL prefix from
// m.DatabaseURL, leaving a plain filesystem path.
func (m *DatabaseMigrator) sqlitePath() string {
	path := strings.TrimPrefix(m.DatabaseURL, "sqlite:///")
	return strings.TrimPrefix(path, "sqlite://")
}

// backupSQLite copies the live database file into BackupDir, returning
// the backup's path. Returns an empty path (no error) when the database
// file doesn't exist yet, matching the original's "nothing to back up on
// a brand-new install" behavior.
func (m *DatabaseMigrator) backupSQLite() (string, error) {
	path := m.sqlitePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}

	if err := os.MkdirAll(m.BackupDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(m.BackupDir, fmt.Sprintf("backup_%s.db", time.Now().UTC().Format("20060102_150405")))

	if err := copyFile(path, dst); err != nil {
		return "", err
	}
	log.Info().Str("backup_path", dst).Msg("pre-migration backup created")
	return dst, nil
}

// restoreSQLite overwrites the live database file with backupPath's
// contents.
func (m *DatabaseMigrator) restoreSQLite(backupPath string) error {
	return copyFile(backupPath, m.sqlitePath())
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}
	return out.Sync()
}
