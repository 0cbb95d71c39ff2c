package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	fleetconfig "github.com/edgefleetops/fleetcore/internal/config"
	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// driverFor picks the database/sql driver name for a connection URL,
// supporting at least one embedded (sqlite) and one networked (postgres)
// engine, per spec.md §1 Non-goals.
func driverFor(url string) (string, error) {
	switch {
	case len(url) >= 6 && url[:6] == "sqlite":
		return "sqlite", nil
	case len(url) >= 8 && url[:8] == "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("database: unrecognized connection url scheme in %q", url)
	}
}

// sqliteDSN strips the "sqlite://" scheme off cfg.URL for the sqlite
// driver, which expects a bare file path (or ":memory:"/URI DSN), the same
// convention migrations.DatabaseMigrator.backupSQLite uses to recover a
// filesystem path from the same config value. Non-sqlite URLs pass through
// unchanged since lib/pq expects its own scheme intact.
func sqliteDSN(driver, url string) string {
	if driver != "sqlite" {
		return url
	}
	url = strings.TrimPrefix(url, "sqlite:///")
	url = strings.TrimPrefix(url, "sqlite://")
	return url
}

// Manager owns one engine, one session factory, one HealthMonitor, and the
// connection/transaction/error counters, ported from original_source's
// DatabaseManager (persistence/connection/manager.py).
type Manager struct {
	cfg    fleetconfig.DatabaseConfig
	driver string

	mu          sync.RWMutex
	db          *sqlx.DB
	initialized bool

	health  *Monitor
	breaker *gobreaker.CircuitBreaker

	connCount int64
	txCount   int64
	errCount  int64
}

// NewManager constructs a Manager for cfg without opening any connection.
func NewManager(cfg fleetconfig.DatabaseConfig) (*Manager, error) {
	driver, err := driverFor(cfg.URL)
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, driver: driver}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database-probe",
		MaxRequests: 1,
		Timeout:     cfg.HealthCheckInterval.D(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	})
	return m, nil
}

// Initialize is idempotent: constructs the engine using pool parameters; if
// the database is embedded, single-connection discipline is enforced
// instead of pooling; subscribes a HealthMonitor when enabled.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		log.Warn().Msg("database manager already initialized")
		return nil
	}

	dsn := sqliteDSN(m.driver, m.cfg.URL)
	db, err := sqlx.ConnectContext(ctx, m.driver, dsn)
	if err != nil {
		return &errs.Connection{Op: "open", Cause: err}
	}

	if m.cfg.Embedded() {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(m.cfg.PoolSize + m.cfg.MaxOverflow)
		db.SetMaxIdleConns(m.cfg.PoolSize)
		db.SetConnMaxLifetime(m.cfg.PoolRecycle.D())
	}

	m.db = db
	m.health = NewMonitor(&dbProber{m: m}, m.cfg.HealthCheckInterval.D(), m.cfg.HealthCheckTimeout.D(), m.cfg.FailureThreshold)
	if m.cfg.EnableHealthChecks {
		m.health.Start(ctx)
	}

	m.initialized = true
	log.Info().Str("driver", m.driver).Msg("database manager initialized")
	return nil
}

type dbProber struct{ m *Manager }

func (p *dbProber) Probe(ctx context.Context) error {
	_, err := p.m.db.ExecContext(ctx, "SELECT 1")
	if err != nil {
		atomic.AddInt64(&p.m.errCount, 1)
	}
	return err
}

// Shutdown stops the HealthMonitor and disposes the engine.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	if m.health != nil {
		m.health.Stop()
	}
	err := m.db.Close()
	m.initialized = false
	return err
}

// WithSession runs fn with the manager's shared *sqlx.DB handle, counting
// it in the active-connection counter while fn runs; the counter is
// decremented on every exit path. No dedicated connection is checked out,
// so there is nothing to close afterwards.
func (m *Manager) WithSession(ctx context.Context, fn func(ctx context.Context, db *sqlx.DB) error) (err error) {
	m.mu.RLock()
	db := m.db
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return &errs.Connection{Op: "session", Cause: fmt.Errorf("database manager not initialized")}
	}
	atomic.AddInt64(&m.connCount, 1)
	defer atomic.AddInt64(&m.connCount, -1)
	return fn(ctx, db)
}

// WithTransaction runs fn inside a transaction: commits on success, rolls
// back on error or panic, and always decrements the in-flight transaction
// counter (invariant 2 in spec.md §8). Panics are recovered, the
// transaction rolled back, and then re-panicked so callers still observe
// the original failure.
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	m.mu.RLock()
	db := m.db
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return &errs.Connection{Op: "transaction", Cause: fmt.Errorf("database manager not initialized")}
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return &errs.Connection{Op: "begin", Cause: err}
	}

	atomic.AddInt64(&m.txCount, 1)
	defer atomic.AddInt64(&m.txCount, -1)

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			atomic.AddInt64(&m.errCount, 1)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		atomic.AddInt64(&m.errCount, 1)
		return err
	}
	if err := tx.Commit(); err != nil {
		atomic.AddInt64(&m.errCount, 1)
		return &errs.Connection{Op: "commit", Cause: err}
	}
	return nil
}

// Execute runs a raw parameterized query for convenience callers that don't
// need a full session/transaction scope.
func (m *Manager) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		atomic.AddInt64(&m.errCount, 1)
		return nil, &errs.Connection{Op: "execute", Cause: err}
	}
	return res, nil
}

// CheckConnection is a one-shot probe, guarded by a circuit breaker so
// repeated failures fail fast instead of piling up blocked probes.
func (m *Manager) CheckConnection(ctx context.Context) bool {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return false
	}
	_, err := m.breaker.Execute(func() (any, error) {
		_, err := db.ExecContext(ctx, "SELECT 1")
		return nil, err
	})
	return err == nil
}

// TestConnectionWithRetry retries CheckConnection with exponential backoff,
// doubling delay per attempt, bounded to maxRetries+1 attempts total.
func (m *Manager) TestConnectionWithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration) bool {
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if m.CheckConnection(ctx) {
			if attempt > 0 {
				log.Info().Int("attempt", attempt).Msg("connection successful after retries")
			}
			return true
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	log.Error().Int("max_retries", maxRetries).Msg("connection failed after retries")
	return false
}

// RecreateEngine builds a new engine and disposes the old one, used for
// disaster recovery.
func (m *Manager) RecreateEngine(ctx context.Context) error {
	m.mu.Lock()
	old := m.db
	m.initialized = false
	m.mu.Unlock()

	if err := m.Initialize(ctx); err != nil {
		return err
	}
	if old != nil {
		return old.Close()
	}
	return nil
}

// IsHealthy reports whether the manager is initialized and, if a health
// monitor is running, whether it currently reports healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return false
	}
	if m.health != nil {
		return m.health.IsHealthy()
	}
	return m.db != nil
}

// Info returns a structured snapshot of connection/pool/health state for
// observability, matching spec.md §4.C's info().
func (m *Manager) Info() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := map[string]any{
		"database_url":          m.cfg.URL,
		"is_initialized":        m.initialized,
		"connection_count":      atomic.LoadInt64(&m.connCount),
		"transaction_count":     atomic.LoadInt64(&m.txCount),
		"error_count":           atomic.LoadInt64(&m.errCount),
		"pool_size":             m.cfg.PoolSize,
		"max_overflow":          m.cfg.MaxOverflow,
		"health_checks_enabled": m.cfg.EnableHealthChecks,
	}
	if m.db != nil {
		stats := m.db.Stats()
		info["pool_open_connections"] = stats.OpenConnections
		info["pool_in_use"] = stats.InUse
		info["pool_idle"] = stats.Idle
	}
	if m.health != nil {
		info["health_status"] = m.health.Statistics()
	}
	return info
}

// Statistics returns comprehensive counters, matching spec.md §4.C's
// statistics().
func (m *Manager) Statistics() map[string]any {
	stats := map[string]any{
		"connections": map[string]any{
			"total_created":   atomic.LoadInt64(&m.connCount),
			"currently_active": atomic.LoadInt64(&m.txCount),
			"errors":          atomic.LoadInt64(&m.errCount),
		},
		"configuration": map[string]any{
			"pool_size":    m.cfg.PoolSize,
			"max_overflow": m.cfg.MaxOverflow,
			"pool_timeout": m.cfg.PoolTimeout.D().String(),
			"pool_recycle": m.cfg.PoolRecycle.D().String(),
		},
	}
	if m.health != nil {
		stats["health"] = m.health.Statistics()
	}
	return stats
}

// DB exposes the underlying sqlx.DB for the repository layer. It is nil
// until Initialize succeeds.
func (m *Manager) DB() *sqlx.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// Health exposes the underlying HealthMonitor for direct inspection/testing.
func (m *Manager) Health() *Monitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}
