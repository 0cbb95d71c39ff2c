package repository

import (
	"context"
	"testing"
	"time"

	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

const analyticsSchema = `
CREATE TABLE analytics (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMP,
	metadata TEXT,
	analytics_type TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	aggregation TEXT NOT NULL,
	period_start TIMESTAMP NOT NULL,
	period_end TIMESTAMP NOT NULL,
	granularity TEXT,
	scope TEXT,
	device_id TEXT,
	group_id TEXT,
	value REAL,
	count BIGINT,
	percentage REAL,
	min_value REAL,
	max_value REAL,
	avg_value REAL,
	median_value REAL,
	stddev_value REAL,
	sample_count BIGINT,
	units TEXT,
	confidence REAL,
	data_quality REAL,
	payload TEXT
);`

func newTestAnalyticsRepo(t *testing.T) *AnalyticsRepository {
	t.Helper()
	db, err := sqlx.Connect("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(analyticsSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewAnalyticsRepository(db)
}

func seedAnalytics(t *testing.T, repo *AnalyticsRepository, mutate func(*models.Analytics)) *models.Analytics {
	t.Helper()
	start := time.Now().UTC().Add(-time.Hour)
	a := &models.Analytics{
		AnalyticsType: "metric",
		MetricName:    "cpu_usage",
		Aggregation:   models.AggAvg,
		PeriodStart:   start,
		PeriodEnd:     start.Add(time.Hour),
	}
	if mutate != nil {
		mutate(a)
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestAnalyticsRepositoryListByMetricFiltersByWindow(t *testing.T) {
	repo := newTestAnalyticsRepo(t)
	from := time.Now().UTC().Add(-2 * time.Hour)
	to := time.Now().UTC().Add(2 * time.Hour)

	inWindow := seedAnalytics(t, repo, nil)
	seedAnalytics(t, repo, func(a *models.Analytics) { a.MetricName = "memory_usage" })

	out, err := repo.ListByMetric(context.Background(), "cpu_usage", from, to, ListOptions{})
	if err != nil {
		t.Fatalf("ListByMetric: %v", err)
	}
	if len(out) != 1 || out[0].ID != inWindow.ID {
		t.Fatalf("ListByMetric = %+v, want only %s", out, inWindow.ID)
	}
}

func TestAnalyticsRepositoryLatestMetricsScopesToDevice(t *testing.T) {
	repo := newTestAnalyticsRepo(t)
	dev := "dev-1"
	older := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-time.Hour)

	seedAnalytics(t, repo, func(a *models.Analytics) {
		a.DeviceID = &dev
		a.PeriodStart = older
		a.PeriodEnd = older.Add(time.Hour)
	})
	latest := seedAnalytics(t, repo, func(a *models.Analytics) {
		a.DeviceID = &dev
		a.PeriodStart = newer
		a.PeriodEnd = newer.Add(time.Hour)
	})

	out, err := repo.LatestMetrics(context.Background(), dev)
	if err != nil {
		t.Fatalf("LatestMetrics: %v", err)
	}
	if len(out) != 1 || out[0].ID != latest.ID {
		t.Fatalf("LatestMetrics = %+v, want only %s", out, latest.ID)
	}
}

func TestAnalyticsRepositoryTrendOrdersChronologically(t *testing.T) {
	repo := newTestAnalyticsRepo(t)
	base := time.Now().UTC().Add(-3 * time.Hour)

	seedAnalytics(t, repo, func(a *models.Analytics) {
		a.PeriodStart = base.Add(2 * time.Hour)
		a.PeriodEnd = a.PeriodStart.Add(time.Hour)
		a.Value = f64(2)
	})
	seedAnalytics(t, repo, func(a *models.Analytics) {
		a.PeriodStart = base
		a.PeriodEnd = a.PeriodStart.Add(time.Hour)
		a.Value = f64(1)
	})

	points, err := repo.Trend(context.Background(), "cpu_usage", base.Add(-time.Hour), base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len(points) = %d, want 2", len(points))
	}
	if *points[0].Value != 1 || *points[1].Value != 2 {
		t.Errorf("Trend not chronologically ordered: %+v", points)
	}
}

func TestAnalyticsRepositorySummary(t *testing.T) {
	repo := newTestAnalyticsRepo(t)
	from := time.Now().UTC().Add(-2 * time.Hour)
	to := time.Now().UTC().Add(2 * time.Hour)

	seedAnalytics(t, repo, func(a *models.Analytics) { a.Value = f64(10) })
	seedAnalytics(t, repo, func(a *models.Analytics) { a.Value = f64(30) })

	stats, err := repo.Summary(context.Background(), "cpu_usage", from, to)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if stats["count"] != int64(2) {
		t.Errorf("count = %v, want 2", stats["count"])
	}
	if *stats["avg"].(*float64) != 20 {
		t.Errorf("avg = %v, want 20", *stats["avg"].(*float64))
	}
}

func TestAnalyticsRepositoryCleanup(t *testing.T) {
	repo := newTestAnalyticsRepo(t)
	cutoff := time.Now().UTC()
	seedAnalytics(t, repo, func(a *models.Analytics) {
		a.PeriodStart = cutoff.Add(-2 * time.Hour)
		a.PeriodEnd = cutoff.Add(-time.Hour)
	})
	keep := seedAnalytics(t, repo, func(a *models.Analytics) {
		a.PeriodStart = cutoff.Add(time.Hour)
		a.PeriodEnd = cutoff.Add(2 * time.Hour)
	})

	n, err := repo.Cleanup(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
	remaining, err := repo.List(context.Background(), nil, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != keep.ID {
		t.Fatalf("remaining = %+v, want only %s", remaining, keep.ID)
	}
}
