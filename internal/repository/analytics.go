package repository

import (
	"context"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
)

// AnalyticsRepository layers metric-specific queries on top of the
// generic core, grounded on original_source's
// persistence/repositories/analytics.py.
type AnalyticsRepository struct {
	*Repository[*models.Analytics]
}

// NewAnalyticsRepository constructs an AnalyticsRepository backed by db.
func NewAnalyticsRepository(db *sqlx.DB) *AnalyticsRepository {
	return &AnalyticsRepository{Repository: New[*models.Analytics](db, "analytics")}
}

// ListByMetric returns analytics rows for metricName whose period_start is
// at or after from and whose period_end is at or before to.
func (r *AnalyticsRepository) ListByMetric(ctx context.Context, metricName string, from, to time.Time, opts ListOptions) ([]*models.Analytics, error) {
	opts.OrderBy, opts.OrderDesc = "period_start", false
	return r.List(ctx, Filter{
		"metric_name":  metricName,
		"period_start": map[string]any{"gte": from},
		"period_end":   map[string]any{"lte": to},
	}, opts)
}

// LatestMetrics returns the single most recent row for each distinct
// metric_name, scoped to deviceID when non-empty.
func (r *AnalyticsRepository) LatestMetrics(ctx context.Context, deviceID string) ([]*models.Analytics, error) {
	query := `SELECT ` + joinColumns(r.Columns()) + ` FROM analytics a1
		WHERE is_deleted = false
		AND period_start = (
			SELECT MAX(a2.period_start) FROM analytics a2
			WHERE a2.metric_name = a1.metric_name AND a2.is_deleted = false`
	var args []any
	if deviceID != "" {
		query += " AND a2.device_id = ?"
		args = append(args, deviceID)
	}
	query += ")"
	if deviceID != "" {
		query += " AND a1.device_id = ?"
		args = append(args, deviceID)
	}
	var out []*models.Analytics
	if err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query), args...); err != nil {
		return nil, &errs.Repository{Op: "analytics_latest", Cause: err}
	}
	return out, nil
}

// TrendPoint is one value in a metric's time series.
type TrendPoint struct {
	PeriodStart time.Time `db:"period_start"`
	Value       *float64  `db:"value"`
}

// Trend returns the chronological value series for metricName.
func (r *AnalyticsRepository) Trend(ctx context.Context, metricName string, from, to time.Time) ([]TrendPoint, error) {
	query := `SELECT period_start, value FROM analytics
		WHERE metric_name = ? AND period_start >= ? AND period_start < ? AND is_deleted = false
		ORDER BY period_start ASC`
	var out []TrendPoint
	if err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query), metricName, from, to); err != nil {
		return nil, &errs.Repository{Op: "analytics_trend", Cause: err}
	}
	return out, nil
}

// Summary returns avg/min/max/count over metricName's value column within
// [from, to).
func (r *AnalyticsRepository) Summary(ctx context.Context, metricName string, from, to time.Time) (map[string]any, error) {
	var avg, min, max *float64
	var count int64
	row := r.DB().QueryRowxContext(ctx, r.DB().Rebind(
		`SELECT AVG(value), MIN(value), MAX(value), COUNT(*) FROM analytics
		 WHERE metric_name = ? AND period_start >= ? AND period_start < ? AND is_deleted = false`),
		metricName, from, to)
	if err := row.Scan(&avg, &min, &max, &count); err != nil {
		return nil, &errs.Repository{Op: "analytics_summary", Cause: err}
	}
	return map[string]any{"avg": avg, "min": min, "max": max, "count": count}, nil
}

// Cleanup hard-deletes rows with period_end before olderThan.
func (r *AnalyticsRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.DB().ExecContext(ctx, r.DB().Rebind("DELETE FROM analytics WHERE period_end < ?"), olderThan)
	if err != nil {
		return 0, &errs.Repository{Op: "analytics_cleanup", Cause: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}
