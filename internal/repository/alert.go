package repository

import (
	"context"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
)

// AlertRepository layers alert-lifecycle queries on top of the generic
// core, grounded on original_source's
// persistence/repositories/alert.py.
type AlertRepository struct {
	*Repository[*models.Alert]
}

// NewAlertRepository constructs an AlertRepository backed by db.
func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{Repository: New[*models.Alert](db, "alerts")}
}

// ListBySeverity returns alerts at the given severity.
func (r *AlertRepository) ListBySeverity(ctx context.Context, severity models.AlertSeverity, opts ListOptions) ([]*models.Alert, error) {
	opts.OrderBy, opts.OrderDesc = "last_occurred", true
	return r.List(ctx, Filter{"severity": string(severity)}, opts)
}

// ListByStatus returns alerts in the given status.
func (r *AlertRepository) ListByStatus(ctx context.Context, status models.AlertStatus, opts ListOptions) ([]*models.Alert, error) {
	opts.OrderBy, opts.OrderDesc = "last_occurred", true
	return r.List(ctx, Filter{"status": string(status)}, opts)
}

// ListOpen returns every alert in an open-ish state (open/acknowledged/in_progress).
func (r *AlertRepository) ListOpen(ctx context.Context, opts ListOptions) ([]*models.Alert, error) {
	opts.OrderBy, opts.OrderDesc = "priority", true
	return r.List(ctx, Filter{"status": []any{
		string(models.AlertStatusOpen), string(models.AlertStatusAcknowledged), string(models.AlertStatusInProgress),
	}}, opts)
}

// ListCritical returns open critical-severity alerts.
func (r *AlertRepository) ListCritical(ctx context.Context, opts ListOptions) ([]*models.Alert, error) {
	opts.OrderBy, opts.OrderDesc = "last_occurred", true
	return r.List(ctx, Filter{
		"severity": string(models.SeverityCritical),
		"status":   []any{string(models.AlertStatusOpen), string(models.AlertStatusAcknowledged), string(models.AlertStatusInProgress)},
	}, opts)
}

// ListByDevice returns alerts raised against deviceID.
func (r *AlertRepository) ListByDevice(ctx context.Context, deviceID string, opts ListOptions) ([]*models.Alert, error) {
	opts.OrderBy, opts.OrderDesc = "last_occurred", true
	return r.List(ctx, Filter{"device_id": deviceID}, opts)
}

// ListRecent returns alerts first occurring within the last window.
func (r *AlertRepository) ListRecent(ctx context.Context, window time.Duration, opts ListOptions) ([]*models.Alert, error) {
	opts.OrderBy, opts.OrderDesc = "first_occurred", true
	since := time.Now().UTC().Add(-window)
	return r.List(ctx, Filter{"first_occurred": map[string]any{"gte": since}}, opts)
}

// Statistics returns total/open counts and severity distribution.
func (r *AlertRepository) Statistics(ctx context.Context) (map[string]any, error) {
	total, err := r.Count(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	openCount, err := r.Count(ctx, Filter{"status": []any{
		string(models.AlertStatusOpen), string(models.AlertStatusAcknowledged), string(models.AlertStatusInProgress),
	}}, false)
	if err != nil {
		return nil, err
	}
	severityCounts := map[string]int{}
	rows, err := r.DB().QueryxContext(ctx, "SELECT severity, COUNT(*) FROM alerts WHERE is_deleted = false GROUP BY severity")
	if err != nil {
		return nil, &errs.Repository{Op: "alert_statistics", Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, &errs.Repository{Op: "alert_statistics_scan", Cause: err}
		}
		severityCounts[sev] = count
	}
	return map[string]any{
		"total_alerts":         total,
		"open_alerts":          openCount,
		"severity_distribution": severityCounts,
	}, nil
}
