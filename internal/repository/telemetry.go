package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
)

// TelemetryRepository layers time-series specific queries on top of the
// generic core, grounded on original_source's
// persistence/repositories/telemetry.py.
type TelemetryRepository struct {
	*Repository[*models.TelemetryEvent]
}

// NewTelemetryRepository constructs a TelemetryRepository backed by db.
func NewTelemetryRepository(db *sqlx.DB) *TelemetryRepository {
	return &TelemetryRepository{Repository: New[*models.TelemetryEvent](db, "telemetry_events")}
}

// ListByDeviceOptions narrows ListByDevice's time window and event types.
// Zero-value Since/Until skip the corresponding bound; an empty Types
// matches every event name.
type ListByDeviceOptions struct {
	Since time.Time
	Until time.Time
	Types []string
}

// ListByDevice returns events for deviceID, most recent first, optionally
// bounded by since/until and narrowed to specific event names.
func (r *TelemetryRepository) ListByDevice(ctx context.Context, deviceID string, window ListByDeviceOptions, opts ListOptions) ([]*models.TelemetryEvent, error) {
	opts.OrderBy, opts.OrderDesc = "occurred_at", true
	filter := Filter{"device_id": deviceID}
	if !window.Since.IsZero() {
		filter["occurred_at"] = map[string]any{"gte": window.Since}
	}
	if !window.Until.IsZero() {
		if existing, ok := filter["occurred_at"].(map[string]any); ok {
			existing["lt"] = window.Until
		} else {
			filter["occurred_at"] = map[string]any{"lt": window.Until}
		}
	}
	if len(window.Types) > 0 {
		filter["event_name"] = anySlice(window.Types)
	}
	return r.List(ctx, filter, opts)
}

// LatestByDevice returns the single most recent event for deviceID,
// optionally narrowed to a single event name, or nil if none exist.
func (r *TelemetryRepository) LatestByDevice(ctx context.Context, deviceID, name string) (*models.TelemetryEvent, error) {
	window := ListByDeviceOptions{}
	if name != "" {
		window.Types = []string{name}
	}
	events, err := r.ListByDevice(ctx, deviceID, window, ListOptions{Limit: 1})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// anySlice adapts a []string to the []any IN-clause shape buildWhere expects.
func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// aggregateSQLFunc maps a spec-level aggregation kind to its SQL function
// name, rejecting anything else.
func aggregateSQLFunc(fn string) (string, error) {
	switch fn {
	case "avg", "min", "max", "sum", "count":
		return fn, nil
	default:
		return "", fmt.Errorf("repository: unsupported aggregation function %q", fn)
	}
}

// Aggregate runs a simple aggregation (avg/min/max/sum/count) over
// numeric_value for deviceID's events named name within [from, to).
func (r *TelemetryRepository) Aggregate(ctx context.Context, deviceID, name string, from, to time.Time, fn string) (float64, error) {
	sqlFn, err := aggregateSQLFunc(fn)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(
		"SELECT %s(numeric_value) FROM telemetry_events WHERE device_id = ? AND event_name = ? AND occurred_at >= ? AND occurred_at < ? AND is_deleted = false",
		sqlFn)
	var out float64
	if err := r.DB().GetContext(ctx, &out, r.DB().Rebind(query), deviceID, name, from, to); err != nil {
		return 0, &errs.Repository{Op: "telemetry_aggregate", Cause: err}
	}
	return out, nil
}

// TimeSeriesPoint is one fixed-width bucket's summary, emitted by TimeSeries.
type TimeSeriesPoint struct {
	Timestamp time.Time `db:"timestamp"`
	Value     float64   `db:"value"`
	Count     int       `db:"count"`
	Min       float64   `db:"min"`
	Max       float64   `db:"max"`
}

// TimeSeries buckets deviceID's name events within [from, to) into fixed
// bucketMinutes-wide windows anchored at from, emitting one point per
// non-empty bucket in chronological order: {timestamp, value=mean, count,
// min, max}.
func (r *TelemetryRepository) TimeSeries(ctx context.Context, deviceID, name string, from, to time.Time, bucketMinutes int) ([]TimeSeriesPoint, error) {
	if bucketMinutes <= 0 {
		return nil, fmt.Errorf("repository: bucket_minutes must be positive, got %d", bucketMinutes)
	}
	query := `SELECT occurred_at, numeric_value FROM telemetry_events
		WHERE device_id = ? AND event_name = ? AND occurred_at >= ? AND occurred_at < ? AND is_deleted = false
		ORDER BY occurred_at ASC`
	type rawPoint struct {
		OccurredAt time.Time `db:"occurred_at"`
		Value      *float64  `db:"numeric_value"`
	}
	var raw []rawPoint
	if err := r.DB().SelectContext(ctx, &raw, r.DB().Rebind(query), deviceID, name, from, to); err != nil {
		return nil, &errs.Repository{Op: "telemetry_timeseries", Cause: err}
	}

	bucketWidth := time.Duration(bucketMinutes) * time.Minute
	order := make([]int64, 0)
	buckets := make(map[int64]*TimeSeriesPoint)
	for _, p := range raw {
		if p.Value == nil {
			continue
		}
		idx := int64(p.OccurredAt.Sub(from) / bucketWidth)
		b, ok := buckets[idx]
		if !ok {
			b = &TimeSeriesPoint{
				Timestamp: from.Add(time.Duration(idx) * bucketWidth),
				Min:       *p.Value,
				Max:       *p.Value,
			}
			buckets[idx] = b
			order = append(order, idx)
		}
		b.Value += *p.Value
		b.Count++
		if *p.Value < b.Min {
			b.Min = *p.Value
		}
		if *p.Value > b.Max {
			b.Max = *p.Value
		}
	}
	sortInt64s(order)

	out := make([]TimeSeriesPoint, 0, len(order))
	for _, idx := range order {
		b := buckets[idx]
		b.Value /= float64(b.Count)
		out = append(out, *b)
	}
	return out, nil
}

// sortInt64s insertion-sorts small slices, matching the package's own
// sortStrings helper.
func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Cleanup hard-deletes events older than olderThan, returning the count
// removed.
func (r *TelemetryRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.DB().ExecContext(ctx, r.DB().Rebind("DELETE FROM telemetry_events WHERE occurred_at < ?"), olderThan)
	if err != nil {
		return 0, &errs.Repository{Op: "telemetry_cleanup", Cause: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Statistics returns total event count and per-type distribution for
// deviceID, optionally bounded by since/until. An empty deviceID scopes
// across every device.
func (r *TelemetryRepository) Statistics(ctx context.Context, deviceID string, since, until time.Time) (map[string]any, error) {
	where := "is_deleted = false"
	args := []any{}
	if deviceID != "" {
		where += " AND device_id = ?"
		args = append(args, deviceID)
	}
	if !since.IsZero() {
		where += " AND occurred_at >= ?"
		args = append(args, since)
	}
	if !until.IsZero() {
		where += " AND occurred_at < ?"
		args = append(args, until)
	}

	var total int
	totalQuery := r.DB().Rebind("SELECT COUNT(*) FROM telemetry_events WHERE " + where)
	if err := r.DB().GetContext(ctx, &total, totalQuery, args...); err != nil {
		return nil, &errs.Repository{Op: "telemetry_statistics", Cause: err}
	}

	typeCounts := map[string]int{}
	typeQuery := r.DB().Rebind("SELECT event_type, COUNT(*) FROM telemetry_events WHERE " + where + " GROUP BY event_type")
	rows, err := r.DB().QueryxContext(ctx, typeQuery, args...)
	if err != nil {
		return nil, &errs.Repository{Op: "telemetry_statistics", Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var count int
		if err := rows.Scan(&t, &count); err != nil {
			return nil, &errs.Repository{Op: "telemetry_statistics_scan", Cause: err}
		}
		typeCounts[t] = count
	}
	return map[string]any{"total_events": total, "type_distribution": typeCounts}, nil
}
