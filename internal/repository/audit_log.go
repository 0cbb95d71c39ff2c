package repository

import (
	"context"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
)

// AuditLogRepository layers audit-trail queries on top of the generic
// core, grounded on original_source's
// persistence/repositories/audit_log.py.
type AuditLogRepository struct {
	*Repository[*models.AuditLog]
}

// NewAuditLogRepository constructs an AuditLogRepository backed by db.
func NewAuditLogRepository(db *sqlx.DB) *AuditLogRepository {
	return &AuditLogRepository{Repository: New[*models.AuditLog](db, "audit_logs")}
}

// ListByUser returns audit entries attributed to userID.
func (r *AuditLogRepository) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*models.AuditLog, error) {
	opts.OrderBy, opts.OrderDesc = "occurred_at", true
	return r.List(ctx, Filter{"actor_user_id": userID}, opts)
}

// ListByAction returns audit entries for a given action verb.
func (r *AuditLogRepository) ListByAction(ctx context.Context, action models.AuditAction, opts ListOptions) ([]*models.AuditLog, error) {
	opts.OrderBy, opts.OrderDesc = "occurred_at", true
	return r.List(ctx, Filter{"action": string(action)}, opts)
}

// ListByResource returns audit entries about a specific resource.
func (r *AuditLogRepository) ListByResource(ctx context.Context, resourceType, resourceID string, opts ListOptions) ([]*models.AuditLog, error) {
	opts.OrderBy, opts.OrderDesc = "occurred_at", true
	return r.List(ctx, Filter{"resource_type": resourceType, "resource_id": resourceID}, opts)
}

// ListFailed returns audit entries whose success flag is false.
func (r *AuditLogRepository) ListFailed(ctx context.Context, opts ListOptions) ([]*models.AuditLog, error) {
	opts.OrderBy, opts.OrderDesc = "occurred_at", true
	return r.List(ctx, Filter{"success": false}, opts)
}

// ListSecurityEvents returns entries that are inherently security-relevant
// (action in login/logout/authenticate/authorize) or that represent a
// failure of any action (success = false). buildWhere only ANDs filter
// keys together, so this OR can't be expressed as a Filter and is built
// as raw SQL instead.
func (r *AuditLogRepository) ListSecurityEvents(ctx context.Context, opts ListOptions) ([]*models.AuditLog, error) {
	query := "SELECT " + joinColumns(r.Columns()) + ` FROM audit_logs
		WHERE is_deleted = false AND (action IN (?, ?, ?, ?) OR success = false)
		ORDER BY occurred_at DESC LIMIT ? OFFSET ?`
	var out []*models.AuditLog
	err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query),
		string(models.ActionLogin), string(models.ActionLogout),
		string(models.ActionAuthenticate), string(models.ActionAuthorize),
		opts.limit(), opts.Skip)
	if err != nil {
		return nil, &errs.Repository{Op: "audit_security_events", Cause: err}
	}
	return out, nil
}

// Statistics returns total entries, failure count, and action distribution.
func (r *AuditLogRepository) Statistics(ctx context.Context) (map[string]any, error) {
	total, err := r.Count(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	failed, err := r.Count(ctx, Filter{"success": false}, true)
	if err != nil {
		return nil, err
	}
	actionCounts := map[string]int{}
	rows, err := r.DB().QueryxContext(ctx, "SELECT action, COUNT(*) FROM audit_logs GROUP BY action")
	if err != nil {
		return nil, &errs.Repository{Op: "audit_statistics", Cause: err}
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, &errs.Repository{Op: "audit_statistics_scan", Cause: err}
		}
		actionCounts[action] = count
	}
	return map[string]any{
		"total_entries":       total,
		"failed_entries":      failed,
		"action_distribution": actionCounts,
	}, nil
}

// Cleanup hard-deletes entries older than their own per-row
// retention_days relative to now. The retention window is evaluated in
// Go rather than SQL so the same code runs against both supported
// drivers without a database-specific date-arithmetic expression.
func (r *AuditLogRepository) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	type candidate struct {
		ID            string `db:"id"`
		OccurredAt    time.Time `db:"occurred_at"`
		RetentionDays int    `db:"retention_days"`
	}
	var candidates []candidate
	if err := r.DB().SelectContext(ctx, &candidates, "SELECT id, occurred_at, retention_days FROM audit_logs"); err != nil {
		return 0, &errs.Repository{Op: "audit_cleanup_scan", Cause: err}
	}

	var expired []string
	for _, c := range candidates {
		cutoff := c.OccurredAt.AddDate(0, 0, c.RetentionDays)
		if now.After(cutoff) {
			expired = append(expired, c.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In("DELETE FROM audit_logs WHERE id IN (?)", expired)
	if err != nil {
		return 0, &errs.Repository{Op: "audit_cleanup_build", Cause: err}
	}
	res, err := r.DB().ExecContext(ctx, r.DB().Rebind(query), args...)
	if err != nil {
		return 0, &errs.Repository{Op: "audit_cleanup", Cause: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}
