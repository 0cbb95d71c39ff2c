// Package audit implements the AuditRecorder (§4.J): every mutating
// repository call and every authentication, authorization, and
// configuration change produces an AuditLog row carrying the actor, the
// resource, and (for updates) the before/after values and the diff of
// changed fields.
//
// It is grounded on the teacher's pkg/audit test surface
// (sqlite_logger_test.go, webhook_delivery_test.go, export_test.go,
// signer_test.go) -- that package ships no implementation source in the
// retrieval pack, only tests, so the API here is reconstructed from their
// expectations and generalized from Pulse's own Event shape onto this
// module's models.AuditLog / repository.AuditLogRepository.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgefleetops/fleetcore/internal/fabric"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/edgefleetops/fleetcore/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const defaultRetentionDays = 365

// Recorder stamps, signs, persists, and optionally forwards audit entries.
type Recorder struct {
	repo                 *repository.AuditLogRepository
	signer               *Signer
	webhook              *WebhookSink
	defaultRetentionDays int
}

// Option configures a Recorder at construction time.
type Option func(*Recorder)

// WithSigner attaches a Signer; entries are HMAC-signed before persisting.
func WithSigner(s *Signer) Option { return func(r *Recorder) { r.signer = s } }

// WithWebhookSink attaches a WebhookSink; every recorded entry is also
// fire-and-forget delivered to its configured URLs. Off by default.
func WithWebhookSink(w *WebhookSink) Option { return func(r *Recorder) { r.webhook = w } }

// WithDefaultRetentionDays overrides the retention window stamped onto
// entries that don't set one explicitly (default 365, matching
// SQLiteLoggerConfig's default in the teacher's tests).
func WithDefaultRetentionDays(days int) Option {
	return func(r *Recorder) { r.defaultRetentionDays = days }
}

// NewRecorder builds a Recorder writing through repo.
func NewRecorder(repo *repository.AuditLogRepository, opts ...Option) *Recorder {
	r := &Recorder{repo: repo, defaultRetentionDays: defaultRetentionDays}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record persists entry, filling in anything the caller left unset from
// ContextFabric (correlation id, actor, request IP/user agent), signing it
// if a Signer is attached, and writing it inside the context's active
// session (fabric.Session) when one is present so the audit row commits or
// rolls back atomically with the mutation it describes. With no active
// session the entry is written through the shared repository connection
// directly -- still durable, just not part of the caller's transaction.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) error {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = now
	}
	if entry.RetentionDays == 0 {
		entry.RetentionDays = r.defaultRetentionDays
	}
	if entry.CorrelationID == "" {
		if cid := fabric.CorrelationID(ctx); cid != "" {
			entry.CorrelationID = cid
		}
	}
	if entry.ActorUserID == nil {
		if p, ok := fabric.PrincipalFrom(ctx); ok && p.UserID != "" {
			entry.ActorUserID = &p.UserID
		}
	}
	if req, ok := fabric.Request(ctx); ok {
		if entry.IPAddress == "" {
			entry.IPAddress = req.RemoteAddr
		}
		if entry.UserAgent == "" {
			entry.UserAgent = req.UserAgent
		}
	}
	entry.Touch(now)
	if r.signer != nil {
		entry.Signature = r.signer.Sign(entry)
	}

	var err error
	if tx := fabric.Session(ctx); tx != nil {
		err = r.insertInSession(ctx, tx, entry)
	} else {
		err = r.repo.Create(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}

	if r.webhook != nil {
		r.webhook.Enqueue(toWebhookEvent(entry))
	}
	return nil
}

// insertInSession writes entry through tx using the same column list and
// INSERT shape repository.Repository[T].Create uses, so an audit row
// written mid-transaction participates in the caller's commit/rollback.
func (r *Recorder) insertInSession(ctx context.Context, tx *sqlx.Tx, entry *models.AuditLog) error {
	cols := r.repo.Columns()
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = ":" + c
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.repo.Table(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("insert in session: %w", err)
	}
	return nil
}

// RecordMutation is a convenience wrapper for the common create/update/
// delete case: it computes the changed-field diff from old/new values and
// records a single entry describing the mutation.
func (r *Recorder) RecordMutation(ctx context.Context, action models.AuditAction, resourceType, resourceID string, oldValues, newValues models.Metadata) error {
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValues:    oldValues,
		NewValues:    newValues,
		Success:      true,
	}
	if oldValues != nil || newValues != nil {
		entry.ChangedFields = models.StringSlice(models.DiffChangedFields(oldValues, newValues))
	}
	return r.Record(ctx, entry)
}

// RecordFailure records a failed operation, matching spec.md §4.J's
// success=false/error_code/error_message contract.
func (r *Recorder) RecordFailure(ctx context.Context, action models.AuditAction, resourceType, resourceID, errorCode string, cause error) error {
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      false,
		ErrorCode:    errorCode,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	return r.Record(ctx, entry)
}

// Webhook returns the Recorder's attached WebhookSink, or nil if none was
// configured. Callers own starting and stopping its delivery loop.
func (r *Recorder) Webhook() *WebhookSink {
	return r.webhook
}

// VerifyEntry reports whether entry's stored signature matches what the
// attached Signer would compute, for tamper detection during review/export.
// Always true when no Signer is attached or signing is disabled.
func (r *Recorder) VerifyEntry(entry *models.AuditLog) bool {
	if r.signer == nil {
		return true
	}
	return r.signer.Verify(entry)
}

func toWebhookEvent(e *models.AuditLog) WebhookEvent {
	actor := ""
	if e.ActorUserID != nil {
		actor = *e.ActorUserID
	}
	return WebhookEvent{
		ID:        e.ID,
		EventType: string(e.Action),
		Timestamp: e.OccurredAt,
		User:      actor,
		IP:        e.IPAddress,
		Path:      e.ResourceType + "/" + e.ResourceID,
		Success:   e.Success,
		Details:   e.Description,
	}
}
