package audit

import (
	"context"
	"testing"

	"github.com/edgefleetops/fleetcore/internal/fabric"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/edgefleetops/fleetcore/internal/repository"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE audit_logs (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMP,
	metadata TEXT,
	action TEXT NOT NULL,
	resource_type TEXT,
	resource_id TEXT,
	actor_user_id TEXT,
	session_id TEXT,
	ip_address TEXT,
	user_agent TEXT,
	request_id TEXT,
	correlation_id TEXT,
	description TEXT,
	details TEXT,
	old_values TEXT,
	new_values TEXT,
	changed_fields TEXT,
	success BOOLEAN NOT NULL DEFAULT true,
	error_code TEXT,
	error_message TEXT,
	occurred_at TIMESTAMP NOT NULL,
	duration_ms BIGINT,
	source_system TEXT,
	source_method TEXT,
	retention_days INTEGER NOT NULL DEFAULT 365,
	signature TEXT
);`

func newTestRepo(t *testing.T) *repository.AuditLogRepository {
	t.Helper()
	db, err := sqlx.Connect("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return repository.NewAuditLogRepository(db)
}

func TestRecorderRecordStampsAndPersists(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo)

	ctx := fabric.WithCorrelationID(context.Background(), "corr-1")
	ctx = fabric.WithPrincipal(ctx, fabric.Principal{UserID: "user-1", Username: "alice"})

	entry := &models.AuditLog{
		Action:       models.ActionUpdate,
		ResourceType: "device",
		ResourceID:   "dev-1",
		Success:      true,
	}
	if err := rec.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if entry.ID == "" {
		t.Fatalf("expected id to be assigned")
	}
	if entry.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id carried from context, got %q", entry.CorrelationID)
	}
	if entry.ActorUserID == nil || *entry.ActorUserID != "user-1" {
		t.Fatalf("expected actor carried from context")
	}

	got, err := repo.Get(context.Background(), entry.ID, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected row to be persisted")
	}
	if (*got).Action != models.ActionUpdate {
		t.Fatalf("expected persisted action %q, got %q", models.ActionUpdate, (*got).Action)
	}
}

func TestRecorderRecordSignsWhenSignerAttached(t *testing.T) {
	repo := newTestRepo(t)
	signer, err := NewSigner(t.TempDir(), newMockCryptoManager())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	rec := NewRecorder(repo, WithSigner(signer))

	entry := &models.AuditLog{Action: models.ActionLogin, Success: true}
	if err := rec.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if entry.Signature == "" {
		t.Fatalf("expected entry to carry a signature")
	}
	if !rec.VerifyEntry(entry) {
		t.Fatalf("expected recorded entry to verify")
	}

	got, err := repo.Get(context.Background(), entry.ID, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if (*got).Signature != entry.Signature {
		t.Fatalf("expected persisted signature to match")
	}
}

func TestRecorderRecordWritesInActiveSession(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo)

	tx, err := repo.DB().Beginx()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	ctx := fabric.WithSession(context.Background(), tx)

	entry := &models.AuditLog{Action: models.ActionDelete, ResourceType: "device", ResourceID: "dev-2", Success: true}
	if err := rec.Record(ctx, entry); err != nil {
		tx.Rollback()
		t.Fatalf("Record: %v", err)
	}

	// Not yet visible outside the transaction.
	if got, _ := repo.Get(context.Background(), entry.ID, false); got != nil {
		t.Fatalf("expected uncommitted row to be invisible outside the session")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got, _ := repo.Get(context.Background(), entry.ID, false); got != nil {
		t.Fatalf("expected row to be gone after rollback")
	}
}

func TestRecorderRecordMutationDiffsChangedFields(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo)

	old := models.Metadata{"status": "online", "battery": 80}
	next := models.Metadata{"status": "offline", "battery": 80}

	if err := rec.RecordMutation(context.Background(), models.ActionUpdate, "device", "dev-3", old, next); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}

	rows, err := repo.ListByResource(context.Background(), "device", "dev-3", repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListByResource: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if len(rows[0].ChangedFields) != 1 || rows[0].ChangedFields[0] != "status" {
		t.Fatalf("expected changed_fields=[status], got %v", rows[0].ChangedFields)
	}
}

func TestRecorderRecordFailureSetsErrorFields(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo)

	if err := rec.RecordFailure(context.Background(), models.ActionLogin, "user", "user-9", "bad_credentials", nil); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	rows, err := repo.ListFailed(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(rows) != 1 || rows[0].ErrorCode != "bad_credentials" {
		t.Fatalf("expected 1 failed row with error code, got %+v", rows)
	}
}
