package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/edgefleetops/fleetcore/internal/repository"
)

// exportBatchSize bounds how many rows Exporter pulls per List call while
// paginating a range, matching the retention engine's ListOptions.Limit
// discipline rather than loading an unbounded range into memory at once.
const exportBatchSize = 1000

// Exporter streams audit log rows out of storage, newline-delimited-JSON
// encoded, for operator backup or SIEM ingestion. Off by default -- nothing
// in this module calls it outside an explicit operator action.
type Exporter struct {
	repo   *repository.AuditLogRepository
	signer *Signer
}

// NewExporter builds an Exporter reading through repo. signer may be nil,
// in which case Summary reports zero invalid signatures.
func NewExporter(repo *repository.AuditLogRepository, signer *Signer) *Exporter {
	return &Exporter{repo: repo, signer: signer}
}

// Export writes every audit log row with occurred_at in [since, until) to
// w, one JSON object per line, oldest first, and returns the row count.
func (e *Exporter) Export(ctx context.Context, w io.Writer, since, until time.Time) (int, error) {
	enc := json.NewEncoder(w)
	count := 0
	err := e.eachInRange(ctx, since, until, func(row *exportRow) error {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode export row: %w", err)
		}
		count++
		return nil
	})
	return count, err
}

// Summary describes an audit range without exporting its full content.
type Summary struct {
	RangeStart        time.Time `json:"range_start"`
	RangeEnd          time.Time `json:"range_end"`
	TotalEvents       int       `json:"total_events"`
	FailedEvents      int       `json:"failed_events"`
	InvalidSignatures int       `json:"invalid_signatures"`
}

// Summary aggregates counts over [since, until) without streaming rows to
// a caller, verifying each row's signature along the way when a Signer is
// attached.
func (e *Exporter) Summary(ctx context.Context, since, until time.Time) (Summary, error) {
	summary := Summary{RangeStart: since, RangeEnd: until}
	err := e.eachInRange(ctx, since, until, func(row *exportRow) error {
		summary.TotalEvents++
		if !row.Success {
			summary.FailedEvents++
		}
		if e.signer != nil && e.signer.SigningEnabled() && !e.signer.Verify(row.entry) {
			summary.InvalidSignatures++
		}
		return nil
	})
	return summary, err
}

// exportRow is the exported shape of one audit log entry, decoupled from
// models.AuditLog's db tags so the export format doesn't change if the
// storage schema does.
type exportRow struct {
	entry *models.AuditLog

	ID            string            `json:"id"`
	Action        string            `json:"action"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	ActorUserID   string            `json:"actor_user_id,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Description   string            `json:"description,omitempty"`
	ChangedFields []string          `json:"changed_fields,omitempty"`
	Success       bool              `json:"success"`
	ErrorCode     string            `json:"error_code,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Signature     string            `json:"signature,omitempty"`
	Details       map[string]any    `json:"details,omitempty"`
}

func (e *Exporter) eachInRange(ctx context.Context, since, until time.Time, fn func(*exportRow) error) error {
	filter := repository.Filter{
		"occurred_at": map[string]any{"gte": since, "lt": until},
	}
	skip := 0
	for {
		rows, err := e.repo.List(ctx, filter, repository.ListOptions{
			OrderBy: "occurred_at",
			Skip:    skip,
			Limit:   exportBatchSize,
		})
		if err != nil {
			return fmt.Errorf("list audit range: %w", err)
		}
		for _, row := range rows {
			actor := ""
			if row.ActorUserID != nil {
				actor = *row.ActorUserID
			}
			out := &exportRow{
				entry:         row,
				ID:            row.ID,
				Action:        string(row.Action),
				ResourceType:  row.ResourceType,
				ResourceID:    row.ResourceID,
				ActorUserID:   actor,
				IPAddress:     row.IPAddress,
				UserAgent:     row.UserAgent,
				CorrelationID: row.CorrelationID,
				Description:   row.Description,
				ChangedFields: []string(row.ChangedFields),
				Success:       row.Success,
				ErrorCode:     row.ErrorCode,
				ErrorMessage:  row.ErrorMessage,
				OccurredAt:    row.OccurredAt,
				Signature:     row.Signature,
				Details:       map[string]any(row.Details),
			}
			if err := fn(out); err != nil {
				return err
			}
		}
		if len(rows) < exportBatchSize {
			return nil
		}
		skip += exportBatchSize
	}
}
