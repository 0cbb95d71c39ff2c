// Package retention implements the RetentionEngine (§4.H): configurable
// per-data-type retention policies, a cutoff-based fetch, archive, and
// delete pipeline, and cron-scheduled sweeps, grounded on original_source's
// reports/core/audit_retention.py AuditRetentionManager.
package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/repository"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Policy enumerates the named retention tiers, matching original_source's
// RetentionPolicy enum. The numeric windows below are the module's
// defaults; Custom requires an explicit PolicyConfig.RetentionDays.
type Policy string

const (
	PolicyImmediate  Policy = "immediate"
	PolicyShortTerm  Policy = "short_term"
	PolicyMediumTerm Policy = "medium_term"
	PolicyLongTerm   Policy = "long_term"
	PolicyPermanent  Policy = "permanent"
	PolicyCompliance Policy = "compliance"
	PolicyCustom     Policy = "custom"
)

// defaultRetentionDays mirrors AuditRetentionManager.default_retention_periods.
// -1 means permanent (never delete).
var defaultRetentionDays = map[Policy]int{
	PolicyImmediate:  0,
	PolicyShortTerm:  30,
	PolicyMediumTerm: 90,
	PolicyLongTerm:   365,
	PolicyPermanent:  -1,
	PolicyCompliance: 2555, // 7 years
}

// ArchiveFormat enumerates the archive file formats a policy may request.
type ArchiveFormat string

const (
	FormatJSON           ArchiveFormat = "json"
	FormatCSV            ArchiveFormat = "csv"
	FormatParquet        ArchiveFormat = "parquet"
	FormatCompressedJSON ArchiveFormat = "json.gz"
	FormatCompressedCSV  ArchiveFormat = "csv.gz"
)

// DataType names one of the retention-eligible tables.
type DataType string

const (
	DataTypeAuditLogs  DataType = "audit_logs"
	DataTypeAlerts     DataType = "alerts"
	DataTypeTelemetry  DataType = "telemetry"
	DataTypeAnalytics  DataType = "analytics"
)

// PolicyConfig is the validated configuration attached to a named policy,
// matching AuditRetentionManager._validate_policy_config's output shape.
type PolicyConfig struct {
	RetentionType       Policy
	RetentionDays       int
	ArchiveEnabled      bool
	ArchiveFormat       ArchiveFormat
	CompressionEnabled  bool
	DataTypes           []DataType
	ComplianceMode      bool
	EncryptionRequired  bool
	ScheduleEnabled     bool
	ScheduleInterval    time.Duration
}

func (c PolicyConfig) resolvedRetentionDays() (int, error) {
	if c.RetentionType == PolicyCustom {
		if c.RetentionDays < 0 {
			return 0, fmt.Errorf("retention: custom policy requires a non-negative retention_days, got %d", c.RetentionDays)
		}
		return c.RetentionDays, nil
	}
	days, ok := defaultRetentionDays[c.RetentionType]
	if !ok {
		return 0, fmt.Errorf("retention: unknown retention type %q", c.RetentionType)
	}
	return days, nil
}

// namedPolicy is a configured, persisted policy instance.
type namedPolicy struct {
	ID        string
	Name      string
	Config    PolicyConfig
	CreatedAt time.Time
	Enabled   bool
	cronID    cron.EntryID
}

// Result reports the outcome of a single ApplyPolicy run, matching
// AuditRetentionManager.apply_retention_policy's return shape.
type Result struct {
	PolicyID         string
	PolicyName       string
	DataType         DataType
	CutoffDate       time.Time
	RecordsProcessed int
	RecordsArchived  int
	RecordsDeleted   int64
	Duration         time.Duration
	Status           string
	ArchivePath      string
}

// Engine ties together the repositories eligible for retention sweeps, an
// archive directory, and a cron scheduler, grounded on
// AuditRetentionManager's combination of in-memory policy registry plus
// APScheduler-driven jobs -- robfig/cron/v3 fills the latter role here.
type Engine struct {
	telemetry *repository.TelemetryRepository
	analytics *repository.AnalyticsRepository
	alerts    *repository.AlertRepository
	auditLogs *repository.AuditLogRepository

	archiveDir string

	mu       sync.RWMutex
	policies map[string]*namedPolicy

	scheduler *cron.Cron
}

// New constructs a retention Engine. archiveDir is created lazily on first
// archive write.
func New(
	telemetry *repository.TelemetryRepository,
	analytics *repository.AnalyticsRepository,
	alerts *repository.AlertRepository,
	auditLogs *repository.AuditLogRepository,
	archiveDir string,
) *Engine {
	return &Engine{
		telemetry:  telemetry,
		analytics:  analytics,
		alerts:     alerts,
		auditLogs:  auditLogs,
		archiveDir: archiveDir,
		policies:   make(map[string]*namedPolicy),
		scheduler:  cron.New(),
	}
}

// ConfigurePolicy validates cfg, stores it under a fresh policy ID, and
// returns that ID, matching AuditRetentionManager.configure_policy.
func (e *Engine) ConfigurePolicy(name string, cfg PolicyConfig) (string, error) {
	if cfg.RetentionType == "" {
		cfg.RetentionType = PolicyMediumTerm
	}
	if cfg.ArchiveFormat == "" {
		cfg.ArchiveFormat = FormatCompressedJSON
	}
	if len(cfg.DataTypes) == 0 {
		cfg.DataTypes = []DataType{DataTypeAuditLogs, DataTypeAlerts, DataTypeTelemetry}
	}
	if cfg.ScheduleInterval == 0 {
		cfg.ScheduleInterval = 24 * time.Hour
	}
	days, err := cfg.resolvedRetentionDays()
	if err != nil {
		return "", &errs.Validation{Field: "retention_days", Message: err.Error()}
	}
	cfg.RetentionDays = days

	id := uuid.NewString()
	e.mu.Lock()
	e.policies[id] = &namedPolicy{
		ID:        id,
		Name:      name,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
		Enabled:   true,
	}
	e.mu.Unlock()

	log.Info().Str("policy_id", id).Str("policy_name", name).Msg("retention policy configured")
	return id, nil
}

func (e *Engine) policy(id string) (*namedPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	return p, ok
}

// ApplyPolicy runs one retention sweep for policyID against dataType:
// fetch the candidate rows, archive them (if enabled), then delete them.
func (e *Engine) ApplyPolicy(ctx context.Context, policyID string, dataType DataType) (Result, error) {
	p, ok := e.policy(policyID)
	if !ok {
		return Result{}, fmt.Errorf("retention: policy not found: %s", policyID)
	}
	cfg := p.Config
	start := time.Now().UTC()

	if cfg.RetentionDays < 0 {
		log.Info().Str("policy_name", p.Name).Msg("permanent retention policy, nothing to delete")
		return Result{
			PolicyID: policyID, PolicyName: p.Name, DataType: dataType,
			Status: "skipped_permanent",
		}, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)

	records, ids, err := e.fetchForRetention(ctx, dataType, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("retention: fetch %s: %w", dataType, err)
	}

	var archived int
	var archivePath string
	if len(records) > 0 && cfg.ArchiveEnabled {
		path, n, archErr := e.archive(records, cfg, dataType)
		if archErr != nil {
			log.Error().Err(archErr).Str("data_type", string(dataType)).Msg("retention archive failed")
		} else {
			archived, archivePath = n, path
		}
	}

	var deleted int64
	if len(ids) > 0 {
		deleted, err = e.deleteForRetention(ctx, dataType, ids)
		if err != nil {
			return Result{}, fmt.Errorf("retention: delete %s: %w", dataType, err)
		}
	}

	res := Result{
		PolicyID:         policyID,
		PolicyName:       p.Name,
		DataType:         dataType,
		CutoffDate:       cutoff,
		RecordsProcessed: len(records),
		RecordsArchived:  archived,
		RecordsDeleted:   deleted,
		Duration:         time.Since(start),
		Status:           "completed",
		ArchivePath:      archivePath,
	}
	log.Info().
		Str("policy_name", p.Name).
		Str("data_type", string(dataType)).
		Int("processed", res.RecordsProcessed).
		Int("archived", res.RecordsArchived).
		Int64("deleted", res.RecordsDeleted).
		Msg("retention policy applied")
	return res, nil
}

// fetchForRetention loads up to 100000 rows of dataType whose timestamp is
// older than cutoff, returning both the JSON-serializable records (for
// archiving) and their IDs (for deletion).
func (e *Engine) fetchForRetention(ctx context.Context, dataType DataType, cutoff time.Time) ([]any, []string, error) {
	switch dataType {
	case DataTypeAuditLogs:
		rows, err := e.auditLogs.List(ctx, repository.Filter{"occurred_at": map[string]any{"lt": cutoff}}, repository.ListOptions{Limit: 100000, IncludeDeleted: true})
		if err != nil {
			return nil, nil, err
		}
		records := make([]any, len(rows))
		ids := make([]string, len(rows))
		for i, r := range rows {
			records[i] = r
			ids[i] = r.ID
		}
		return records, ids, nil

	case DataTypeAlerts:
		rows, err := e.alerts.List(ctx, repository.Filter{"last_occurred": map[string]any{"lt": cutoff}}, repository.ListOptions{Limit: 100000, IncludeDeleted: true})
		if err != nil {
			return nil, nil, err
		}
		records := make([]any, len(rows))
		ids := make([]string, len(rows))
		for i, r := range rows {
			records[i] = r
			ids[i] = r.ID
		}
		return records, ids, nil

	case DataTypeTelemetry:
		rows, err := e.telemetry.List(ctx, repository.Filter{"occurred_at": map[string]any{"lt": cutoff}}, repository.ListOptions{Limit: 100000, IncludeDeleted: true})
		if err != nil {
			return nil, nil, err
		}
		records := make([]any, len(rows))
		ids := make([]string, len(rows))
		for i, r := range rows {
			records[i] = r
			ids[i] = r.ID
		}
		return records, ids, nil

	case DataTypeAnalytics:
		rows, err := e.analytics.List(ctx, repository.Filter{"period_end": map[string]any{"lt": cutoff}}, repository.ListOptions{Limit: 100000, IncludeDeleted: true})
		if err != nil {
			return nil, nil, err
		}
		records := make([]any, len(rows))
		ids := make([]string, len(rows))
		for i, r := range rows {
			records[i] = r
			ids[i] = r.ID
		}
		return records, ids, nil

	default:
		log.Warn().Str("data_type", string(dataType)).Msg("unknown data type for retention")
		return nil, nil, nil
	}
}

// deleteForRetention hard-deletes ids from dataType's table. Retention
// sweeps always hard-delete. ApplyPolicy calls it after the archive step
// whether or not archiving succeeded: an archive failure is logged and the
// rows are still deleted.
func (e *Engine) deleteForRetention(ctx context.Context, dataType DataType, ids []string) (int64, error) {
	switch dataType {
	case DataTypeAuditLogs:
		return e.auditLogs.DeleteMany(ctx, ids, false)
	case DataTypeAlerts:
		return e.alerts.DeleteMany(ctx, ids, false)
	case DataTypeTelemetry:
		return e.telemetry.DeleteMany(ctx, ids, false)
	case DataTypeAnalytics:
		return e.analytics.DeleteMany(ctx, ids, false)
	default:
		return 0, nil
	}
}

// ScheduleAll registers a cron job per enabled, schedule-enabled policy
// and starts the scheduler, matching
// AuditRetentionManager._schedule_retention_jobs.
func (e *Engine) ScheduleAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.policies {
		if !p.Enabled || !p.Config.ScheduleEnabled {
			continue
		}
		policyID := p.ID
		dataTypes := p.Config.DataTypes
		spec := fmt.Sprintf("@every %s", p.Config.ScheduleInterval.String())
		id, err := e.scheduler.AddFunc(spec, func() {
			for _, dt := range dataTypes {
				if _, err := e.ApplyPolicy(ctx, policyID, dt); err != nil {
					log.Error().Err(err).Str("policy_id", policyID).Str("data_type", string(dt)).Msg("scheduled retention sweep failed")
				}
			}
		})
		if err != nil {
			return fmt.Errorf("retention: schedule policy %s: %w", p.Name, err)
		}
		p.cronID = id
	}
	e.scheduler.Start()
	return nil
}

// Shutdown stops the scheduler and waits for any in-flight job to finish.
func (e *Engine) Shutdown() {
	stopCtx := e.scheduler.Stop()
	<-stopCtx.Done()
}

// Statistics reports policy counts and archive directory path, matching
// AuditRetentionManager.get_retention_statistics.
func (e *Engine) Statistics() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	enabled := 0
	policies := make([]map[string]any, 0, len(e.policies))
	names := make([]string, 0, len(e.policies))
	byName := make(map[string]*namedPolicy, len(e.policies))
	for _, p := range e.policies {
		names = append(names, p.ID)
		byName[p.ID] = p
	}
	sort.Strings(names)
	for _, id := range names {
		p := byName[id]
		if p.Enabled {
			enabled++
		}
		policies = append(policies, map[string]any{
			"id":             p.ID,
			"name":           p.Name,
			"retention_type": string(p.Config.RetentionType),
			"retention_days": p.Config.RetentionDays,
			"enabled":        p.Enabled,
		})
	}

	return map[string]any{
		"total_policies":   len(e.policies),
		"enabled_policies": enabled,
		"archive_directory": e.archiveDir,
		"policies":          policies,
	}
}
