package models

import "time"

// TelemetryEventType enumerates the kind of time-series event.
type TelemetryEventType string

const (
	TelemetryEventSensorData     TelemetryEventType = "sensor_data"
	TelemetryEventSystemMetrics  TelemetryEventType = "system_metrics"
	TelemetryEventPerformance    TelemetryEventType = "performance"
	TelemetryEventHealthCheck    TelemetryEventType = "health_check"
	TelemetryEventErrorLog       TelemetryEventType = "error_log"
	TelemetryEventEventLog       TelemetryEventType = "event_log"
	TelemetryEventConfiguration  TelemetryEventType = "configuration"
	TelemetryEventDiagnostic     TelemetryEventType = "diagnostic"
	TelemetryEventAlert          TelemetryEventType = "alert"
	TelemetryEventCustom         TelemetryEventType = "custom"
)

// TelemetryEvent is a time-series event tied to a device.
type TelemetryEvent struct {
	Base

	DeviceID  string             `db:"device_id" json:"device_id" validate:"required"`
	EventType TelemetryEventType `db:"event_type" json:"event_type" validate:"required"`
	EventName string             `db:"event_name" json:"event_name" validate:"required"`
	Source    string             `db:"source" json:"source,omitempty"`

	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`

	NumericValue *float64 `db:"numeric_value" json:"numeric_value,omitempty"`
	StringValue  *string  `db:"string_value" json:"string_value,omitempty"`
	BoolValue    *bool    `db:"bool_value" json:"bool_value,omitempty"`
	Payload      Metadata `db:"payload" json:"payload,omitempty"`
	Units        string   `db:"units" json:"units,omitempty"`

	Quality    *float64 `db:"quality" json:"quality,omitempty" validate:"omitempty,gte=0,lte=1"`
	Confidence *float64 `db:"confidence" json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`

	Processed             bool       `db:"processed" json:"processed"`
	ProcessedAt           *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ProcessingDurationMs  *int64     `db:"processing_duration_ms" json:"processing_duration_ms,omitempty" validate:"omitempty,gte=0"`

	CorrelationID string `db:"correlation_id" json:"correlation_id,omitempty"`
	TraceID       string `db:"trace_id" json:"trace_id,omitempty"`
	SpanID        string `db:"span_id" json:"span_id,omitempty"`
	SequenceNum   *int64 `db:"sequence_num" json:"sequence_num,omitempty"`
	BatchID       string `db:"batch_id" json:"batch_id,omitempty"`
}

// Valid checks the numeric-range invariants from spec.md §8 invariant 4.
func (e *TelemetryEvent) Valid() bool {
	if e.Quality != nil && (*e.Quality < 0 || *e.Quality > 1) {
		return false
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return false
	}
	if e.ProcessingDurationMs != nil && *e.ProcessingDurationMs < 0 {
		return false
	}
	return true
}

// MarkProcessed records that processing finished at now, having started at
// startedAt.
func (e *TelemetryEvent) MarkProcessed(startedAt, now time.Time) {
	e.Processed = true
	e.ProcessedAt = &now
	dur := now.Sub(startedAt).Milliseconds()
	e.ProcessingDurationMs = &dur
}
