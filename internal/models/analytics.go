package models

import "time"

// AggregationKind enumerates the statistical operator applied over a window.
type AggregationKind string

const (
	AggCount        AggregationKind = "count"
	AggSum          AggregationKind = "sum"
	AggAvg          AggregationKind = "avg"
	AggMin          AggregationKind = "min"
	AggMax          AggregationKind = "max"
	AggMedian       AggregationKind = "median"
	AggP95          AggregationKind = "p95"
	AggP99          AggregationKind = "p99"
	AggStdDev       AggregationKind = "stddev"
	AggVariance     AggregationKind = "variance"
	AggRate         AggregationKind = "rate"
	AggThroughput   AggregationKind = "throughput"
	AggLatency      AggregationKind = "latency"
	AggErrorRate    AggregationKind = "error_rate"
	AggAvailability AggregationKind = "availability"
	AggUptime       AggregationKind = "uptime"
	AggDowntime     AggregationKind = "downtime"
)

// Analytics is a pre-aggregated metric over a time window.
type Analytics struct {
	Base

	AnalyticsType string          `db:"analytics_type" json:"analytics_type" validate:"required"`
	MetricName    string          `db:"metric_name" json:"metric_name" validate:"required"`
	Aggregation   AggregationKind `db:"aggregation" json:"aggregation" validate:"required"`

	PeriodStart time.Time `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time `db:"period_end" json:"period_end"`
	Granularity string    `db:"granularity" json:"granularity,omitempty"`
	Scope       string    `db:"scope" json:"scope,omitempty"`

	DeviceID *string `db:"device_id" json:"device_id,omitempty"`
	GroupID  *string `db:"group_id" json:"group_id,omitempty"`

	Value      *float64 `db:"value" json:"value,omitempty"`
	Count      *int64   `db:"count" json:"count,omitempty"`
	Percentage *float64 `db:"percentage" json:"percentage,omitempty"`

	Min          *float64 `db:"min_value" json:"min_value,omitempty"`
	Max          *float64 `db:"max_value" json:"max_value,omitempty"`
	Avg          *float64 `db:"avg_value" json:"avg_value,omitempty"`
	Median       *float64 `db:"median_value" json:"median_value,omitempty"`
	StdDev       *float64 `db:"stddev_value" json:"stddev_value,omitempty"`
	SampleCount  *int64   `db:"sample_count" json:"sample_count,omitempty"`

	Units       string   `db:"units" json:"units,omitempty"`
	Confidence  *float64 `db:"confidence" json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	DataQuality *float64 `db:"data_quality" json:"data_quality,omitempty" validate:"omitempty,gte=0,lte=1"`
	Payload     Metadata `db:"payload" json:"payload,omitempty"`
}

// Valid checks PeriodStart <= PeriodEnd.
func (a *Analytics) Valid() bool {
	return !a.PeriodStart.After(a.PeriodEnd)
}
