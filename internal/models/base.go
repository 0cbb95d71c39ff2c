// Package models defines the seven domain entities tracked by the control
// plane store: Device, TelemetryEvent, Analytics, User, DeviceGroup, Alert,
// and AuditLog. Every entity embeds Base, which carries the identity,
// timestamp, soft-delete, and metadata fields common to all of them, mirrored
// on the struct shape the teacher uses for its own domain types
// (internal/alerts.Alert: JSON-tagged fields, pointer optional timestamps, a
// Clone method, and metadata deep-copy helpers).
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is a free-form JSON-backed bag attached to every entity. It
// implements driver.Valuer/sql.Scanner so sqlx can round-trip it through a
// single TEXT/JSONB column.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: cannot scan %T into Metadata", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("models: unmarshal metadata: %w", err)
	}
	*m = out
	return nil
}

// Clone returns a deep copy of the metadata bag, descending into nested
// maps and slices the way the teacher's cloneMetadata/cloneMetadataValue
// helpers do for internal/alerts.Alert.Metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneMetadataValue(v)
	}
	return out
}

func cloneMetadataValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = cloneMetadataValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = cloneMetadataValue(vv)
		}
		return out
	default:
		return val
	}
}

// StringSlice is a JSON-backed []string, implementing driver.Valuer/
// sql.Scanner the same way Metadata does, for columns (e.g.
// AuditLog.ChangedFields) that need portable array storage across both
// supported drivers without a native array column type.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal([]string(s))
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: cannot scan %T into StringSlice", src)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("models: unmarshal string slice: %w", err)
	}
	*s = out
	return nil
}

// Base holds the fields common to every entity: opaque id, creation and
// last-mutation timestamps, soft-delete flag and timestamp, and a metadata
// bag. Every concrete entity embeds Base and so automatically satisfies
// repository.Entity via promoted methods.
type Base struct {
	ID        string     `db:"id" json:"id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	IsDeleted bool       `db:"is_deleted" json:"is_deleted"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	Metadata  Metadata   `db:"metadata" json:"metadata,omitempty"`
}

// GetID returns the entity's opaque identifier.
func (b *Base) GetID() string { return b.ID }

// SetID assigns the entity's opaque identifier.
func (b *Base) SetID(id string) { b.ID = id }

// Touch stamps UpdatedAt, and CreatedAt if it is still zero.
func (b *Base) Touch(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// SoftDelete marks the row deleted without removing it.
func (b *Base) SoftDelete(at time.Time) {
	b.IsDeleted = true
	b.DeletedAt = &at
}

// Restore clears a soft-delete marker.
func (b *Base) Restore() {
	b.IsDeleted = false
	b.DeletedAt = nil
}

// Deleted reports whether the row is soft-deleted.
func (b *Base) Deleted() bool { return b.IsDeleted }

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func cloneIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}
