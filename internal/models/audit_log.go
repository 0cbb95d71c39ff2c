package models

import (
	"encoding/json"
	"time"
)

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

// AuditAction enumerates the recognized audit verbs.
type AuditAction string

const (
	ActionCreate      AuditAction = "create"
	ActionRead        AuditAction = "read"
	ActionUpdate      AuditAction = "update"
	ActionDelete      AuditAction = "delete"
	ActionLogin       AuditAction = "login"
	ActionLogout      AuditAction = "logout"
	ActionAuthenticate AuditAction = "authenticate"
	ActionAuthorize   AuditAction = "authorize"
	ActionConfigure   AuditAction = "configure"
	ActionDeploy      AuditAction = "deploy"
	ActionStart       AuditAction = "start"
	ActionStop        AuditAction = "stop"
	ActionRestart     AuditAction = "restart"
	ActionBackup      AuditAction = "backup"
	ActionRestore     AuditAction = "restore"
	ActionExport      AuditAction = "export"
	ActionImport      AuditAction = "import"
	ActionApprove     AuditAction = "approve"
	ActionReject      AuditAction = "reject"
	ActionAssign      AuditAction = "assign"
	ActionUnassign    AuditAction = "unassign"
	ActionEnable      AuditAction = "enable"
	ActionDisable     AuditAction = "disable"
	ActionCustom      AuditAction = "custom"
)

// securityActions is the set of actions that classify as a security event
// on their own, independent of success/failure (used by
// AuditLogRepository.ListSecurityEvents).
var securityActions = map[AuditAction]bool{
	ActionLogin:        true,
	ActionLogout:       true,
	ActionAuthenticate: true,
	ActionAuthorize:    true,
}

// IsSecurityAction reports whether action is inherently security-relevant.
func IsSecurityAction(a AuditAction) bool { return securityActions[a] }

// AuditLog is an immutable action record.
type AuditLog struct {
	Base

	Action       AuditAction `db:"action" json:"action" validate:"required"`
	ResourceType string      `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   string      `db:"resource_id" json:"resource_id,omitempty"`

	ActorUserID   *string `db:"actor_user_id" json:"actor_user_id,omitempty"`
	SessionID     string  `db:"session_id" json:"session_id,omitempty"`
	IPAddress     string  `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent     string  `db:"user_agent" json:"user_agent,omitempty"`
	RequestID     string  `db:"request_id" json:"request_id,omitempty"`
	CorrelationID string  `db:"correlation_id" json:"correlation_id,omitempty"`

	Description string   `db:"description" json:"description,omitempty"`
	Details     Metadata `db:"details" json:"details,omitempty"`
	OldValues   Metadata `db:"old_values" json:"old_values,omitempty"`
	NewValues   Metadata `db:"new_values" json:"new_values,omitempty"`
	ChangedFields StringSlice `db:"changed_fields" json:"changed_fields,omitempty"`

	Success      bool   `db:"success" json:"success"`
	ErrorCode    string `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`

	OccurredAt     time.Time `db:"occurred_at" json:"occurred_at"`
	DurationMs     *int64    `db:"duration_ms" json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
	SourceSystem   string    `db:"source_system" json:"source_system,omitempty"`
	SourceMethod   string    `db:"source_method" json:"source_method,omitempty"`
	RetentionDays  int       `db:"retention_days" json:"retention_days" validate:"gte=1"`

	// Signature is an HMAC over the row's fields, populated by audit.Signer
	// when signing is enabled. Empty when signing is off.
	Signature string `db:"signature" json:"signature,omitempty"`
}

// DiffChangedFields computes the list of keys of newValues that are absent
// from oldValues or whose values differ. The names come in Go map
// iteration order, so their order is not defined; keys present only in
// oldValues are not reported.
func DiffChangedFields(oldValues, newValues Metadata) []string {
	var changed []string
	for k, nv := range newValues {
		ov, existed := oldValues[k]
		if !existed || !metadataValueEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	return changed
}

func metadataValueEqual(a, b any) bool {
	aj, aerr := jsonMarshal(a)
	bj, berr := jsonMarshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}
