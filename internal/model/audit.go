package model

import "time"

// AuditEventType categorizes audit entries.
type AuditEventType string

const (
	AuditEstimateChange  AuditEventType = "estimate_change"
	AuditProgressChange  AuditEventType = "progress_change"
	AuditPhaseAssignment AuditEventType = "phase_assignment"
	AuditProjectStatus   AuditEventType = "project_status"
)

// AuditAction is the kind of mutation recorded.
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// AuditLogEntry is an append-only record of a mutation.
type AuditLogEntry struct {
	ID        string         `json:"id"`
	EventType AuditEventType `json:"event_type"`
	Action    AuditAction    `json:"action"`
	EntityID  string         `json:"entity_id"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	EntityID  string
	EventType AuditEventType
	Actor     string
	Since     time.Time
	Limit     int
}
