// Package models provides data model definitions for the FilmTrack backend.
package models

import "encoding/json"

// OperationKind is the kind of mutation captured by a sync operation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a sync operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SyncOperation represents one durable queued mutation awaiting
// delivery to the remote system.
type SyncOperation struct {
	ID            int64           `db:"id" json:"id"`
	EntityType    string          `db:"entity_type" json:"entity_type"` // client, task, intervention, inventory_item, ...
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Kind          OperationKind   `db:"operation_kind" json:"operation_kind"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        OperationStatus `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	MaxAttempts   int             `db:"max_attempts" json:"max_attempts"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_operations"
}
