// Package models provides data model definitions for the pet profile sync engine.
package models

import "time"

// FieldName identifies a single synchronized attribute of an entity.
type FieldName string

// Status is the sync state of one field.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// IsRest reports whether the status has no outstanding timer or request.
func (s Status) IsRest() bool {
	return s == StatusIdle || s == StatusSynced
}

// Origin records where the field's current value came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// FieldState is the per-field sync bookkeeping.
type FieldState struct {
	Field         FieldName `json:"field"`
	Value         Value     `json:"value"`
	LocalVersion  int64     `json:"local_version"`
	RemoteVersion int64     `json:"remote_version"`
	Origin        Origin    `json:"origin"`
	Status        Status    `json:"status"`
	LastChangedAt time.Time `json:"last_changed_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// TableName returns the storage bucket for FieldState.
func (FieldState) TableName() string {
	return "field_states"
}

// Clone returns a deep copy of the state.
func (f FieldState) Clone() FieldState {
	f.Value = f.Value.Clone()
	return f
}
