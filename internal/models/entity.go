// Package models provides data model definitions for the pet profile sync engine.
package models

import "time"

// Entity is one synchronizable record (a pet profile).
type Entity struct {
	LocalID    string                   `json:"local_id"`
	RemoteID   string                   `json:"remote_id,omitempty"`
	Fields     map[FieldName]FieldState `json:"fields"`
	LastSyncAt *time.Time               `json:"last_sync_at,omitempty"`
}

// EntityMeta is the per-entity metadata persisted next to the field states.
type EntityMeta struct {
	LocalID    string     `json:"local_id"`
	RemoteID   string     `json:"remote_id,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// TableName returns the storage bucket for EntityMeta.
func (EntityMeta) TableName() string {
	return "entities"
}

// RemoteField is one field as known by the remote store.
type RemoteField struct {
	Value     Value     `json:"value"`
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

// Snapshot is a complete remote view of one entity.
type Snapshot map[FieldName]RemoteField

// RemoteChangeEvent is a remote-origin change delivered by a subscription.
type RemoteChangeEvent struct {
	EntityID  string    `json:"entity_id"`
	Field     FieldName `json:"field"`
	Value     Value     `json:"value"`
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

// PushOutcome is the non-error outcome of a push.
type PushOutcome string

const (
	PushAccepted         PushOutcome = "accepted"
	PushRejectedConflict PushOutcome = "rejected_conflict"
)

// PushResult is the remote store's answer to a push.
// Version is the accepted version, or the current remote version on rejection.
type PushResult struct {
	Outcome         PushOutcome `json:"outcome"`
	Version         int64       `json:"version"`
	RemoteValue     Value       `json:"remote_value,omitempty"`
	RemoteChangedAt time.Time   `json:"remote_changed_at,omitempty"`
	RemoteID        string      `json:"remote_id,omitempty"`
}

// Accepted returns an accepted result.
func Accepted(version int64) PushResult {
	return PushResult{Outcome: PushAccepted, Version: version}
}

// RejectedConflict returns a conflict rejection carrying the remote side.
func RejectedConflict(remoteValue Value, remoteVersion int64, changedAt time.Time) PushResult {
	return PushResult{
		Outcome:         PushRejectedConflict,
		Version:         remoteVersion,
		RemoteValue:     remoteValue,
		RemoteChangedAt: changedAt,
	}
}
