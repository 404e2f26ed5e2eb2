// Package models provides data model definitions for the pet profile sync engine.
package models

import "time"

// Conflict is materialized when the remote version advances past a pending
// local edit's base version.
type Conflict struct {
	EntityID        string    `json:"entity_id"`
	Field           FieldName `json:"field"`
	LocalValue      Value     `json:"local_value"`
	LocalVersion    int64     `json:"local_version"`
	LocalChangedAt  time.Time `json:"local_changed_at"`
	RemoteValue     Value     `json:"remote_value"`
	RemoteVersion   int64     `json:"remote_version"`
	RemoteChangedAt time.Time `json:"remote_changed_at"`
	// Defensive is set when both sides report the same version with different
	// values, which points at a version-assignment bug upstream.
	Defensive  bool      `json:"defensive,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// TableName returns the storage bucket for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// Clone returns a deep copy of the conflict.
func (c Conflict) Clone() Conflict {
	c.LocalValue = c.LocalValue.Clone()
	c.RemoteValue = c.RemoteValue.Clone()
	return c
}
