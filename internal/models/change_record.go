// Package models provides data model definitions for the pet profile sync engine.
package models

import "time"

// ChangeRecord is a queued intent to propagate one field's value.
// Records are treated as immutable; updates produce a modified copy.
type ChangeRecord struct {
	ID           string    `json:"id"`
	EntityID     string    `json:"entity_id"`
	Field        FieldName `json:"field"`
	Value        Value     `json:"value"`
	BaseVersion  int64     `json:"base_version"`  // remote version the edit was made against
	LocalVersion int64     `json:"local_version"` // local counter at the time of the edit
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	ChangedAt    time.Time `json:"changed_at"`
}

// TableName returns the storage bucket for ChangeRecord.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// Clone returns a deep copy of the record.
func (r ChangeRecord) Clone() ChangeRecord {
	r.Value = r.Value.Clone()
	return r
}
