// Package reconcile compares a local entity with a full remote snapshot and
// decides, per field, which side wins. Diff is a pure decision function with
// no I/O; the caller commits the outcomes.
package reconcile

import (
	"sort"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// Kind is the decision for one field.
type Kind string

const (
	// KindNoop means both sides already agree.
	KindNoop Kind = "noop"
	// KindAdoptRemote means the remote value replaces the local one.
	KindAdoptRemote Kind = "adopt_remote"
	// KindPushLocal means the local value must be (re)sent to the remote.
	KindPushLocal Kind = "push_local"
	// KindConflict means both sides changed since the common base.
	KindConflict Kind = "conflict"
)

// LocalField is the local view of one field needed for a decision.
type LocalField struct {
	Value models.Value
	// Version is the field's local version counter.
	Version int64
	// BaseVersion is the remote version the local value was last aligned
	// with (the pending record's base when Pending is set).
	BaseVersion int64
	// Pending is set when an unsent local edit exists.
	Pending   bool
	ChangedAt time.Time
}

// Outcome is the decision for one field.
type Outcome struct {
	Field  models.FieldName
	Kind   Kind
	Local  *LocalField
	Remote *models.RemoteField
	// Defensive marks an equal-version, different-value conflict.
	Defensive bool
}

// Summary counts outcomes by kind.
type Summary struct {
	Adopted   int
	Pushed    int
	Conflicts int
	Unchanged int
}

// Diff decides every field present on either side. Outcomes are sorted by
// field name. Diff is idempotent: running it again after committing its
// outcomes yields only noops for the committed fields.
func Diff(local map[models.FieldName]LocalField, remote models.Snapshot) []Outcome {
	fields := make(map[models.FieldName]struct{}, len(local)+len(remote))
	for f := range local {
		fields[f] = struct{}{}
	}
	for f := range remote {
		fields[f] = struct{}{}
	}

	out := make([]Outcome, 0, len(fields))
	for f := range fields {
		l, hasLocal := local[f]
		r, hasRemote := remote[f]

		o := Outcome{Field: f}
		if hasLocal {
			lc := l
			o.Local = &lc
		}
		if hasRemote {
			rc := r
			o.Remote = &rc
		}

		switch {
		case !hasLocal:
			o.Kind = KindAdoptRemote
		case !hasRemote:
			o.Kind = KindPushLocal
		case l.Pending:
			o.Kind, o.Defensive = decidePending(l, r)
		default:
			o.Kind, o.Defensive = decideSettled(l, r)
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// decidePending handles a field with an unsent local edit.
func decidePending(l LocalField, r models.RemoteField) (Kind, bool) {
	if r.Version > l.BaseVersion {
		if l.Value.Equal(r.Value) {
			// Both sides made the same edit; nothing left to push.
			return KindAdoptRemote, false
		}
		return KindConflict, false
	}
	return KindPushLocal, false
}

// decideSettled handles a field with no unsent local edit.
func decideSettled(l LocalField, r models.RemoteField) (Kind, bool) {
	switch {
	case r.Version == l.BaseVersion:
		if l.Value.Equal(r.Value) {
			return KindNoop, false
		}
		// Same version, different values: some writer skipped a version bump.
		return KindConflict, true
	case r.Version > l.BaseVersion:
		return KindAdoptRemote, false
	default:
		return KindPushLocal, false
	}
}

// Summarize counts outcomes by kind.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Kind {
		case KindAdoptRemote:
			s.Adopted++
		case KindPushLocal:
			s.Pushed++
		case KindConflict:
			s.Conflicts++
		default:
			s.Unchanged++
		}
	}
	return s
}
