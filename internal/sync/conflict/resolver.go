// Package conflict decides how a field conflict between a pending local edit
// and a newer remote value is settled.
package conflict

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// Policy defines how conflicts are resolved without user input.
type Policy string

const (
	PolicyPreferLocal   Policy = "prefer_local"
	PolicyPreferRemote  Policy = "prefer_remote"
	PolicyLastWriteWins Policy = "last_write_wins"
	PolicyManual        Policy = "manual"
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyPreferLocal, PolicyPreferRemote, PolicyLastWriteWins, PolicyManual:
		return p, nil
	case "":
		return PolicyLastWriteWins, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Choice is the outcome of a resolution.
type Choice string

const (
	// ChoiceKeepLocal pushes the local value over the remote one.
	ChoiceKeepLocal Choice = "keep_local"
	// ChoiceKeepRemote adopts the remote value and drops the local edit.
	ChoiceKeepRemote Choice = "keep_remote"
	// ChoiceUseValue pushes a caller-supplied value.
	ChoiceUseValue Choice = "use_value"
	// ChoiceUnresolved leaves the field in conflict for the user.
	ChoiceUnresolved Choice = "unresolved"
)

// Resolution settles one field's conflict.
type Resolution struct {
	Field  models.FieldName
	Choice Choice
	// Value is required for ChoiceUseValue and ignored otherwise.
	Value  models.Value
	Policy Policy
}

// Resolved reports whether the resolution settles the conflict.
func (r Resolution) Resolved() bool {
	return r.Choice == ChoiceKeepLocal || r.Choice == ChoiceKeepRemote || r.Choice == ChoiceUseValue
}

// Validate checks a user-supplied resolution against the stored conflict.
func (r Resolution) Validate() error {
	if r.Field == "" {
		return ErrInvalidConflict
	}
	switch r.Choice {
	case ChoiceKeepLocal, ChoiceKeepRemote:
		return nil
	case ChoiceUseValue:
		if r.Value == nil {
			return fmt.Errorf("%w: use_value requires a value", ErrInvalidChoice)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidChoice, r.Choice)
}

// Resolver applies a default Policy to conflicts.
type Resolver struct {
	policy Policy
}

// NewResolver creates a new Resolver with the specified policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{
		policy: policy,
	}
}

// Policy returns the resolver's default policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve resolves a conflict using the configured policy.
func (r *Resolver) Resolve(c models.Conflict) (*Resolution, error) {
	return r.ResolveWith(c, r.policy)
}

// ResolveWith resolves a conflict using an explicit policy.
// Every decision is logged with both sides.
func (r *Resolver) ResolveWith(c models.Conflict, policy Policy) (*Resolution, error) {
	if c.Field == "" {
		return nil, ErrInvalidConflict
	}

	res := &Resolution{Field: c.Field, Policy: policy}
	switch policy {
	case PolicyPreferLocal:
		res.Choice = ChoiceKeepLocal
	case PolicyPreferRemote:
		res.Choice = ChoiceKeepRemote
	case PolicyLastWriteWins:
		res.Choice = lastWriteWins(c)
	case PolicyManual:
		res.Choice = ChoiceUnresolved
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	ctx := map[string]interface{}{
		"entity_id":         c.EntityID,
		"field":             c.Field,
		"policy":            policy,
		"choice":            res.Choice,
		"local_version":     c.LocalVersion,
		"remote_version":    c.RemoteVersion,
		"local_changed_at":  c.LocalChangedAt.UTC().Format(time.RFC3339Nano),
		"remote_changed_at": c.RemoteChangedAt.UTC().Format(time.RFC3339Nano),
		"defensive":         c.Defensive,
	}
	if res.Resolved() {
		logging.Info("Conflict resolved", ctx)
	} else {
		logging.Warn("Conflict queued for manual review", ctx)
	}

	return res, nil
}

// lastWriteWins prefers the newer change. Ties go to the remote side so that
// every device converges on the same value.
func lastWriteWins(c models.Conflict) Choice {
	if c.LocalChangedAt.After(c.RemoteChangedAt) {
		return ChoiceKeepLocal
	}
	return ChoiceKeepRemote
}

// ResolveMultiple resolves multiple conflicts in batch.
func (r *Resolver) ResolveMultiple(conflicts []models.Conflict) ([]*Resolution, error) {
	results := make([]*Resolution, 0, len(conflicts))

	for _, c := range conflicts {
		res, err := r.Resolve(c)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return results, nil
}

// Detect builds a Conflict when a remote value arrives for a field whose
// pending local edit was based on an older remote version. Equal values are
// not a conflict.
func Detect(state models.FieldState, rec models.ChangeRecord, remote models.RemoteField, now time.Time) (models.Conflict, bool) {
	if remote.Version <= rec.BaseVersion {
		return models.Conflict{}, false
	}
	if rec.Value.Equal(remote.Value) {
		return models.Conflict{}, false
	}

	c := models.Conflict{
		EntityID:        rec.EntityID,
		Field:           rec.Field,
		LocalValue:      rec.Value.Clone(),
		LocalVersion:    state.LocalVersion,
		LocalChangedAt:  rec.ChangedAt,
		RemoteValue:     remote.Value.Clone(),
		RemoteVersion:   remote.Version,
		RemoteChangedAt: remote.ChangedAt,
		DetectedAt:      now,
	}

	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"entity_id":      c.EntityID,
		"field":          c.Field,
		"base_version":   rec.BaseVersion,
		"local_version":  c.LocalVersion,
		"remote_version": c.RemoteVersion,
	})
	return c, true
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: field is required"}
	ErrUnknownPolicy   = &ConflictError{Message: "unknown conflict policy"}
	ErrInvalidChoice   = &ConflictError{Message: "invalid resolution choice"}
	ErrNoConflict      = &ConflictError{Message: "field is not in conflict"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}
