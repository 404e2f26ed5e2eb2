package sync

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
)

// applyConflictLocked runs the configured policy on c and applies the
// outcome. It reports whether the policy settled the conflict.
func (e *EntityEngine) applyConflictLocked(t *txn, c models.Conflict) bool {
	res, err := e.resolver.Resolve(c)
	if err != nil {
		e.log.Error("Conflict resolution failed, leaving it for the user", err, map[string]interface{}{"field": c.Field})
		res = &conflict.Resolution{Field: c.Field, Choice: conflict.ChoiceUnresolved}
	}

	if res.Resolved() {
		// Report the conflict even though it never rests in conflict status.
		cc := c.Clone()
		st, _ := t.b.Field(c.Field)
		t.notices = append(t.notices, StatusEvent{
			EntityID:      e.entityID,
			Field:         c.Field,
			Status:        models.StatusConflict,
			Value:         st.Value,
			LocalVersion:  st.LocalVersion,
			RemoteVersion: st.RemoteVersion,
			Conflict:      &cc,
			At:            e.now(),
		})
	}

	e.applyResolutionLocked(t, c, *res)
	return res.Resolved()
}

func (e *EntityEngine) applyResolutionLocked(t *txn, c models.Conflict, res conflict.Resolution) {
	f := c.Field
	t.touch(f)

	switch res.Choice {
	case conflict.ChoiceKeepLocal:
		e.debouncer.Cancel(e.entityID, f)
		t.b.KeepLocal(f, c.RemoteVersion)
		t.push(f)
	case conflict.ChoiceKeepRemote:
		e.debouncer.Cancel(e.entityID, f)
		e.retries.Cancel(f)
		e.adoptRemoteLocked(t, f, models.RemoteField{
			Value:     c.RemoteValue,
			Version:   c.RemoteVersion,
			ChangedAt: c.RemoteChangedAt,
		})
	case conflict.ChoiceUseValue:
		e.debouncer.Cancel(e.entityID, f)
		t.b.UseValue(f, res.Value, c.RemoteVersion, e.now())
		t.push(f)
	default:
		t.b.MarkConflict(c)
	}
}

// ResolveConflicts applies explicit resolutions to fields in conflict. The
// list is validated as a whole and applied atomically.
func (e *EntityEngine) ResolveConflicts(ctx context.Context, resolutions []conflict.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return errDisposed
	}

	type pair struct {
		c   models.Conflict
		res conflict.Resolution
	}
	pairs := make([]pair, 0, len(resolutions))
	seen := make(map[models.FieldName]bool, len(resolutions))

	for _, res := range resolutions {
		if err := res.Validate(); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid resolution for %q", res.Field), err)
		}
		if res.Choice == conflict.ChoiceUseValue && !json.Valid(res.Value) {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("value for %s is not a JSON document", res.Field))
		}
		if seen[res.Field] {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("duplicate resolution for %s", res.Field))
		}
		seen[res.Field] = true

		c, ok := e.store.Conflict(res.Field)
		if !ok {
			return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("cannot resolve %s", res.Field), conflict.ErrNoConflict)
		}
		if res.Policy == "" {
			res.Policy = conflict.PolicyManual
		}
		pairs = append(pairs, pair{c: c, res: res})
	}

	t := e.begin()
	for _, p := range pairs {
		e.log.Info("Conflict resolved by user", map[string]interface{}{
			"field":          p.c.Field,
			"choice":         p.res.Choice,
			"local_version":  p.c.LocalVersion,
			"remote_version": p.c.RemoteVersion,
			"defensive":      p.c.Defensive,
		})
		e.applyResolutionLocked(t, p.c, p.res)
	}
	return e.finishLocked(ctx, t)
}
