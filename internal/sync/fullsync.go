package sync

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/reconcile"
)

// FullSyncResult represents the result of a full sync.
type FullSyncResult struct {
	EntityID  string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Adopted   int
	Pushed    int
	Unchanged int
	// Resolved counts conflicts settled by the configured policy.
	Resolved int
	// Conflicts lists every conflict still waiting for the user.
	Conflicts []models.Conflict
}

// PerformFullSync reconciles the entity against a fresh remote snapshot.
// Adoptions, queued pushes and conflicts are committed in one batch; a
// transport failure leaves local state untouched. Fields with a push in
// flight are left to the push path.
func (e *EntityEngine) PerformFullSync(ctx context.Context) (*FullSyncResult, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, errDisposed
	}
	if e.fullSyncing {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")
	}
	e.fullSyncing = true
	gen := e.gen
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.fullSyncing = false
		e.mu.Unlock()
	}()

	result := &FullSyncResult{
		EntityID:  e.entityID,
		StartTime: e.now(),
	}

	snapCtx, cancel := context.WithTimeout(ctx, e.cfg.SnapshotTimeout)
	snapshot, err := e.transport.FullSnapshot(snapCtx, e.entityID)
	timedOut := stderrors.Is(snapCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		code := apperrors.ErrSyncNetwork
		if timedOut {
			code = apperrors.ErrSyncTimeout
		}
		e.log.Warn("Full sync snapshot failed", map[string]interface{}{"error": err.Error()})
		return nil, apperrors.Wrap(code, "failed to fetch remote snapshot", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || gen != e.gen {
		return nil, errDisposed
	}

	now := e.now()
	t := e.begin()

	local := make(map[models.FieldName]reconcile.LocalField)
	skipped := make(map[models.FieldName]bool)
	for _, st := range e.store.Fields() {
		f := st.Field
		if _, busy := e.inflight[f]; busy {
			skipped[f] = true
			continue
		}
		if c, ok := e.store.Conflict(f); ok {
			skipped[f] = true
			if r, ok := snapshot[f]; ok && r.Version > c.RemoteVersion {
				c.RemoteValue = r.Value.Clone()
				c.RemoteVersion = r.Version
				c.RemoteChangedAt = r.ChangedAt
				t.touch(f)
				t.b.MarkConflict(c)
			}
			continue
		}

		lf := reconcile.LocalField{
			Value:       st.Value,
			Version:     st.LocalVersion,
			BaseVersion: st.RemoteVersion,
			ChangedAt:   st.LastChangedAt,
		}
		if rec, ok := e.store.Pending(f); ok {
			// A realign record carries a remote value, not a local edit.
			lf.Pending = st.Origin != models.OriginRemote
			lf.BaseVersion = rec.BaseVersion
		} else if st.Status == models.StatusPending {
			// Edited and still inside its debounce delay.
			lf.Pending = true
		}
		local[f] = lf
	}

	remote := make(models.Snapshot, len(snapshot))
	for f, r := range snapshot {
		if !skipped[f] {
			remote[f] = r
		}
	}

	for _, o := range reconcile.Diff(local, remote) {
		f := o.Field
		if o.Remote != nil {
			e.dropBufferedLocked(f, o.Remote.Version)
		}

		switch o.Kind {
		case reconcile.KindNoop:
			result.Unchanged++

		case reconcile.KindAdoptRemote:
			e.debouncer.Cancel(e.entityID, f)
			e.retries.Cancel(f)
			e.adoptRemoteLocked(t, f, *o.Remote)
			result.Adopted++

		case reconcile.KindPushLocal:
			result.Pushed++
			if _, queued := e.store.Pending(f); !queued && o.Local.Pending {
				// The debouncer will enqueue it.
				continue
			}
			var base int64
			if o.Remote != nil {
				base = o.Remote.Version
			}
			e.retries.Cancel(f)
			t.b.EnsurePush(f, base, now)
			t.push(f)

		case reconcile.KindConflict:
			st, _ := e.store.Field(f)
			c := e.newConflict(st, *o.Remote)
			c.Defensive = o.Defensive
			if c.Defensive {
				e.log.ErrorWithCode("Equal versions with different values", apperrors.ErrSyncProtocolConflict, nil, map[string]interface{}{
					"field":   f,
					"version": o.Remote.Version,
				})
			}
			if e.applyConflictLocked(t, c) {
				result.Resolved++
			}
		}
	}

	t.b.SetLastSync(now)
	if err := e.finishLocked(ctx, t); err != nil {
		return nil, err
	}

	result.Conflicts = e.store.Conflicts()
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.log.Info("Full sync completed", map[string]interface{}{
		"adopted":     result.Adopted,
		"pushed":      result.Pushed,
		"unchanged":   result.Unchanged,
		"resolved":    result.Resolved,
		"conflicts":   len(result.Conflicts),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

// dropBufferedLocked forgets buffered events the snapshot already covers.
func (e *EntityEngine) dropBufferedLocked(field models.FieldName, version int64) {
	events := e.buffered[field]
	kept := events[:0]
	for _, ev := range events {
		if ev.Version > version {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		delete(e.buffered, field)
		return
	}
	e.buffered[field] = kept
}
