package sync

import (
	"context"
	stdsync "sync"
	"time"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

type subscription struct {
	events <-chan models.RemoteChangeEvent
	stop   chan struct{}
	once   stdsync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

// StartRealTimeSync subscribes to remote changes for the entity. Starting
// an already running subscription is a no-op. If the subscription is lost
// later, the engine resubscribes with backoff and runs a full sync to pick
// up what it missed.
func (e *EntityEngine) StartRealTimeSync(ctx context.Context) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return errDisposed
	}
	e.wantRealtime = true
	running := e.sub != nil
	e.mu.Unlock()
	if running {
		return nil
	}

	if err := e.subscribe(ctx); err != nil {
		e.mu.Lock()
		if e.sub == nil {
			e.wantRealtime = false
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// subscribe opens the transport stream. Callers hold subMu.
func (e *EntityEngine) subscribe(ctx context.Context) error {
	subCtx, cancel := context.WithTimeout(ctx, e.cfg.SnapshotTimeout)
	events, err := e.transport.Subscribe(subCtx, e.entityID)
	cancel()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to subscribe to remote changes", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || !e.wantRealtime {
		if uerr := e.transport.Unsubscribe(e.entityID); uerr != nil {
			e.log.Warn("Unsubscribe failed", map[string]interface{}{"error": uerr.Error()})
		}
		if e.disposed {
			return errDisposed
		}
		return nil
	}

	s := &subscription{events: events, stop: make(chan struct{})}
	e.sub = s
	e.wg.Add(1)
	go e.consume(s)

	e.log.Info("Real-time sync started")
	return nil
}

// StopRealTimeSync unsubscribes and drops buffered remote events. It is
// idempotent.
func (e *EntityEngine) StopRealTimeSync() error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.mu.Lock()
	e.wantRealtime = false
	s := e.sub
	e.sub = nil
	e.buffered = make(map[models.FieldName][]models.RemoteChangeEvent)
	e.mu.Unlock()

	if s == nil {
		return nil
	}
	s.close()
	if err := e.transport.Unsubscribe(e.entityID); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to unsubscribe", err)
	}
	e.log.Info("Real-time sync stopped")
	return nil
}

// consume applies the subscription's events in delivery order.
func (e *EntityEngine) consume(s *subscription) {
	defer e.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.events:
			if !ok {
				e.subscriptionLost(s)
				return
			}
			e.handleRemoteEvent(s, ev)
		}
	}
}

func (e *EntityEngine) handleRemoteEvent(s *subscription, ev models.RemoteChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || e.sub != s {
		return
	}
	if ev.EntityID != "" && ev.EntityID != e.entityID {
		return
	}

	f := ev.Field
	remote := models.RemoteField{Value: ev.Value, Version: ev.Version, ChangedAt: ev.ChangedAt}
	st, known := e.store.Field(f)
	if known && remote.Version <= st.RemoteVersion {
		// Duplicate delivery or the echo of our own push.
		return
	}

	if known && e.hasLocalEditLocked(st) {
		if c, ok := e.store.Conflict(f); ok {
			if remote.Version > c.RemoteVersion {
				c.RemoteValue = remote.Value.Clone()
				c.RemoteVersion = remote.Version
				c.RemoteChangedAt = remote.ChangedAt
				t := e.begin()
				t.touch(f)
				t.b.MarkConflict(c)
				_ = e.finishLocked(e.ctx, t)
			}
			return
		}
		e.buffered[f] = append(e.buffered[f], ev)
		e.log.Debug("Buffered remote change behind local edit", map[string]interface{}{
			"field":   f,
			"version": ev.Version,
		})
		return
	}

	t := e.begin()
	e.adoptRemoteLocked(t, f, remote)
	e.retries.Cancel(f)
	if err := e.finishLocked(e.ctx, t); err != nil {
		return
	}
	e.log.Debug("Remote change applied", map[string]interface{}{
		"field":   f,
		"version": ev.Version,
	})
}

// hasLocalEditLocked reports whether the field holds a local edit that the
// remote does not have yet.
func (e *EntityEngine) hasLocalEditLocked(st models.FieldState) bool {
	if _, ok := e.inflight[st.Field]; ok {
		return true
	}
	if _, ok := e.store.Pending(st.Field); ok {
		return true
	}
	switch st.Status {
	case models.StatusPending, models.StatusSyncing, models.StatusError, models.StatusConflict:
		return true
	}
	return false
}

func (e *EntityEngine) subscriptionLost(s *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || e.sub != s {
		return
	}
	e.sub = nil
	if !e.wantRealtime {
		return
	}

	e.log.Warn("Real-time subscription lost, reconnecting")
	e.wg.Add(1)
	go e.resubscribe()
}

// resubscribe reopens the subscription with backoff and then runs a full
// sync to cover events missed while disconnected.
func (e *EntityEngine) resubscribe() {
	defer e.wg.Done()

	policy := e.retries.Policy()
	for attempt := 0; ; attempt++ {
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(policy.Backoff(attempt)):
		}

		e.subMu.Lock()
		e.mu.Lock()
		done := e.disposed || !e.wantRealtime || e.sub != nil
		e.mu.Unlock()
		if done {
			e.subMu.Unlock()
			return
		}
		err := e.subscribe(e.ctx)
		e.subMu.Unlock()

		if err != nil {
			e.log.Warn("Resubscribe failed", map[string]interface{}{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			continue
		}

		if _, err := e.PerformFullSync(e.ctx); err != nil {
			e.log.Warn("Full sync after resubscribe failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
}
