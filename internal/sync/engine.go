// Package sync provides field-level synchronization of pet profiles between
// the local change store and the shared remote store.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/config"
	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/ids"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/changestore"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/debounce"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/notify"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/retry"
)

// Config configures an EntityEngine.
type Config struct {
	Policy          conflict.Policy
	Delays          debounce.Delays
	Retry           retry.Policy
	PushTimeout     time.Duration
	SnapshotTimeout time.Duration
	// Now is the clock used for change timestamps.
	Now func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Policy:          conflict.PolicyLastWriteWins,
		Delays:          debounce.DefaultDelays(),
		Retry:           retry.DefaultPolicy(),
		PushTimeout:     10 * time.Second,
		SnapshotTimeout: 15 * time.Second,
		Now:             time.Now,
	}
}

// ConfigFrom maps the file configuration onto engine settings.
func ConfigFrom(c config.Config) (Config, error) {
	policy, err := conflict.ParsePolicy(c.Conflict.Policy)
	if err != nil {
		return Config{}, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid conflict policy", err)
	}
	return Config{
		Policy: policy,
		Delays: debounce.Delays{
			Text:    c.Debounce.Text.Std(),
			Numeric: c.Debounce.Numeric.Std(),
			List:    c.Debounce.List.Std(),
			Blob:    c.Debounce.Blob.Std(),
		},
		Retry: retry.Policy{
			Base:        c.Retry.Base.Std(),
			Cap:         c.Retry.Cap.Std(),
			MaxAttempts: c.Retry.MaxAttempts,
			Jitter:      c.Retry.Jitter,
		},
		PushTimeout:     c.Transport.PushTimeout.Std(),
		SnapshotTimeout: c.Transport.SnapshotTimeout.Std(),
		Now:             time.Now,
	}, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = def.PushTimeout
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = def.SnapshotTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

var errDisposed = apperrors.New(apperrors.ErrSyncDisposed, "sync engine disposed")

// EntityEngine synchronizes the fields of one entity. All state transitions
// run under the entity's mutex; network calls run outside it.
type EntityEngine struct {
	entityID  string
	cfg       Config
	store     *changestore.Store
	transport TransportClient
	resolver  *conflict.Resolver
	debouncer *debounce.Debouncer
	retries   *retry.Scheduler
	events    *notify.Broadcaster[StatusEvent]
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	// subMu serializes subscription changes; it is taken before mu.
	subMu stdsync.Mutex

	mu           stdsync.Mutex
	gen          uint64
	disposed     bool
	fullSyncing  bool
	wantRealtime bool
	sub          *subscription
	inflight     map[models.FieldName]models.ChangeRecord
	buffered     map[models.FieldName][]models.RemoteChangeEvent
	published    map[models.FieldName]publishedState
}

// NewEntityEngine creates an engine for the entity held by store.
// Call Resume to push changes left over from an earlier run.
func NewEntityEngine(store *changestore.Store, transport TransportClient, cfg Config) *EntityEngine {
	e := newEntityEngine(store, transport, cfg, nil)
	e.debouncer = debounce.New(e.onDebounce)
	return e
}

func newEntityEngine(store *changestore.Store, transport TransportClient, cfg Config, debouncer *debounce.Debouncer) *EntityEngine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &EntityEngine{
		entityID:  store.EntityID(),
		cfg:       cfg,
		store:     store,
		transport: transport,
		resolver:  conflict.NewResolver(cfg.Policy),
		debouncer: debouncer,
		events:    notify.NewBroadcaster[StatusEvent](),
		log:       logging.Get().With(map[string]interface{}{"entity_id": store.EntityID()}),
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[models.FieldName]models.ChangeRecord),
		buffered:  make(map[models.FieldName][]models.RemoteChangeEvent),
		published: make(map[models.FieldName]publishedState),
	}
	e.retries = retry.NewScheduler(cfg.Retry, e.onRetry)
	return e
}

// EntityID returns the local entity id.
func (e *EntityEngine) EntityID() string {
	return e.entityID
}

func (e *EntityEngine) now() time.Time {
	return e.cfg.Now()
}

// EditField records a local edit. The value is durable when EditField
// returns; the push happens after the field's debounce delay.
func (e *EntityEngine) EditField(ctx context.Context, field models.FieldName, value models.Value) error {
	if field == "" {
		return apperrors.New(apperrors.ErrInvalid, "field name is required")
	}
	if !json.Valid(value) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("value for %s is not a JSON document", field))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return errDisposed
	}

	t := e.begin()
	t.touch(field)
	st := t.b.ApplyLocalEdit(field, value, e.now())
	if c, ok := t.b.Conflict(field); ok {
		c.LocalValue = st.Value.Clone()
		c.LocalVersion = st.LocalVersion
		c.LocalChangedAt = st.LastChangedAt
		t.b.MarkConflict(c)
	}
	if err := e.finishLocked(ctx, t); err != nil {
		return err
	}

	e.debouncer.Schedule(e.entityID, field, value, e.cfg.Delays.ForField(field))
	e.log.Debug("Local edit recorded", map[string]interface{}{
		"field":         field,
		"local_version": st.LocalVersion,
	})
	return nil
}

// Flush pushes every edit still waiting out its debounce delay.
func (e *EntityEngine) Flush() {
	e.debouncer.Flush(e.entityID)
}

// onDebounce turns the field's latest edit into a queued record.
func (e *EntityEngine) onDebounce(_ string, field models.FieldName, _ models.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}

	st, ok := e.store.Field(field)
	if !ok || st.Status.IsRest() {
		// Adopted or resolved while the timer was running.
		return
	}

	now := e.now()
	rec := models.ChangeRecord{
		ID:           ids.NewChangeID(),
		EntityID:     e.entityID,
		Field:        field,
		Value:        st.Value.Clone(),
		BaseVersion:  st.RemoteVersion,
		LocalVersion: st.LocalVersion,
		EnqueuedAt:   now,
		ChangedAt:    st.LastChangedAt,
	}

	t := e.begin()
	t.b.Enqueue(rec)
	t.push(field)
	e.retries.Cancel(field)
	if err := e.finishLocked(e.ctx, t); err != nil {
		return
	}
	e.log.Debug("Change enqueued", map[string]interface{}{
		"field":         field,
		"change_id":     rec.ID,
		"base_version":  rec.BaseVersion,
		"local_version": rec.LocalVersion,
	})
}

// onRetry runs when a retry timer fires.
func (e *EntityEngine) onRetry(rec models.ChangeRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	cur, ok := e.store.Pending(rec.Field)
	if !ok || cur.ID != rec.ID {
		// Superseded by a newer edit, which has its own push.
		return
	}
	e.kickLocked(rec.Field)
}

// kickLocked starts a push of the field's queued record unless one is
// already in flight or the field is not waiting to be pushed.
func (e *EntityEngine) kickLocked(field models.FieldName) {
	if e.disposed {
		return
	}
	if _, busy := e.inflight[field]; busy {
		return
	}
	rec, ok := e.store.Pending(field)
	if !ok {
		return
	}
	// A syncing field with nothing in flight lost its push result.
	if st, _ := e.store.Field(field); st.Status != models.StatusPending && st.Status != models.StatusSyncing {
		return
	}

	t := e.begin()
	t.touch(field)
	t.b.SetStatus(field, models.StatusSyncing, "")
	if err := e.finishLocked(e.ctx, t); err != nil {
		return
	}

	e.inflight[field] = rec
	e.wg.Add(1)
	go e.push(e.gen, rec)
}

func (e *EntityEngine) push(gen uint64, rec models.ChangeRecord) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PushTimeout)
	res, err := e.transport.Push(ctx, rec)
	timedOut := stderrors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		code := apperrors.ErrSyncNetwork
		if timedOut {
			code = apperrors.ErrSyncTimeout
		}
		err = apperrors.Wrap(code, "push failed", err)
	}
	e.handlePushResult(gen, rec, res, err)
}

func (e *EntityEngine) handlePushResult(gen uint64, rec models.ChangeRecord, res models.PushResult, pushErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed || gen != e.gen {
		e.log.Debug("Ignoring push result after disposal", map[string]interface{}{
			"field":     rec.Field,
			"change_id": rec.ID,
		})
		return
	}
	delete(e.inflight, rec.Field)

	switch {
	case pushErr != nil:
		e.onPushFailedLocked(rec, pushErr)
	case res.Outcome == models.PushAccepted:
		e.onPushAcceptedLocked(rec, res)
	case res.Outcome == models.PushRejectedConflict:
		e.onPushRejectedLocked(rec, res)
	default:
		e.onPushFailedLocked(rec, apperrors.New(apperrors.ErrSyncNetwork, fmt.Sprintf("unknown push outcome %q", res.Outcome)))
	}
}

func (e *EntityEngine) onPushAcceptedLocked(rec models.ChangeRecord, res models.PushResult) {
	f := rec.Field
	st, _ := e.store.Field(f)
	cur, hasCur := e.store.Pending(f)
	sameRecord := hasCur && cur.ID == rec.ID && cur.LocalVersion == rec.LocalVersion

	t := e.begin()
	t.touch(f)
	if res.RemoteID != "" && e.store.RemoteID() == "" {
		t.b.SetRemoteID(res.RemoteID)
	}
	t.b.SetLastSync(e.now())

	if sameRecord && st.LocalVersion <= rec.LocalVersion {
		t.b.MarkSynced(f, res.Version)
		if remote, ok := e.takeBufferedLocked(f, res.Version); ok {
			e.adoptRemoteLocked(t, f, remote)
		}
	} else {
		// A newer edit was made while this push was in flight. Rebase it on
		// the version we just wrote.
		t.b.Acknowledge(f, res.Version)
		if sameRecord {
			t.b.Discard(f)
		}
		if remote, ok := e.takeBufferedLocked(f, res.Version); ok {
			e.reconcileRemoteLocked(t, f, remote)
		}
		t.push(f)
	}

	e.log.Info("Field synced", map[string]interface{}{
		"field":      f,
		"change_id":  rec.ID,
		"version":    res.Version,
		"superseded": !sameRecord || st.LocalVersion > rec.LocalVersion,
	})
	e.finishResultLocked(t, rec)
}

func (e *EntityEngine) onPushRejectedLocked(rec models.ChangeRecord, res models.PushResult) {
	f := rec.Field
	remote := models.RemoteField{Value: res.RemoteValue, Version: res.Version, ChangedAt: res.RemoteChangedAt}
	if newer, ok := e.takeBufferedLocked(f, remote.Version); ok {
		remote = newer
	}

	base := rec.BaseVersion
	if cur, ok := e.store.Pending(f); ok {
		base = cur.BaseVersion
	}

	t := e.begin()
	t.touch(f)
	if remote.Version > base {
		e.reconcileRemoteLocked(t, f, remote)
	} else {
		// The remote refused a push whose base it is not ahead of.
		st, _ := e.store.Field(f)
		c := e.newConflict(st, remote)
		c.Defensive = true
		e.log.ErrorWithCode("Push rejected without a newer remote version", apperrors.ErrSyncProtocolConflict, nil, map[string]interface{}{
			"field":          f,
			"base_version":   base,
			"remote_version": remote.Version,
		})
		e.applyConflictLocked(t, c)
	}
	e.finishResultLocked(t, rec)
}

// finishResultLocked commits the outcome of a push. If the commit fails the
// outcome is lost and the record is still queued, so it is handled like a
// failed push: retried with backoff and moved to error once attempts run out.
func (e *EntityEngine) finishResultLocked(t *txn, rec models.ChangeRecord) {
	err := e.finishLocked(e.ctx, t)
	if err == nil {
		return
	}
	e.onPushFailedLocked(rec, err)
}

func (e *EntityEngine) onPushFailedLocked(rec models.ChangeRecord, pushErr error) {
	f := rec.Field
	target, ok := e.store.Pending(f)
	if !ok {
		e.log.Debug("Push failed for a record that is no longer queued", map[string]interface{}{"field": f})
		return
	}

	next, delay, err := e.retries.ScheduleRetry(target)
	exhausted := stderrors.Is(err, retry.ErrExhausted)

	t := e.begin()
	t.touch(f)
	t.b.UpdateAttempt(f, next.Attempt)
	if exhausted {
		reason := fmt.Sprintf("sync failed after %d attempts: %v", next.Attempt, pushErr)
		t.b.SetStatus(f, models.StatusError, reason)
		e.log.ErrorWithCode("Push retries exhausted", apperrors.ErrSyncRetryExhausted, pushErr, map[string]interface{}{
			"field":    f,
			"attempts": next.Attempt,
		})
	} else {
		e.log.Warn("Push failed, retry scheduled", map[string]interface{}{
			"field":    f,
			"attempt":  next.Attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    pushErr.Error(),
		})
	}
	if err := e.finishLocked(e.ctx, t); err != nil && exhausted {
		// No timer is armed; the field waits for Retry or Resume.
		e.log.Error("Failed to record exhausted retries", err, map[string]interface{}{"field": f})
	}
}

// takeBufferedLocked drops the field's buffered remote events and returns
// the newest one above version, if any.
func (e *EntityEngine) takeBufferedLocked(field models.FieldName, version int64) (models.RemoteField, bool) {
	events := e.buffered[field]
	delete(e.buffered, field)

	var best models.RemoteField
	found := false
	for _, ev := range events {
		if ev.Version > version && (!found || ev.Version > best.Version) {
			best = models.RemoteField{Value: ev.Value, Version: ev.Version, ChangedAt: ev.ChangedAt}
			found = true
		}
	}
	return best, found
}

// reconcileRemoteLocked settles a remote value that arrived while the field
// has an unsent local edit.
func (e *EntityEngine) reconcileRemoteLocked(t *txn, field models.FieldName, remote models.RemoteField) {
	st, _ := t.b.Field(field)
	base := st.RemoteVersion
	if rec, ok := t.b.Pending(field); ok {
		base = rec.BaseVersion
	}

	local := models.ChangeRecord{
		EntityID:    e.entityID,
		Field:       field,
		Value:       st.Value,
		BaseVersion: base,
		ChangedAt:   st.LastChangedAt,
	}
	c, isConflict := conflict.Detect(st, local, remote, e.now())
	if st.Origin == models.OriginRemote && remote.Version > base {
		// Only a realign record is queued; the newer remote value replaces it.
		isConflict = false
	}
	if !isConflict {
		if remote.Version > base {
			e.debouncer.Cancel(e.entityID, field)
			e.retries.Cancel(field)
			e.adoptRemoteLocked(t, field, remote)
		}
		return
	}
	e.applyConflictLocked(t, c)
}

// adoptRemoteLocked adopts a remote value and starts the realign push the
// store queues when the local counter is ahead of the adopted version.
func (e *EntityEngine) adoptRemoteLocked(t *txn, field models.FieldName, remote models.RemoteField) {
	t.touch(field)
	if t.b.AdoptRemote(field, remote) {
		st, _ := t.b.Field(field)
		e.log.Debug("Realigning versions after adopting a remote value", map[string]interface{}{
			"field":          field,
			"local_version":  st.LocalVersion,
			"remote_version": st.RemoteVersion,
		})
		t.push(field)
	}
}

func (e *EntityEngine) newConflict(st models.FieldState, remote models.RemoteField) models.Conflict {
	return models.Conflict{
		EntityID:        e.entityID,
		Field:           st.Field,
		LocalValue:      st.Value.Clone(),
		LocalVersion:    st.LocalVersion,
		LocalChangedAt:  st.LastChangedAt,
		RemoteValue:     remote.Value.Clone(),
		RemoteVersion:   remote.Version,
		RemoteChangedAt: remote.ChangedAt,
		DetectedAt:      e.now(),
	}
}

// Resume pushes records left queued by an earlier run and requeues edits
// that were recorded but never made it into a record. It is meant to run
// once right after the engine is created.
func (e *EntityEngine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return errDisposed
	}

	now := e.now()
	t := e.begin()
	resumed := 0
	for _, st := range e.store.Fields() {
		f := st.Field
		rec, hasRec := e.store.Pending(f)
		switch st.Status {
		case models.StatusConflict, models.StatusError:
			// Waits for a resolution or a manual retry.
			continue
		case models.StatusPending, models.StatusSyncing:
			if hasRec {
				t.b.SetStatus(f, models.StatusPending, "")
			} else {
				rec = t.b.EnsurePush(f, st.RemoteVersion, now)
			}
		default:
			if !hasRec {
				continue
			}
			t.b.SetStatus(f, models.StatusPending, "")
		}
		t.push(f)
		resumed++
		e.log.Debug("Resuming queued change", map[string]interface{}{
			"field":     f,
			"change_id": rec.ID,
			"attempt":   rec.Attempt,
		})
	}
	if resumed == 0 {
		return nil
	}

	e.log.Info("Resumed queued changes", map[string]interface{}{"count": resumed})
	return e.finishLocked(ctx, t)
}

// Retry makes a field whose retries were exhausted eligible for pushing again.
func (e *EntityEngine) Retry(ctx context.Context, field models.FieldName) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return errDisposed
	}

	if _, ok := e.store.Pending(field); !ok {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no queued change for %s", field))
	}
	if st, _ := e.store.Field(field); st.Status == models.StatusConflict {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s is in conflict and must be resolved first", field))
	}

	e.retries.Cancel(field)
	t := e.begin()
	t.b.ResetAttempt(field)
	t.push(field)
	e.log.Info("Manual retry requested", map[string]interface{}{"field": field})
	return e.finishLocked(ctx, t)
}

// Field returns one field's state.
func (e *EntityEngine) Field(field models.FieldName) (models.FieldState, bool) {
	return e.store.Field(field)
}

// Fields returns every known field, sorted by name.
func (e *EntityEngine) Fields() []models.FieldState {
	return e.store.Fields()
}

// Conflicts returns the conflicts waiting for a resolution.
func (e *EntityEngine) Conflicts() []models.Conflict {
	return e.store.Conflicts()
}

// PendingChanges returns the queued records in enqueue order.
func (e *EntityEngine) PendingChanges() []models.ChangeRecord {
	return e.store.PendingForEntity()
}

// LastSync returns the timestamp of the last successful sync.
func (e *EntityEngine) LastSync() *time.Time {
	return e.store.LastSync()
}

// Entity returns a snapshot of the entity.
func (e *EntityEngine) Entity() models.Entity {
	return e.store.Snapshot()
}

// Dispose cancels debounce and retry timers, closes the subscription and
// causes in-flight results to be ignored. Queued records stay in the store.
func (e *EntityEngine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.gen++
	e.wantRealtime = false
	sub := e.sub
	e.sub = nil
	e.inflight = make(map[models.FieldName]models.ChangeRecord)
	e.buffered = make(map[models.FieldName][]models.RemoteChangeEvent)
	e.mu.Unlock()

	e.cancel()
	e.debouncer.CancelAll(e.entityID)
	e.retries.CancelAll()
	if sub != nil {
		sub.close()
		if err := e.transport.Unsubscribe(e.entityID); err != nil {
			e.log.Warn("Unsubscribe on dispose failed", map[string]interface{}{"error": err.Error()})
		}
	}

	e.wg.Wait()
	e.events.Close()
	e.log.Info("Sync engine disposed")
}

// txn collects the mutations of one engine step.
type txn struct {
	b       *changestore.Batch
	touched map[models.FieldName]struct{}
	notices []StatusEvent
	pushes  []models.FieldName
}

func (e *EntityEngine) begin() *txn {
	return &txn{
		b:       e.store.Batch(),
		touched: make(map[models.FieldName]struct{}),
	}
}

func (t *txn) touch(field models.FieldName) {
	t.touched[field] = struct{}{}
}

func (t *txn) push(field models.FieldName) {
	t.touch(field)
	t.pushes = append(t.pushes, field)
}

// finishLocked commits the step, publishes the resulting statuses and
// starts the pushes it asked for.
func (e *EntityEngine) finishLocked(ctx context.Context, t *txn) error {
	if err := t.b.Commit(ctx); err != nil {
		e.log.Error("Failed to persist sync state", err)
		return err
	}

	for _, ev := range t.notices {
		e.events.Publish(ev)
		delete(e.published, ev.Field)
	}

	fields := make([]models.FieldName, 0, len(t.touched))
	for f := range t.touched {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	for _, f := range fields {
		e.publishFieldLocked(f)
	}

	for _, f := range t.pushes {
		e.kickLocked(f)
	}
	return nil
}
