package changestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/ids"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// Store is the durable sync state of one entity. Reads are served from the
// cache; every mutation is written to the backend before the cache changes
// and before the call returns.
type Store struct {
	backend  Backend
	entityID string

	mu        sync.Mutex
	fields    map[models.FieldName]models.FieldState
	changes   map[models.FieldName]models.ChangeRecord
	conflicts map[models.FieldName]models.Conflict
	meta      models.EntityMeta
}

// Open loads the entity's records from backend.
func Open(ctx context.Context, backend Backend, entityID string) (*Store, error) {
	if err := ids.ValidateEntityID(entityID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid entity id", err)
	}

	s := &Store{
		backend:   backend,
		entityID:  entityID,
		fields:    make(map[models.FieldName]models.FieldState),
		changes:   make(map[models.FieldName]models.ChangeRecord),
		conflicts: make(map[models.FieldName]models.Conflict),
		meta:      models.EntityMeta{LocalID: entityID},
	}

	if err := loadBucket(ctx, backend, BucketFields, entityID, s.fields); err != nil {
		return nil, err
	}
	if err := loadBucket(ctx, backend, BucketChanges, entityID, s.changes); err != nil {
		return nil, err
	}
	if err := loadBucket(ctx, backend, BucketConflicts, entityID, s.conflicts); err != nil {
		return nil, err
	}

	data, ok, err := backend.Get(ctx, Key{Bucket: BucketMeta, EntityID: entityID, Field: metaField})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "failed to load entity metadata", err)
	}
	if ok {
		if err := json.Unmarshal(data, &s.meta); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStore, "corrupt entity metadata", err)
		}
	}

	return s, nil
}

func loadBucket[T any](ctx context.Context, backend Backend, bucket, entityID string, into map[models.FieldName]T) error {
	records, err := backend.List(ctx, bucket, entityID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStore, fmt.Sprintf("failed to load %s", bucket), err)
	}
	for field, data := range records {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return apperrors.Wrap(apperrors.ErrStore, fmt.Sprintf("corrupt %s record %q", bucket, field), err)
		}
		into[models.FieldName(field)] = v
	}
	return nil
}

// EntityID returns the entity this store belongs to.
func (s *Store) EntityID() string {
	return s.entityID
}

// Field returns a copy of one field's state.
func (s *Store) Field(field models.FieldName) (models.FieldState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.fields[field]
	return st.Clone(), ok
}

// Fields returns all field states sorted by field name.
func (s *Store) Fields() []models.FieldState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FieldState, 0, len(s.fields))
	for _, st := range s.fields {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Pending returns the queued record for a field.
func (s *Store) Pending(field models.FieldName) (models.ChangeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.changes[field]
	return rec.Clone(), ok
}

// PendingForEntity returns every queued record in enqueue order.
func (s *Store) PendingForEntity() []models.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChangeRecord, 0, len(s.changes))
	for _, rec := range s.changes {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conflict returns the stored conflict for a field.
func (s *Store) Conflict(field models.FieldName) (models.Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[field]
	return c.Clone(), ok
}

// Conflicts returns every stored conflict sorted by field name.
func (s *Store) Conflicts() []models.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// LastSync returns the last successful sync time, if any.
func (s *Store) LastSync() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.LastSyncAt == nil {
		return nil
	}
	t := *s.meta.LastSyncAt
	return &t
}

// RemoteID returns the remote identifier, if assigned.
func (s *Store) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.RemoteID
}

// Snapshot returns a deep copy of the entity.
func (s *Store) Snapshot() models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := models.Entity{
		LocalID:  s.entityID,
		RemoteID: s.meta.RemoteID,
		Fields:   make(map[models.FieldName]models.FieldState, len(s.fields)),
	}
	for f, st := range s.fields {
		e.Fields[f] = st.Clone()
	}
	if s.meta.LastSyncAt != nil {
		t := *s.meta.LastSyncAt
		e.LastSyncAt = &t
	}
	return e
}

// Batch starts an atomic group of mutations.
func (s *Store) Batch() *Batch {
	return &Batch{
		store:     s,
		fields:    make(map[models.FieldName]models.FieldState),
		changes:   make(map[models.FieldName]*models.ChangeRecord),
		conflicts: make(map[models.FieldName]*models.Conflict),
	}
}

// ApplyLocalEdit records a user edit on the field state.
func (s *Store) ApplyLocalEdit(ctx context.Context, field models.FieldName, value models.Value, at time.Time) (models.FieldState, error) {
	b := s.Batch()
	st := b.ApplyLocalEdit(field, value, at)
	return st, b.Commit(ctx)
}

// Enqueue stores rec as the field's queued record, replacing any older one.
func (s *Store) Enqueue(ctx context.Context, rec models.ChangeRecord) error {
	b := s.Batch()
	b.Enqueue(rec)
	return b.Commit(ctx)
}

// MarkSyncing records that a push for the field is in flight.
func (s *Store) MarkSyncing(ctx context.Context, field models.FieldName) error {
	b := s.Batch()
	b.SetStatus(field, models.StatusSyncing, "")
	return b.Commit(ctx)
}

// MarkSynced records an accepted push at newRemoteVersion and drops the record.
func (s *Store) MarkSynced(ctx context.Context, field models.FieldName, newRemoteVersion int64) error {
	b := s.Batch()
	b.MarkSynced(field, newRemoteVersion)
	return b.Commit(ctx)
}

// MarkError records a terminal failure. The queued record is kept.
func (s *Store) MarkError(ctx context.Context, field models.FieldName, reason string) error {
	b := s.Batch()
	b.SetStatus(field, models.StatusError, reason)
	return b.Commit(ctx)
}

// MarkConflict stores the conflict and flags the field.
func (s *Store) MarkConflict(ctx context.Context, c models.Conflict) error {
	b := s.Batch()
	b.MarkConflict(c)
	return b.Commit(ctx)
}

// Acknowledge advances the remote version after an older push was accepted
// while a newer edit is queued. The queued record is rebased on it.
func (s *Store) Acknowledge(ctx context.Context, field models.FieldName, remoteVersion int64) error {
	b := s.Batch()
	b.Acknowledge(field, remoteVersion)
	return b.Commit(ctx)
}

// AdoptRemote replaces the local value with a remote one, dropping any
// queued record and conflict for the field. See Batch.AdoptRemote for the
// realign record it may queue instead.
func (s *Store) AdoptRemote(ctx context.Context, field models.FieldName, remote models.RemoteField) error {
	b := s.Batch()
	b.AdoptRemote(field, remote)
	return b.Commit(ctx)
}

// KeepLocal clears the field's conflict and rebases its queued record on
// remoteVersion so the next push overwrites the remote value.
func (s *Store) KeepLocal(ctx context.Context, field models.FieldName, remoteVersion int64) error {
	b := s.Batch()
	b.KeepLocal(field, remoteVersion)
	return b.Commit(ctx)
}

// UseValue settles the field's conflict with a new value to push.
func (s *Store) UseValue(ctx context.Context, field models.FieldName, value models.Value, remoteVersion int64, at time.Time) error {
	b := s.Batch()
	b.UseValue(field, value, remoteVersion, at)
	return b.Commit(ctx)
}

// UpdateAttempt persists a record's attempt counter.
func (s *Store) UpdateAttempt(ctx context.Context, field models.FieldName, attempt int) error {
	b := s.Batch()
	b.UpdateAttempt(field, attempt)
	return b.Commit(ctx)
}

// ResetAttempt makes an exhausted record eligible for pushing again.
func (s *Store) ResetAttempt(ctx context.Context, field models.FieldName) error {
	b := s.Batch()
	b.ResetAttempt(field)
	return b.Commit(ctx)
}

// ClearConflict drops the field's conflict without touching its value.
func (s *Store) ClearConflict(ctx context.Context, field models.FieldName) error {
	b := s.Batch()
	b.ClearConflict(field)
	return b.Commit(ctx)
}

// SetLastSync records a successful sync time.
func (s *Store) SetLastSync(ctx context.Context, at time.Time) error {
	b := s.Batch()
	b.SetLastSync(at)
	return b.Commit(ctx)
}

// SetRemoteID records the remote identifier.
func (s *Store) SetRemoteID(ctx context.Context, remoteID string) error {
	b := s.Batch()
	b.SetRemoteID(remoteID)
	return b.Commit(ctx)
}

// Batch collects mutations against the store and commits them atomically.
// Reads through a batch see its own uncommitted writes. A batch is not safe
// for concurrent use.
type Batch struct {
	store     *Store
	fields    map[models.FieldName]models.FieldState
	changes   map[models.FieldName]*models.ChangeRecord // nil deletes
	conflicts map[models.FieldName]*models.Conflict     // nil deletes
	meta      *models.EntityMeta
}

// Field returns the field state as seen by the batch.
func (b *Batch) Field(field models.FieldName) (models.FieldState, bool) {
	if st, ok := b.fields[field]; ok {
		return st.Clone(), true
	}
	return b.store.Field(field)
}

// Pending returns the queued record as seen by the batch.
func (b *Batch) Pending(field models.FieldName) (models.ChangeRecord, bool) {
	if rec, ok := b.changes[field]; ok {
		if rec == nil {
			return models.ChangeRecord{}, false
		}
		return rec.Clone(), true
	}
	return b.store.Pending(field)
}

// Conflict returns the stored conflict as seen by the batch.
func (b *Batch) Conflict(field models.FieldName) (models.Conflict, bool) {
	if c, ok := b.conflicts[field]; ok {
		if c == nil {
			return models.Conflict{}, false
		}
		return c.Clone(), true
	}
	return b.store.Conflict(field)
}

func (b *Batch) field(field models.FieldName) models.FieldState {
	st, ok := b.Field(field)
	if !ok {
		st = models.FieldState{Field: field, Status: models.StatusIdle, Origin: models.OriginLocal}
	}
	return st
}

func (b *Batch) putField(st models.FieldState) {
	b.fields[st.Field] = st.Clone()
}

func (b *Batch) putChange(rec models.ChangeRecord) {
	rec.EntityID = b.store.entityID
	r := rec.Clone()
	b.changes[rec.Field] = &r
}

func (b *Batch) deleteChange(field models.FieldName) {
	b.changes[field] = nil
}

func (b *Batch) putConflict(c models.Conflict) {
	c.EntityID = b.store.entityID
	cc := c.Clone()
	b.conflicts[c.Field] = &cc
}

func (b *Batch) deleteConflict(field models.FieldName) {
	b.conflicts[field] = nil
}

func (b *Batch) inConflict(field models.FieldName) bool {
	_, ok := b.Conflict(field)
	return ok
}

// ApplyLocalEdit sets the value and bumps the local version. A field in
// conflict stays in conflict.
func (b *Batch) ApplyLocalEdit(field models.FieldName, value models.Value, at time.Time) models.FieldState {
	st := b.field(field)
	st.Value = value.Clone()
	st.LocalVersion = max(st.LocalVersion, st.RemoteVersion) + 1
	st.Origin = models.OriginLocal
	st.LastChangedAt = at
	st.LastError = ""
	if st.Status != models.StatusConflict {
		st.Status = models.StatusPending
	}
	b.putField(st)
	return st.Clone()
}

// Enqueue replaces the field's queued record. The new record starts over
// at attempt 0.
func (b *Batch) Enqueue(rec models.ChangeRecord) {
	rec.Attempt = 0
	b.putChange(rec)
	st := b.field(rec.Field)
	if st.Status != models.StatusConflict {
		st.Status = models.StatusPending
		st.LastError = ""
	}
	b.putField(st)
}

// SetStatus sets a field's status and error text.
func (b *Batch) SetStatus(field models.FieldName, status models.Status, reason string) {
	st := b.field(field)
	st.Status = status
	st.LastError = reason
	b.putField(st)
}

// MarkSynced records an accepted push.
func (b *Batch) MarkSynced(field models.FieldName, newRemoteVersion int64) {
	st := b.field(field)
	st.RemoteVersion = newRemoteVersion
	st.LocalVersion = max(st.LocalVersion, newRemoteVersion)
	st.Status = models.StatusSynced
	st.LastError = ""
	b.putField(st)
	b.deleteChange(field)
	b.deleteConflict(field)
}

// MarkConflict stores the conflict and flags the field.
func (b *Batch) MarkConflict(c models.Conflict) {
	b.putConflict(c)
	st := b.field(c.Field)
	st.Status = models.StatusConflict
	b.putField(st)
}

// Acknowledge advances the remote version and rebases the queued record.
func (b *Batch) Acknowledge(field models.FieldName, remoteVersion int64) {
	st := b.field(field)
	st.RemoteVersion = max(st.RemoteVersion, remoteVersion)
	st.LocalVersion = max(st.LocalVersion, st.RemoteVersion)
	b.putField(st)

	if rec, ok := b.Pending(field); ok {
		rec.BaseVersion = st.RemoteVersion
		b.putChange(rec)
	}
}

// AdoptRemote replaces the local value with the remote one.
//
// Local versions never go backwards, so a field edited more than once
// before the remote value won can hold a local counter above the adopted
// version. Such a field is not synced yet: the adopted value is queued as a
// realign record, and the remote's acknowledgement of it brings both
// counters level. AdoptRemote reports whether it queued one.
func (b *Batch) AdoptRemote(field models.FieldName, remote models.RemoteField) bool {
	st := b.field(field)
	st.Value = remote.Value.Clone()
	st.RemoteVersion = remote.Version
	st.LocalVersion = max(st.LocalVersion, remote.Version)
	st.Origin = models.OriginRemote
	st.Status = models.StatusSynced
	st.LastError = ""
	if !remote.ChangedAt.IsZero() {
		st.LastChangedAt = remote.ChangedAt
	}
	b.deleteChange(field)
	b.deleteConflict(field)

	realign := st.LocalVersion > st.RemoteVersion
	if realign {
		st.Status = models.StatusPending
		b.putChange(b.recordFromState(st, time.Now()))
	}
	b.putField(st)
	return realign
}

// KeepLocal clears the conflict and rebases the queued record on remoteVersion.
func (b *Batch) KeepLocal(field models.FieldName, remoteVersion int64) {
	st := b.field(field)
	st.RemoteVersion = max(st.RemoteVersion, remoteVersion)
	st.LocalVersion = max(st.LocalVersion, st.RemoteVersion)
	st.Status = models.StatusPending
	st.LastError = ""
	b.putField(st)
	b.deleteConflict(field)

	rec, ok := b.Pending(field)
	if !ok {
		rec = b.recordFromState(st, time.Now())
	}
	rec.Value = st.Value.Clone()
	rec.BaseVersion = st.RemoteVersion
	rec.LocalVersion = st.LocalVersion
	rec.Attempt = 0
	b.putChange(rec)
}

// UseValue settles a conflict with a caller-chosen value.
func (b *Batch) UseValue(field models.FieldName, value models.Value, remoteVersion int64, at time.Time) {
	st := b.field(field)
	st.RemoteVersion = max(st.RemoteVersion, remoteVersion)
	st.Value = value.Clone()
	st.LocalVersion = max(st.LocalVersion, st.RemoteVersion) + 1
	st.Origin = models.OriginLocal
	st.LastChangedAt = at
	st.Status = models.StatusPending
	st.LastError = ""
	b.putField(st)
	b.deleteConflict(field)

	rec, ok := b.Pending(field)
	if !ok {
		rec = b.recordFromState(st, at)
	}
	rec.Value = value.Clone()
	rec.BaseVersion = st.RemoteVersion
	rec.LocalVersion = st.LocalVersion
	rec.ChangedAt = at
	rec.Attempt = 0
	b.putChange(rec)
}

// EnsurePush makes sure a record exists to push the field's local value
// against baseVersion. An existing record is rebased and has its attempts
// reset.
func (b *Batch) EnsurePush(field models.FieldName, baseVersion int64, now time.Time) models.ChangeRecord {
	st := b.field(field)
	rec, ok := b.Pending(field)
	if ok {
		rec.Attempt = 0
	} else {
		rec = b.recordFromState(st, now)
	}
	rec.BaseVersion = baseVersion
	b.putChange(rec)

	if st.Status != models.StatusConflict {
		st.Status = models.StatusPending
		st.LastError = ""
		b.putField(st)
	}
	return rec.Clone()
}

func (b *Batch) recordFromState(st models.FieldState, now time.Time) models.ChangeRecord {
	changedAt := st.LastChangedAt
	if changedAt.IsZero() {
		changedAt = now
	}
	return models.ChangeRecord{
		ID:           ids.NewChangeID(),
		EntityID:     b.store.entityID,
		Field:        st.Field,
		Value:        st.Value.Clone(),
		BaseVersion:  st.RemoteVersion,
		LocalVersion: st.LocalVersion,
		EnqueuedAt:   now,
		ChangedAt:    changedAt,
	}
}

// Discard drops the field's queued record and leaves its state alone.
func (b *Batch) Discard(field models.FieldName) {
	b.deleteChange(field)
}

// UpdateAttempt persists a record's attempt counter.
func (b *Batch) UpdateAttempt(field models.FieldName, attempt int) {
	rec, ok := b.Pending(field)
	if !ok {
		return
	}
	rec.Attempt = attempt
	b.putChange(rec)
	if !b.inConflict(field) {
		b.SetStatus(field, models.StatusPending, "")
	}
}

// ResetAttempt zeroes a record's attempt counter.
func (b *Batch) ResetAttempt(field models.FieldName) {
	rec, ok := b.Pending(field)
	if !ok {
		return
	}
	rec.Attempt = 0
	b.putChange(rec)
	if !b.inConflict(field) {
		b.SetStatus(field, models.StatusPending, "")
	}
}

// ClearConflict drops the conflict. The field returns to pending when a
// record is queued and to synced otherwise.
func (b *Batch) ClearConflict(field models.FieldName) {
	b.deleteConflict(field)
	st := b.field(field)
	if _, ok := b.Pending(field); ok {
		st.Status = models.StatusPending
	} else {
		st.Status = models.StatusSynced
	}
	b.putField(st)
}

// SetLastSync records a successful sync time.
func (b *Batch) SetLastSync(at time.Time) {
	m := b.currentMeta()
	t := at
	m.LastSyncAt = &t
	b.meta = &m
}

// SetRemoteID records the remote identifier.
func (b *Batch) SetRemoteID(remoteID string) {
	m := b.currentMeta()
	m.RemoteID = remoteID
	b.meta = &m
}

func (b *Batch) currentMeta() models.EntityMeta {
	if b.meta != nil {
		return *b.meta
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.meta
}

// Empty reports whether the batch has no mutations.
func (b *Batch) Empty() bool {
	return len(b.fields) == 0 && len(b.changes) == 0 && len(b.conflicts) == 0 && b.meta == nil
}

// Commit writes every mutation in one backend call and then updates the
// cache. On error nothing is applied.
func (b *Batch) Commit(ctx context.Context) error {
	if b.Empty() {
		return nil
	}
	s := b.store

	ops, err := b.ops()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStore, "failed to encode records", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Apply(ctx, ops); err != nil {
		return apperrors.Wrap(apperrors.ErrStore, "failed to persist sync state", err)
	}

	for f, st := range b.fields {
		s.fields[f] = st
	}
	for f, rec := range b.changes {
		if rec == nil {
			delete(s.changes, f)
		} else {
			s.changes[f] = *rec
		}
	}
	for f, c := range b.conflicts {
		if c == nil {
			delete(s.conflicts, f)
		} else {
			s.conflicts[f] = *c
		}
	}
	if b.meta != nil {
		s.meta = *b.meta
	}
	return nil
}

func (b *Batch) ops() ([]Op, error) {
	id := b.store.entityID
	ops := make([]Op, 0, len(b.fields)+len(b.changes)+len(b.conflicts)+1)

	for f, st := range b.fields {
		data, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Op{Key: Key{BucketFields, id, string(f)}, Value: data})
	}
	for f, rec := range b.changes {
		key := Key{BucketChanges, id, string(f)}
		if rec == nil {
			ops = append(ops, Op{Key: key, Delete: true})
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Op{Key: key, Value: data})
	}
	for f, c := range b.conflicts {
		key := Key{BucketConflicts, id, string(f)}
		if c == nil {
			ops = append(ops, Op{Key: key, Delete: true})
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Op{Key: key, Value: data})
	}
	if b.meta != nil {
		m := *b.meta
		m.LocalID = id
		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Op{Key: Key{BucketMeta, id, metaField}, Value: data})
	}

	// Deterministic order keeps backend writes reproducible.
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Key.Bucket != ops[j].Key.Bucket {
			return ops[i].Key.Bucket < ops[j].Key.Bucket
		}
		return ops[i].Key.Field < ops[j].Key.Field
	})
	return ops, nil
}
