// Package memory provides an in-process remote store and a TransportClient
// for it. Each Client plays one device; several clients can share a Server.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/ids"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/notify"
)

type entity struct {
	remoteID string
	fields   map[models.FieldName]models.RemoteField
}

// Server is the shared remote store. Every field carries its own version;
// a push is accepted only when its base version equals the current one.
type Server struct {
	mu       sync.Mutex
	entities map[string]*entity
	events   *notify.Broadcaster[models.RemoteChangeEvent]
	now      func() time.Time
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{
		entities: make(map[string]*entity),
		events:   notify.NewBroadcaster[models.RemoteChangeEvent](),
		now:      time.Now,
	}
}

func (s *Server) entity(entityID string) *entity {
	e, ok := s.entities[entityID]
	if !ok {
		e = &entity{fields: make(map[models.FieldName]models.RemoteField)}
		s.entities[entityID] = e
	}
	return e
}

// Apply runs the version check for one record and stores it when accepted.
// The new version is max(current+1, rec.LocalVersion) so that the pushing
// device's counters stay aligned with the remote ones.
func (s *Server) Apply(rec models.ChangeRecord) models.PushResult {
	s.mu.Lock()
	e := s.entity(rec.EntityID)
	cur := e.fields[rec.Field]

	if rec.BaseVersion != cur.Version {
		s.mu.Unlock()
		return models.RejectedConflict(cur.Value.Clone(), cur.Version, cur.ChangedAt)
	}

	changedAt := rec.ChangedAt
	if changedAt.IsZero() {
		changedAt = s.now()
	}
	next := models.RemoteField{
		Value:     rec.Value.Clone(),
		Version:   max(cur.Version+1, rec.LocalVersion),
		ChangedAt: changedAt,
	}
	e.fields[rec.Field] = next
	if e.remoteID == "" {
		e.remoteID = ids.NewEntityID()
	}
	remoteID := e.remoteID
	s.publishLocked(rec.EntityID, rec.Field, next)
	s.mu.Unlock()

	res := models.Accepted(next.Version)
	res.RemoteID = remoteID
	return res
}

// Write stores a remote-origin edit, as if another device had pushed it.
func (s *Server) Write(entityID string, field models.FieldName, value models.Value) models.RemoteField {
	return s.WriteAt(entityID, field, value, s.now())
}

// WriteAt is Write with an explicit change time.
func (s *Server) WriteAt(entityID string, field models.FieldName, value models.Value, at time.Time) models.RemoteField {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entity(entityID)
	next := models.RemoteField{
		Value:     value.Clone(),
		Version:   e.fields[field].Version + 1,
		ChangedAt: at,
	}
	e.fields[field] = next
	s.publishLocked(entityID, field, next)
	return next
}

// Seed sets a field to an exact version without publishing an event.
func (s *Server) Seed(entityID string, field models.FieldName, remote models.RemoteField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity(entityID).fields[field] = models.RemoteField{
		Value:     remote.Value.Clone(),
		Version:   remote.Version,
		ChangedAt: remote.ChangedAt,
	}
}

func (s *Server) publishLocked(entityID string, field models.FieldName, f models.RemoteField) {
	s.events.Publish(models.RemoteChangeEvent{
		EntityID:  entityID,
		Field:     field,
		Value:     f.Value.Clone(),
		Version:   f.Version,
		ChangedAt: f.ChangedAt,
	})
}

// Field returns one field as stored remotely.
func (s *Server) Field(entityID string, field models.FieldName) (models.RemoteField, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID]
	if !ok {
		return models.RemoteField{}, false
	}
	f, ok := e.fields[field]
	if !ok {
		return models.RemoteField{}, false
	}
	f.Value = f.Value.Clone()
	return f, true
}

// Snapshot returns a copy of every field of an entity.
func (s *Server) Snapshot(entityID string) models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(models.Snapshot)
	if e, ok := s.entities[entityID]; ok {
		for name, f := range e.fields {
			f.Value = f.Value.Clone()
			snap[name] = f
		}
	}
	return snap
}

// Entities returns every entity id known to the server, sorted.
func (s *Server) Entities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch streams events for one entity until cancel is called.
func (s *Server) Watch(entityID string) (<-chan models.RemoteChangeEvent, func()) {
	return s.events.Subscribe(func(ev models.RemoteChangeEvent) bool {
		return ev.EntityID == entityID
	})
}

// Close ends every subscription.
func (s *Server) Close() {
	s.events.Close()
}

// Client is one device's connection to a Server.
type Client struct {
	server *Server

	mu         sync.Mutex
	offline    bool
	pushDelay  time.Duration
	failPushes int
	subs       map[string]func()
	pushes     []models.ChangeRecord
	inflight   map[string]int
	maxFlight  map[string]int
}

// NewClient creates a client connected to server.
func NewClient(server *Server) *Client {
	return &Client{
		server:    server,
		subs:      make(map[string]func()),
		inflight:  make(map[string]int),
		maxFlight: make(map[string]int),
	}
}

func flightKey(entityID string, field models.FieldName) string {
	return entityID + "/" + string(field)
}

func networkError(op string) error {
	return apperrors.New(apperrors.ErrSyncNetwork, fmt.Sprintf("%s: device is offline", op))
}

// SetOffline switches connectivity. Going offline drops every
// subscription, as a lost connection would.
func (c *Client) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	var drops []func()
	if offline {
		for id, cancel := range c.subs {
			drops = append(drops, cancel)
			delete(c.subs, id)
		}
	}
	c.mu.Unlock()

	for _, cancel := range drops {
		cancel()
	}
	logging.Debug("Memory transport connectivity changed", map[string]interface{}{"offline": offline})
}

// SetPushDelay makes every push wait d before reaching the server.
func (c *Client) SetPushDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushDelay = d
}

// FailPushes makes the next n pushes fail with a network error.
func (c *Client) FailPushes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPushes = n
}

// Push sends a record to the server.
func (c *Client) Push(ctx context.Context, rec models.ChangeRecord) (models.PushResult, error) {
	key := flightKey(rec.EntityID, rec.Field)

	c.mu.Lock()
	c.pushes = append(c.pushes, rec.Clone())
	c.inflight[key]++
	if c.inflight[key] > c.maxFlight[key] {
		c.maxFlight[key] = c.inflight[key]
	}
	delay := c.pushDelay
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight[key]--
		c.mu.Unlock()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.PushResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return models.PushResult{}, err
	}

	c.mu.Lock()
	if c.offline {
		c.mu.Unlock()
		return models.PushResult{}, networkError("push")
	}
	if c.failPushes > 0 {
		c.failPushes--
		c.mu.Unlock()
		return models.PushResult{}, apperrors.New(apperrors.ErrSyncNetwork, "push: connection reset")
	}
	c.mu.Unlock()

	return c.server.Apply(rec), nil
}

// Subscribe opens a stream of remote changes for an entity.
func (c *Client) Subscribe(ctx context.Context, entityID string) (<-chan models.RemoteChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return nil, networkError("subscribe")
	}
	if cancel, ok := c.subs[entityID]; ok {
		cancel()
	}
	ch, cancel := c.server.Watch(entityID)
	c.subs[entityID] = cancel
	return ch, nil
}

// Unsubscribe closes the entity's stream.
func (c *Client) Unsubscribe(entityID string) error {
	c.mu.Lock()
	cancel, ok := c.subs[entityID]
	delete(c.subs, entityID)
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

// FullSnapshot returns the server's view of an entity.
func (c *Client) FullSnapshot(ctx context.Context, entityID string) (models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	offline := c.offline
	c.mu.Unlock()
	if offline {
		return nil, networkError("snapshot")
	}
	return c.server.Snapshot(entityID), nil
}

// Pushes returns every push attempt in call order.
func (c *Client) Pushes() []models.ChangeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ChangeRecord, len(c.pushes))
	for i, rec := range c.pushes {
		out[i] = rec.Clone()
	}
	return out
}

// PushCount returns the number of push attempts for one field.
func (c *Client) PushCount(entityID string, field models.FieldName) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, rec := range c.pushes {
		if rec.EntityID == entityID && rec.Field == field {
			n++
		}
	}
	return n
}

// MaxConcurrentPushes returns the highest number of simultaneous pushes
// seen for one field.
func (c *Client) MaxConcurrentPushes(entityID string, field models.FieldName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight[flightKey(entityID, field)]
}

// Subscribed reports whether the client holds a stream for the entity.
func (c *Client) Subscribed(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[entityID]
	return ok
}
