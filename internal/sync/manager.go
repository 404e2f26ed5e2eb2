package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/changestore"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/debounce"
)

// maxParallelSyncs bounds concurrent full syncs in SyncAll.
const maxParallelSyncs = 8

// Manager owns one EntityEngine per entity. Engines share the backend,
// the transport and the debouncer, but no entity state.
type Manager struct {
	backend   changestore.Backend
	transport TransportClient
	cfg       Config
	debouncer *debounce.Debouncer

	mu      stdsync.Mutex
	engines map[string]*EntityEngine
	closed  bool
}

// NewManager creates a Manager.
func NewManager(backend changestore.Backend, transport TransportClient, cfg Config) *Manager {
	m := &Manager{
		backend:   backend,
		transport: transport,
		cfg:       cfg,
		engines:   make(map[string]*EntityEngine),
	}
	m.debouncer = debounce.New(m.onDebounce)
	return m
}

func (m *Manager) onDebounce(entityID string, field models.FieldName, value models.Value) {
	m.mu.Lock()
	e, ok := m.engines[entityID]
	m.mu.Unlock()
	if ok {
		e.onDebounce(entityID, field, value)
	}
}

// Engine returns the engine for entityID, opening it on first use. A newly
// opened engine resumes any changes queued by an earlier run.
func (m *Manager) Engine(ctx context.Context, entityID string) (*EntityEngine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, apperrors.New(apperrors.ErrSyncDisposed, "sync manager closed")
	}
	if e, ok := m.engines[entityID]; ok {
		return e, nil
	}

	store, err := changestore.Open(ctx, m.backend, entityID)
	if err != nil {
		return nil, err
	}
	e := newEntityEngine(store, m.transport, m.cfg, m.debouncer)
	m.engines[entityID] = e

	if err := e.Resume(ctx); err != nil {
		logging.Error("Failed to resume queued changes", err, map[string]interface{}{"entity_id": entityID})
	}
	return e, nil
}

// Entities returns the ids of the open engines, sorted.
func (m *Manager) Entities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResumeAll opens an engine for every entity found in the backend.
func (m *Manager) ResumeAll(ctx context.Context) error {
	ids, err := m.backend.Entities(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStore, "failed to list entities", err)
	}
	for _, id := range ids {
		if _, err := m.Engine(ctx, id); err != nil {
			return fmt.Errorf("failed to open entity %s: %w", id, err)
		}
	}
	logging.Info("Resumed entities", map[string]interface{}{"count": len(ids)})
	return nil
}

// SyncAll runs a full sync for every open entity in parallel. Results are
// ordered like Entities; a failed entity has a nil result.
func (m *Manager) SyncAll(ctx context.Context) ([]*FullSyncResult, error) {
	m.mu.Lock()
	engines := make([]*EntityEngine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()
	sort.Slice(engines, func(i, j int) bool { return engines[i].entityID < engines[j].entityID })

	results := make([]*FullSyncResult, len(engines))
	var g errgroup.Group
	g.SetLimit(maxParallelSyncs)
	for i, e := range engines {
		i, e := i, e
		g.Go(func() error {
			res, err := e.PerformFullSync(ctx)
			if err != nil {
				return fmt.Errorf("entity %s: %w", e.entityID, err)
			}
			results[i] = res
			return nil
		})
	}
	return results, g.Wait()
}

// Dispose disposes one entity's engine. Its queued changes stay durable.
func (m *Manager) Dispose(entityID string) {
	m.mu.Lock()
	e, ok := m.engines[entityID]
	delete(m.engines, entityID)
	m.mu.Unlock()

	if ok {
		e.Dispose()
	}
}

// Close disposes every engine and closes the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	engines := m.engines
	m.engines = make(map[string]*EntityEngine)
	m.mu.Unlock()

	for _, e := range engines {
		e.Dispose()
	}
	return m.backend.Close()
}
