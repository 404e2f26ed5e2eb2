// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
)

// TransportClient is the binding to the shared remote store.
// Implementations must not coalesce or drop messages silently.
type TransportClient interface {
	// Push sends one field change. A non-nil error is a network error;
	// version conflicts are reported through PushResult.
	Push(ctx context.Context, rec models.ChangeRecord) (models.PushResult, error)

	// Subscribe opens a stream of remote changes for an entity. Events for a
	// single field arrive in order. The channel is closed on Unsubscribe or
	// when the connection is lost.
	Subscribe(ctx context.Context, entityID string) (<-chan models.RemoteChangeEvent, error)

	// Unsubscribe closes the entity's stream. Unsubscribing twice is a no-op.
	Unsubscribe(entityID string) error

	// FullSnapshot returns every field the remote store holds for an entity.
	FullSnapshot(ctx context.Context, entityID string) (models.Snapshot, error)
}

// SyncEngineInterface defines the operations the UI layer uses for one entity.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// EditField records a local edit and schedules it for pushing.
	// It returns after the edit is durable and never waits on the network.
	EditField(ctx context.Context, field models.FieldName, value models.Value) error

	// StartRealTimeSync subscribes to remote changes for the entity.
	StartRealTimeSync(ctx context.Context) error

	// StopRealTimeSync unsubscribes and drops buffered remote events.
	StopRealTimeSync() error

	// PerformFullSync reconciles local state against a fresh remote snapshot.
	PerformFullSync(ctx context.Context) (*FullSyncResult, error)

	// ResolveConflicts applies explicit per-field resolutions.
	ResolveConflicts(ctx context.Context, resolutions []conflict.Resolution) error

	// Watch streams status transitions for every field of the entity.
	Watch() (<-chan StatusEvent, func())

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// Dispose cancels timers and subscriptions. Queued changes stay durable.
	Dispose()
}

var _ SyncEngineInterface = (*EntityEngine)(nil)
