package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aopopov01/TailTracker-sub009/internal/config"
	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/changestore"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/transport/memory"
)

// TestEditField_coalescesRapidEdits verifies that edits inside one debounce
// window produce exactly one push carrying the last value.
func TestEditField_coalescesRapidEdits(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")
	ctx := context.Background()

	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Max")))
	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Maximilian")))

	st := waitStatus(t, e, models.FieldPetName, models.StatusSynced)
	assert.Equal(t, 1, d.client.PushCount("pet-1", models.FieldPetName))
	pushes := d.client.Pushes()
	require.Len(t, pushes, 1)
	assertValue(t, "Maximilian", pushes[0].Value)
	assert.Equal(t, int64(0), pushes[0].BaseVersion)

	remote, ok := server.Field("pet-1", models.FieldPetName)
	require.True(t, ok)
	assertValue(t, "Maximilian", remote.Value)
	assert.Equal(t, remote.Version, st.RemoteVersion)
	assert.Equal(t, st.RemoteVersion, st.LocalVersion)
	assert.Empty(t, e.PendingChanges())
}

// TestEditField_rejectedConflictLastWriteWins verifies a rejected push is
// settled by last-write-wins in favour of the newer remote value.
func TestEditField_rejectedConflictLastWriteWins(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")
	ctx := context.Background()

	server.Seed("pet-1", models.FieldWeight, models.RemoteField{Value: val(12.0), Version: 3, ChangedAt: time.Now()})
	_, err := e.PerformFullSync(ctx)
	require.NoError(t, err)
	st, _ := e.Field(models.FieldWeight)
	require.Equal(t, int64(3), st.RemoteVersion)

	// Another device wrote 13.0 after our edit will be made.
	server.Seed("pet-1", models.FieldWeight, models.RemoteField{
		Value:     val(13.0),
		Version:   4,
		ChangedAt: time.Now().Add(time.Hour),
	})

	events, cancel := e.WatchField(models.FieldWeight)
	defer cancel()

	require.NoError(t, e.EditField(ctx, models.FieldWeight, val(12.5)))
	st = waitStatus(t, e, models.FieldWeight, models.StatusSynced)

	assertValue(t, 13.0, st.Value)
	assert.Equal(t, int64(4), st.RemoteVersion)
	assert.Equal(t, models.OriginRemote, st.Origin)
	assert.Empty(t, e.Conflicts())

	pushes := d.client.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, int64(3), pushes[0].BaseVersion)

	// The policy-resolved conflict is still reported.
	sawConflict := false
	deadline := time.After(time.Second)
	for !sawConflict {
		select {
		case ev := <-events:
			if ev.Status == models.StatusConflict && ev.Conflict != nil {
				sawConflict = true
				assert.Equal(t, int64(4), ev.Conflict.RemoteVersion)
			}
		case <-deadline:
			t.Fatal("no conflict event published")
		}
	}
}

// TestEditField_rejectedConflictPreferLocal verifies prefer_local re-pushes
// the local value on top of the remote version.
func TestEditField_rejectedConflictPreferLocal(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyPreferLocal)
	e := d.open("pet-1")
	ctx := context.Background()

	server.Write("pet-1", models.FieldBreed, val("Beagle"))
	require.NoError(t, e.EditField(ctx, models.FieldBreed, val("Labrador")))

	st := waitStatus(t, e, models.FieldBreed, models.StatusSynced)
	assertValue(t, "Labrador", st.Value)

	remote, _ := server.Field("pet-1", models.FieldBreed)
	assertValue(t, "Labrador", remote.Value)
	assert.Equal(t, remote.Version, st.RemoteVersion)
	assert.Equal(t, 2, d.client.PushCount("pet-1", models.FieldBreed))
}

// TestEditField_remoteWinsAfterRepeatedEdits verifies a field edited twice
// before losing to a newer remote value ends with both version counters
// level, after one extra push that carries the remote value.
func TestEditField_remoteWinsAfterRepeatedEdits(t *testing.T) {
	for _, policy := range []conflict.Policy{conflict.PolicyLastWriteWins, conflict.PolicyPreferRemote} {
		t.Run(string(policy), func(t *testing.T) {
			server := memory.NewServer()
			d := newDevice(t, server, policy)
			e := d.open("pet-1")
			ctx := context.Background()

			server.Seed("pet-1", models.FieldWeight, models.RemoteField{Value: val(12.0), Version: 3, ChangedAt: time.Now()})
			_, err := e.PerformFullSync(ctx)
			require.NoError(t, err)

			server.Seed("pet-1", models.FieldWeight, models.RemoteField{
				Value:     val(13.0),
				Version:   4,
				ChangedAt: time.Now().Add(time.Hour),
			})

			require.NoError(t, e.EditField(ctx, models.FieldWeight, val(12.4)))
			require.NoError(t, e.EditField(ctx, models.FieldWeight, val(12.5)))

			require.Eventually(t, func() bool {
				st, _ := e.Field(models.FieldWeight)
				return st.Status == models.StatusSynced && st.LocalVersion == st.RemoteVersion
			}, waitFor, tick)

			st, _ := e.Field(models.FieldWeight)
			assertValue(t, 13.0, st.Value)
			assert.Equal(t, int64(5), st.LocalVersion)
			assert.Equal(t, models.OriginRemote, st.Origin)
			assert.Empty(t, e.PendingChanges())
			assert.Empty(t, e.Conflicts())

			remote, _ := server.Field("pet-1", models.FieldWeight)
			assertValue(t, 13.0, remote.Value)
			assert.Equal(t, st.RemoteVersion, remote.Version)

			pushes := d.client.Pushes()
			require.Len(t, pushes, 2)
			assertValue(t, 12.5, pushes[0].Value)
			assertValue(t, 13.0, pushes[1].Value)
			assert.Equal(t, int64(4), pushes[1].BaseVersion)
		})
	}
}

// TestEditField_rejectedConflictPreferRemote verifies prefer_remote drops
// the queued edit and adopts the remote value without pushing again.
func TestEditField_rejectedConflictPreferRemote(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyPreferRemote)
	e := d.open("pet-1")
	ctx := context.Background()

	server.Write("pet-1", models.FieldBreed, val("Beagle"))
	require.NoError(t, e.EditField(ctx, models.FieldBreed, val("Labrador")))

	st := waitStatus(t, e, models.FieldBreed, models.StatusSynced)
	assertValue(t, "Beagle", st.Value)
	assert.Equal(t, int64(1), st.RemoteVersion)
	assert.Equal(t, st.RemoteVersion, st.LocalVersion)
	assert.Equal(t, models.OriginRemote, st.Origin)
	assert.Empty(t, e.PendingChanges())
	assert.Empty(t, e.Conflicts())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.client.PushCount("pet-1", models.FieldBreed))
	remote, _ := server.Field("pet-1", models.FieldBreed)
	assertValue(t, "Beagle", remote.Value)
	assert.Equal(t, int64(1), remote.Version)
}

// flakyBackend fails the next Apply calls it is told to.
type flakyBackend struct {
	changestore.Backend
	failures atomic.Int32
}

func (f *flakyBackend) Apply(ctx context.Context, ops []changestore.Op) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	f.failures.Store(0)
	return f.Backend.Apply(ctx, ops)
}

// TestEditField_lostPushResultRetried verifies a push result that cannot be
// stored leaves the record queued and is retried until the field settles.
func TestEditField_lostPushResultRetried(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	backend := &flakyBackend{Backend: d.backend}
	store, err := changestore.Open(context.Background(), backend, "pet-1")
	require.NoError(t, err)
	e := NewEntityEngine(store, d.client, d.cfg)
	t.Cleanup(e.Dispose)

	d.client.SetPushDelay(100 * time.Millisecond)
	require.NoError(t, e.EditField(context.Background(), models.FieldPetName, val("Rex")))
	e.Flush()
	waitStatus(t, e, models.FieldPetName, models.StatusSyncing)

	// The accepted result is the next write.
	backend.failures.Store(1)

	st := waitStatus(t, e, models.FieldPetName, models.StatusSynced)
	assertValue(t, "Rex", st.Value)
	assert.Equal(t, int64(1), st.RemoteVersion)
	assert.Equal(t, st.RemoteVersion, st.LocalVersion)
	assert.Empty(t, e.PendingChanges())
	assert.Equal(t, 2, d.client.PushCount("pet-1", models.FieldPetName))

	remote, _ := server.Field("pet-1", models.FieldPetName)
	assertValue(t, "Rex", remote.Value)
	assert.Equal(t, int64(1), remote.Version)
}

// TestEditField_retriesExhausted verifies three failed pushes leave the
// field in error with no further automatic retry.
func TestEditField_retriesExhausted(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")

	d.client.SetOffline(true)
	require.NoError(t, e.EditField(context.Background(), models.FieldPetName, val("Rex")))

	st := waitStatus(t, e, models.FieldPetName, models.StatusError)
	assert.Contains(t, st.LastError, "3 attempts")
	assert.Equal(t, 3, d.client.PushCount("pet-1", models.FieldPetName))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, d.client.PushCount("pet-1", models.FieldPetName))
	assert.False(t, e.retries.Scheduled(models.FieldPetName))

	pending := e.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempt)
	assertValue(t, "Rex", pending[0].Value)
}

// TestEditField_transientFailureRecovers verifies a retry succeeds once the
// transport recovers.
func TestEditField_transientFailureRecovers(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")

	d.client.FailPushes(2)
	require.NoError(t, e.EditField(context.Background(), models.FieldColor, val("brown")))

	waitStatus(t, e, models.FieldColor, models.StatusSynced)
	assert.Equal(t, 3, d.client.PushCount("pet-1", models.FieldColor))
	remote, _ := server.Field("pet-1", models.FieldColor)
	assertValue(t, "brown", remote.Value)
}

// TestEditField_singlePushInFlight verifies an edit made during a push waits
// for it and is then pushed on top of the accepted version.
func TestEditField_singlePushInFlight(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyManual)
	e := d.open("pet-1")
	ctx := context.Background()

	d.client.SetPushDelay(80 * time.Millisecond)
	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Rex")))
	waitStatus(t, e, models.FieldPetName, models.StatusSyncing)

	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Rexy")))
	st := waitStatus(t, e, models.FieldPetName, models.StatusSynced)

	assertValue(t, "Rexy", st.Value)
	assert.Equal(t, 1, d.client.MaxConcurrentPushes("pet-1", models.FieldPetName))
	assert.Equal(t, 2, d.client.PushCount("pet-1", models.FieldPetName))
	assert.Empty(t, e.Conflicts())

	pushes := d.client.Pushes()
	require.Len(t, pushes, 2)
	assert.Equal(t, int64(0), pushes[0].BaseVersion)
	assert.Equal(t, int64(1), pushes[1].BaseVersion)

	remote, _ := server.Field("pet-1", models.FieldPetName)
	assertValue(t, "Rexy", remote.Value)
	assert.Equal(t, remote.Version, st.RemoteVersion)
}

// TestEditField_independentFields verifies fields sync independently.
func TestEditField_independentFields(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")
	ctx := context.Background()

	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Rex")))
	require.NoError(t, e.EditField(ctx, models.FieldAllergies, val([]string{"pollen"})))
	require.NoError(t, e.EditField(ctx, models.FieldWeight, val(21.3)))

	for _, f := range []models.FieldName{models.FieldPetName, models.FieldAllergies, models.FieldWeight} {
		waitStatus(t, e, f, models.StatusSynced)
		assert.Equal(t, 1, d.client.PushCount("pet-1", f))
	}
	snap := server.Snapshot("pet-1")
	assert.Len(t, snap, 3)
	assertValue(t, []string{"pollen"}, snap[models.FieldAllergies].Value)

	entity := e.Entity()
	assert.Equal(t, "pet-1", entity.LocalID)
	assert.NotEmpty(t, entity.RemoteID)
	require.NotNil(t, e.LastSync())
}

// TestEditField_validation verifies bad input is rejected before any state
// changes.
func TestEditField_validation(t *testing.T) {
	d := newDevice(t, memory.NewServer(), conflict.PolicyLastWriteWins)
	e := d.open("pet-1")
	ctx := context.Background()

	err := e.EditField(ctx, "", val("x"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	err = e.EditField(ctx, models.FieldPetName, models.Value("{not json"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, ok := e.Field(models.FieldPetName)
	assert.False(t, ok)
}

// TestEditField_watchSequence verifies the published status transitions of
// a plain edit.
func TestEditField_watchSequence(t *testing.T) {
	d := newDevice(t, memory.NewServer(), conflict.PolicyLastWriteWins)
	e := d.open("pet-1")

	events, cancel := e.Watch()
	defer cancel()

	require.NoError(t, e.EditField(context.Background(), models.FieldSpecies, val("dog")))

	var got []models.Status
	deadline := time.After(waitFor)
	for len(got) == 0 || got[len(got)-1] != models.StatusSynced {
		select {
		case ev := <-events:
			assert.Equal(t, "pet-1", ev.EntityID)
			assert.Equal(t, models.FieldSpecies, ev.Field)
			got = append(got, ev.Status)
		case <-deadline:
			t.Fatalf("incomplete status sequence: %v", got)
		}
	}
	assert.Equal(t, []models.Status{models.StatusPending, models.StatusSyncing, models.StatusSynced}, got)
}

// TestFlush verifies Flush pushes without waiting for the debounce delay.
func TestFlush(t *testing.T) {
	d := newDevice(t, memory.NewServer(), conflict.PolicyLastWriteWins)
	d.cfg.Delays.Blob = time.Hour
	e := d.open("pet-1")

	require.NoError(t, e.EditField(context.Background(), models.FieldNotes, val("likes walks")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StatusPending, fieldStatus(e, models.FieldNotes))

	e.Flush()
	waitStatus(t, e, models.FieldNotes, models.StatusSynced)
}

// TestRetry verifies a manual retry pushes a field left in error.
func TestRetry(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")
	ctx := context.Background()

	err := e.Retry(ctx, models.FieldPetName)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	d.client.SetOffline(true)
	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Rex")))
	waitStatus(t, e, models.FieldPetName, models.StatusError)

	d.client.SetOffline(false)
	require.NoError(t, e.Retry(ctx, models.FieldPetName))
	waitStatus(t, e, models.FieldPetName, models.StatusSynced)
	assert.Equal(t, 4, d.client.PushCount("pet-1", models.FieldPetName))
}

// TestDispose_ignoresLateResults verifies a push that completes after
// disposal changes nothing and the queued record survives.
func TestDispose_ignoresLateResults(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	e := d.open("pet-1")
	ctx := context.Background()

	events, _ := e.Watch()
	d.client.SetPushDelay(time.Second)
	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Rex")))
	e.Flush()
	waitStatus(t, e, models.FieldPetName, models.StatusSyncing)

	e.Dispose()
	e.Dispose()

	assert.Equal(t, models.StatusSyncing, fieldStatus(e, models.FieldPetName))
	assert.Len(t, e.PendingChanges(), 1)
	_, ok := server.Field("pet-1", models.FieldPetName)
	assert.False(t, ok)

	for range events {
		// Drained until the broadcaster closes.
	}

	err := e.EditField(ctx, models.FieldPetName, val("Rexy"))
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDisposed))
	_, err = e.PerformFullSync(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDisposed))
	assert.True(t, apperrors.Is(e.StartRealTimeSync(ctx), apperrors.ErrSyncDisposed))
}

// TestResume_afterRestart verifies changes queued by a disposed engine are
// pushed by the next engine over the same store.
func TestResume_afterRestart(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	ctx := context.Background()

	first := d.open("pet-1")
	d.client.SetPushDelay(time.Second)
	require.NoError(t, first.EditField(ctx, models.FieldPetName, val("Rex")))
	first.Flush()
	waitStatus(t, first, models.FieldPetName, models.StatusSyncing)
	first.Dispose()

	d.client.SetPushDelay(0)
	second := d.open("pet-1")
	st, ok := second.Field(models.FieldPetName)
	require.True(t, ok)
	assertValue(t, "Rex", st.Value)

	require.NoError(t, second.Resume(ctx))
	waitStatus(t, second, models.FieldPetName, models.StatusSynced)
	remote, _ := server.Field("pet-1", models.FieldPetName)
	assertValue(t, "Rex", remote.Value)
}

// TestResume_editWithoutRecord verifies an edit persisted before its debounce
// fired is still pushed after a restart.
func TestResume_editWithoutRecord(t *testing.T) {
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyLastWriteWins)
	ctx := context.Background()

	store, err := changestore.Open(ctx, d.backend, "pet-1")
	require.NoError(t, err)
	_, err = store.ApplyLocalEdit(ctx, models.FieldMicrochip, val("985112003456789"), time.Now())
	require.NoError(t, err)

	e := d.open("pet-1")
	require.Empty(t, e.PendingChanges())
	require.NoError(t, e.Resume(ctx))

	waitStatus(t, e, models.FieldMicrochip, models.StatusSynced)
	remote, ok := server.Field("pet-1", models.FieldMicrochip)
	require.True(t, ok)
	assertValue(t, "985112003456789", remote.Value)
}

// TestConfigFrom verifies file settings map onto the engine config.
func TestConfigFrom(t *testing.T) {
	c := config.DefaultConfig()
	c.Conflict.Policy = "prefer_remote"

	cfg, err := ConfigFrom(c)
	require.NoError(t, err)
	assert.Equal(t, conflict.PolicyPreferRemote, cfg.Policy)
	assert.Equal(t, c.Retry.MaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, c.Debounce.Numeric.Std(), cfg.Delays.Numeric)

	c.Conflict.Policy = "coin_flip"
	_, err = ConfigFrom(c)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}
