package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncpkg "github.com/aopopov01/TailTracker-sub009/internal/sync"
)

// fakeSyncer counts passes and can block or fail them.
type fakeSyncer struct {
	calls   atomic.Int32
	mu      sync.Mutex
	err     error
	block   chan struct{}
	results []*syncpkg.FullSyncResult
}

func (f *fakeSyncer) SyncAll(ctx context.Context) ([]*syncpkg.FullSyncResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	block, err, results := f.block, f.err, f.results
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, err
}

func createTestScheduler(syncer Syncer) *Scheduler {
	return NewScheduler(syncer, &SchedulerConfig{
		SyncInterval: 50 * time.Millisecond,
		SyncTimeout:  time.Second,
	})
}

// TestNewScheduler verifies defaults are applied for missing values.
func TestNewScheduler(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, nil)
	assert.Equal(t, 5*time.Minute, s.syncInterval)
	assert.Equal(t, 5*time.Minute, s.syncTimeout)
	assert.True(t, s.IsOnline())
	assert.False(t, s.IsRunning())

	s = NewScheduler(&fakeSyncer{}, &SchedulerConfig{SyncInterval: time.Second})
	assert.Equal(t, time.Second, s.syncInterval)
	assert.Equal(t, 5*time.Minute, s.syncTimeout)
}

// TestScheduler_StartStop verifies start and stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	s := createTestScheduler(&fakeSyncer{})
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_PeriodicSync verifies the loop syncs on every tick.
func TestScheduler_PeriodicSync(t *testing.T) {
	f := &fakeSyncer{}
	s := createTestScheduler(f)
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return f.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	status := s.GetStatus()
	require.NotNil(t, status.LastSyncTime)
	assert.Empty(t, status.LastError)
}

// TestScheduler_OfflineSkipsSync verifies no pass runs while offline.
func TestScheduler_OfflineSkipsSync(t *testing.T) {
	f := &fakeSyncer{}
	s := createTestScheduler(f)
	ctx := context.Background()
	s.SetOnlineStatus(ctx, false)
	s.Start(ctx)
	defer s.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), f.calls.Load())
	assert.False(t, s.TriggerSync(ctx))
}

// TestScheduler_ReconnectTriggersSync verifies coming online runs a pass
// without waiting for the next tick.
func TestScheduler_ReconnectTriggersSync(t *testing.T) {
	f := &fakeSyncer{}
	s := NewScheduler(f, &SchedulerConfig{SyncInterval: time.Hour})
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	s.SetOnlineStatus(ctx, false)
	assert.False(t, s.IsOnline())
	s.SetOnlineStatus(ctx, true)

	assert.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// No transition, no extra pass.
	s.SetOnlineStatus(ctx, true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

// TestScheduler_TriggerSyncWhileRunning verifies passes never overlap.
func TestScheduler_TriggerSyncWhileRunning(t *testing.T) {
	f := &fakeSyncer{block: make(chan struct{})}
	s := NewScheduler(f, &SchedulerConfig{SyncInterval: time.Hour, SyncTimeout: time.Second})
	ctx := context.Background()

	require.True(t, s.TriggerSync(ctx))
	assert.Eventually(t, func() bool { return s.GetStatus().SyncInProgress }, time.Second, 5*time.Millisecond)

	assert.False(t, s.TriggerSync(ctx))
	err := s.SyncNow(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")

	close(f.block)
	assert.Eventually(t, func() bool { return !s.GetStatus().SyncInProgress }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

// TestScheduler_SyncNow verifies a manual pass records totals.
func TestScheduler_SyncNow(t *testing.T) {
	f := &fakeSyncer{results: []*syncpkg.FullSyncResult{
		{EntityID: "a", Adopted: 2, Pushed: 1},
		{EntityID: "b", Resolved: 1},
		nil,
	}}
	s := createTestScheduler(f)

	require.NoError(t, s.SyncNow(context.Background()))
	status := s.GetStatus()
	assert.Equal(t, Totals{Entities: 2, Adopted: 2, Pushed: 1, Resolved: 1}, status.LastTotals)
	require.NotNil(t, status.LastSyncTime)
}

// TestScheduler_SyncNowError verifies a failed pass is reported and does not
// advance the last sync time.
func TestScheduler_SyncNowError(t *testing.T) {
	f := &fakeSyncer{err: stderrors.New("remote unavailable")}
	s := createTestScheduler(f)

	err := s.SyncNow(context.Background())
	require.Error(t, err)
	status := s.GetStatus()
	assert.Nil(t, status.LastSyncTime)
	assert.Equal(t, "remote unavailable", status.LastError)
	assert.False(t, status.SyncInProgress)
}

// TestScheduler_StopWaitsForPass verifies Stop returns only after the
// running pass ends.
func TestScheduler_StopWaitsForPass(t *testing.T) {
	f := &fakeSyncer{block: make(chan struct{})}
	s := NewScheduler(f, &SchedulerConfig{SyncInterval: time.Hour, SyncTimeout: time.Second})
	ctx := context.Background()
	s.Start(ctx)
	require.True(t, s.TriggerSync(ctx))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a pass was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
