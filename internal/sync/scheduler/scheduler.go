// Package scheduler provides background full-sync scheduling across entities.
// Real-time pushes cover the common path; the periodic pass is the safety net
// for missed events and for changes left behind while offline.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	syncpkg "github.com/aopopov01/TailTracker-sub009/internal/sync"
)

// Syncer runs a full sync over every open entity. *syncpkg.Manager
// implements it.
type Syncer interface {
	SyncAll(ctx context.Context) ([]*syncpkg.FullSyncResult, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer       Syncer
	syncInterval time.Duration
	syncTimeout  time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	lastTotals   Totals
	lastErr      error
	inProgress   bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to run a full sync when online (default: 5 minutes)
	SyncTimeout  time.Duration // Upper bound for one pass over all entities (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		SyncTimeout:  5 * time.Minute,
	}
}

// Totals sums the results of one pass.
type Totals struct {
	Entities  int
	Adopted   int
	Pushed    int
	Resolved  int
	Conflicts int
}

func sum(results []*syncpkg.FullSyncResult) Totals {
	var t Totals
	for _, r := range results {
		if r == nil {
			continue
		}
		t.Entities++
		t.Adopted += r.Adopted
		t.Pushed += r.Pushed
		t.Resolved += r.Resolved
		t.Conflicts += len(r.Conflicts)
	}
	return t
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncer Syncer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = def.SyncTimeout
	}

	return &Scheduler{
		syncer:       syncer,
		syncInterval: config.SyncInterval,
		syncTimeout:  config.SyncTimeout,
		stopCh:       make(chan struct{}),
		isOnline:     true, // Assume online initially
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the background sync scheduler and waits for a running pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler.
// Coming back online starts a full sync straight away so that edits made
// while offline reach the remote store without waiting for the next tick.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.TriggerSync(ctx) {
				logging.Debug("Sync already in progress, skipping", nil)
			}
		}
	}
}

// begin marks a pass as running. It reports false if one already is.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return false
	}
	s.inProgress = true
	return true
}

// run executes one pass. The caller must have called begin.
func (s *Scheduler) run(ctx context.Context, reason string) error {
	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	results, err := s.syncer.SyncAll(syncCtx)
	totals := sum(results)

	s.mu.Lock()
	s.lastErr = err
	s.lastTotals = totals
	if err == nil {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Full sync pass failed", errors.ErrSyncFailed, err,
			map[string]interface{}{"reason": reason, "entities_synced": totals.Entities})
		return err
	}

	logging.Info("Full sync pass completed",
		map[string]interface{}{
			"reason":    reason,
			"entities":  totals.Entities,
			"adopted":   totals.Adopted,
			"pushed":    totals.Pushed,
			"resolved":  totals.Resolved,
			"conflicts": totals.Conflicts,
		})
	return nil
}

// TriggerSync starts a full sync in the background.
// Returns true if sync was started, false if offline or already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return false
	}
	if !s.begin() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(ctx, "scheduled")
	}()
	return true
}

// SyncNow runs a full sync and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if !s.begin() {
		return errors.New(errors.ErrSyncFailed, "sync already in progress")
	}
	return s.run(ctx, "manual")
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
	LastTotals     Totals
	LastError      string
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.inProgress,
		LastTotals:     s.lastTotals,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
