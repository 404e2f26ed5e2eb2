// Package retry schedules re-pushes of failed change records with
// exponential backoff and a bounded number of attempts.
package retry

import (
	stderrors "errors"
	"math/rand"
	"sync"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// ErrExhausted is returned by ScheduleRetry once a record used all attempts.
var ErrExhausted = stderrors.New("retry attempts exhausted")

// Policy configures backoff.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// Jitter spreads each delay by ±Jitter (0.2 = ±20%).
	Jitter float64
}

// DefaultPolicy returns the backoff used against the cloud store.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         60 * time.Second,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

// Backoff returns min(Cap, Base * 2^attempt) without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 || p.Base<<uint(attempt) <= 0 {
		return p.Cap
	}
	d := p.Base << uint(attempt)
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Jittered applies jitter to Backoff(attempt) using r in [0, 1).
// The result never exceeds Cap.
func (p Policy) Jittered(attempt int, r float64) time.Duration {
	d := p.Backoff(attempt)
	if p.Jitter <= 0 {
		return d
	}
	factor := 1 + p.Jitter*(2*r-1)
	out := time.Duration(float64(d) * factor)
	if out > p.Cap {
		out = p.Cap
	}
	if out < 0 {
		out = 0
	}
	return out
}

// FireFunc re-pushes a record when its backoff elapses.
type FireFunc func(rec models.ChangeRecord)

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler arms one retry timer per field.
type Scheduler struct {
	policy Policy
	fire   FireFunc

	mu     sync.Mutex
	timers map[models.FieldName]*pending
	gen    uint64
}

// NewScheduler creates a Scheduler. fire runs on a timer goroutine.
func NewScheduler(policy Policy, fire FireFunc) *Scheduler {
	return &Scheduler{
		policy: policy,
		fire:   fire,
		timers: make(map[models.FieldName]*pending),
	}
}

// Policy returns the scheduler's backoff policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// ScheduleRetry increments the record's attempt counter and arms a timer.
// It returns the updated record and the delay. When the incremented counter
// reaches MaxAttempts no timer is armed and ErrExhausted is returned along
// with the updated record.
func (s *Scheduler) ScheduleRetry(rec models.ChangeRecord) (models.ChangeRecord, time.Duration, error) {
	next := rec.Clone()
	delay := s.policy.Jittered(rec.Attempt, rand.Float64())
	next.Attempt = rec.Attempt + 1

	if next.Attempt >= s.policy.MaxAttempts {
		s.Cancel(rec.Field)
		logging.Warn("Retry attempts exhausted", map[string]interface{}{
			"entity_id": rec.EntityID,
			"field":     rec.Field,
			"attempts":  next.Attempt,
		})
		return next, 0, ErrExhausted
	}

	s.mu.Lock()
	if p, ok := s.timers[rec.Field]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	p := &pending{gen: gen}
	p.timer = time.AfterFunc(delay, func() { s.expire(next, gen) })
	s.timers[rec.Field] = p
	s.mu.Unlock()

	logging.Debug("Retry scheduled", map[string]interface{}{
		"entity_id": rec.EntityID,
		"field":     rec.Field,
		"attempt":   next.Attempt,
		"delay_ms":  delay.Milliseconds(),
	})
	return next, delay, nil
}

func (s *Scheduler) expire(rec models.ChangeRecord, gen uint64) {
	s.mu.Lock()
	p, ok := s.timers[rec.Field]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, rec.Field)
	s.mu.Unlock()

	s.fire(rec)
}

// Cancel stops a field's pending retry.
func (s *Scheduler) Cancel(field models.FieldName) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.timers[field]; ok {
		p.timer.Stop()
		delete(s.timers, field)
	}
}

// CancelAll stops every pending retry.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for field, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, field)
	}
}

// Scheduled reports whether a retry timer is armed for field.
func (s *Scheduler) Scheduled(field models.FieldName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[field]
	return ok
}
