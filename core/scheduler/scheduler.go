package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kilianp07/ridedispatch/core/monitoring"
)

// Handler is invoked when a deadline elapses.
type Handler func(ctx context.Context, rideID string)

// Scheduler arms per-ride deadlines. A deadline is never cancelled; the
// handler decides whether it still applies.
type Scheduler interface {
	// Handle registers the callback. It must be called before Schedule.
	Handle(h Handler)
	Schedule(ctx context.Context, rideID string, at time.Time) error
}

// TimerScheduler keeps deadlines in process memory using time.AfterFunc.
// Deadlines are lost on restart.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func NewTimerScheduler() *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func (s *TimerScheduler) Handle(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Schedule arms a deadline for rideID, replacing any earlier one.
func (s *TimerScheduler) Schedule(_ context.Context, rideID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(at.Sub(s.now()), func() {
		defer monitoring.Recover()
		s.mu.Lock()
		if s.timers[rideID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, rideID)
		h := s.handler
		s.mu.Unlock()
		if h != nil && s.ctx.Err() == nil {
			h(s.ctx, rideID)
		}
	})
	s.timers[rideID] = timer
	return nil
}

// Pending reports the number of armed deadlines.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every timer. Handlers already running see a cancelled context.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
