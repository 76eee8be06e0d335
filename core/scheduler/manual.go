package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ManualScheduler records deadlines and fires them only when asked. Tests use
// it to drive expiry deterministically.
type ManualScheduler struct {
	mu        sync.Mutex
	handler   Handler
	deadlines map[string]time.Time
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{deadlines: make(map[string]time.Time)}
}

func (m *ManualScheduler) Handle(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *ManualScheduler) Schedule(_ context.Context, rideID string, at time.Time) error {
	m.mu.Lock()
	m.deadlines[rideID] = at
	m.mu.Unlock()
	return nil
}

// Deadline returns the armed deadline for rideID.
func (m *ManualScheduler) Deadline(rideID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.deadlines[rideID]
	return at, ok
}

// Fire invokes the handler for rideID synchronously, whether or not a
// deadline is still armed.
func (m *ManualScheduler) Fire(ctx context.Context, rideID string) {
	m.mu.Lock()
	delete(m.deadlines, rideID)
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ctx, rideID)
	}
}

// FireDue fires every deadline at or before now, earliest first.
func (m *ManualScheduler) FireDue(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	var due []string
	for id, at := range m.deadlines {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return m.deadlines[due[i]].Before(m.deadlines[due[j]]) })
	m.mu.Unlock()
	for _, id := range due {
		m.Fire(ctx, id)
	}
	return due
}
