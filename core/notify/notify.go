// Package notify defines how dispatch decisions reach pullers and observers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kilianp07/ridedispatch/core/messages"
)

// ErrNotConnected is returned when a targeted recipient has no live channel.
var ErrNotConnected = errors.New("recipient not connected")

// Notifier delivers outbound messages. Notify targets a single puller while
// Broadcast reaches every subscriber of the shared channel.
type Notifier interface {
	Notify(ctx context.Context, pullerID string, msg messages.Message) error
	Broadcast(ctx context.Context, msg messages.Message) error
}

// NopNotifier discards every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, messages.Message) error { return nil }
func (NopNotifier) Broadcast(context.Context, messages.Message) error      { return nil }

// MultiNotifier fans messages out to several transports. A targeted message
// succeeds if at least one transport delivered it.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier combines the given notifiers, skipping nil entries.
func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range ns {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *MultiNotifier) Notify(ctx context.Context, pullerID string, msg messages.Message) error {
	var errs []error
	delivered := false
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, pullerID, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered || len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("notify %s: %w", pullerID, errors.Join(errs...))
}

func (m *MultiNotifier) Broadcast(ctx context.Context, msg messages.Message) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Broadcast(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sent is a message captured by MockNotifier. PullerID is empty for
// broadcasts.
type Sent struct {
	PullerID string
	Message  messages.Message
}

// MockNotifier records every message and can be told to fail for specific
// pullers. It is used in tests.
type MockNotifier struct {
	mu      sync.Mutex
	Sent    []Sent
	FailIDs map[string]bool
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{FailIDs: make(map[string]bool)}
}

func (m *MockNotifier) Notify(_ context.Context, pullerID string, msg messages.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailIDs[pullerID] {
		return fmt.Errorf("%s: %w", pullerID, ErrNotConnected)
	}
	m.Sent = append(m.Sent, Sent{PullerID: pullerID, Message: msg})
	return nil
}

func (m *MockNotifier) Broadcast(_ context.Context, msg messages.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, Sent{Message: msg})
	return nil
}

// To returns the messages of the given kind sent to pullerID.
func (m *MockNotifier) To(pullerID string, kind messages.Kind) []messages.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []messages.Message
	for _, s := range m.Sent {
		if s.PullerID == pullerID && s.Message.Kind() == kind {
			out = append(out, s.Message)
		}
	}
	return out
}

// Broadcasts returns the broadcast messages of the given kind.
func (m *MockNotifier) Broadcasts(kind messages.Kind) []messages.Message {
	return m.To("", kind)
}

// Recipients lists the pullers that received a message of the given kind, in
// send order.
func (m *MockNotifier) Recipients(kind messages.Kind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.Sent {
		if s.PullerID != "" && s.Message.Kind() == kind {
			out = append(out, s.PullerID)
		}
	}
	return out
}

// Reset forgets any recorded messages.
func (m *MockNotifier) Reset() {
	m.mu.Lock()
	m.Sent = nil
	m.mu.Unlock()
}
