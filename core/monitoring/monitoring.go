package monitoring

import (
	"sync"
	"time"
)

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Flush(time.Duration)                       {}

var (
	mu      sync.RWMutex
	current Monitor = NopMonitor{}
)

// Init sets the global monitor implementation.
func Init(m Monitor) {
	if m == nil {
		return
	}
	mu.Lock()
	current = m
	mu.Unlock()
}

func get() Monitor {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// CaptureException records the error with optional tags.
func CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	get().CaptureException(err, tags)
}

// Recover captures panics in goroutines. It must be deferred directly.
func Recover() {
	if r := recover(); r != nil {
		if p, ok := get().(panicReporter); ok {
			p.ReportPanic(r)
		}
		panic(r)
	}
}

// panicReporter is implemented by monitors that can record a recovered
// panic value before it is re-raised.
type panicReporter interface {
	ReportPanic(v any)
}

// Flush flushes buffered events.
func Flush(d time.Duration) {
	get().Flush(d)
}

// Captured is one exception recorded by MockMonitor.
type Captured struct {
	Err  error
	Tags map[string]string
}

// MockMonitor records captured exceptions for tests.
type MockMonitor struct {
	mu       sync.Mutex
	Captured []Captured
	Panics   []any
}

func (m *MockMonitor) CaptureException(err error, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Captured = append(m.Captured, Captured{Err: err, Tags: tags})
}

func (m *MockMonitor) ReportPanic(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Panics = append(m.Panics, v)
}

func (m *MockMonitor) Flush(time.Duration) {}

// Len returns the number of captured exceptions.
func (m *MockMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Captured)
}
