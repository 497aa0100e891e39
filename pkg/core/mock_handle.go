package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// MockHandle is an in-memory Handle for tests. It records every verdict
// call, including illegal repeated ones, so tests can assert exactly-once.
type MockHandle struct {
	payload []byte
	now     func() time.Time

	accepts atomic.Int32
	drops   atomic.Int32

	mu         sync.Mutex
	resolvedAt time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMockHandle creates a handle around payload. now stamps the verdict
// time and may be nil.
func NewMockHandle(payload []byte, now func() time.Time) *MockHandle {
	if now == nil {
		now = time.Now
	}
	return &MockHandle{payload: payload, now: now, done: make(chan struct{})}
}

// Payload implements Handle
func (m *MockHandle) Payload() []byte { return m.payload }

// Accept implements Handle
func (m *MockHandle) Accept() error {
	m.accepts.Add(1)
	m.mark()
	return nil
}

// Drop implements Handle
func (m *MockHandle) Drop() error {
	m.drops.Add(1)
	m.mark()
	return nil
}

func (m *MockHandle) mark() {
	m.mu.Lock()
	if m.resolvedAt.IsZero() {
		m.resolvedAt = m.now()
	}
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })
}

// Accepts returns the number of Accept calls
func (m *MockHandle) Accepts() int { return int(m.accepts.Load()) }

// Drops returns the number of Drop calls
func (m *MockHandle) Drops() int { return int(m.drops.Load()) }

// Calls returns the total number of verdict calls
func (m *MockHandle) Calls() int { return m.Accepts() + m.Drops() }

// Done is closed on the first verdict
func (m *MockHandle) Done() <-chan struct{} { return m.done }

// ResolvedAt returns the time of the first verdict, zero if unresolved.
func (m *MockHandle) ResolvedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolvedAt
}
