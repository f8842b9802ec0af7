package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

var _ driven.DistributedLock = (*MockDistributedLock)(nil)

const (
	selfOwner    = "self"
	foreignOwner = "other-worker"
)

// MockDistributedLock is an in-memory DistributedLock with TTLs.
// Locks set through SetLockHeld belong to another worker and cannot be
// released or extended by this one.
type MockDistributedLock struct {
	mu       sync.Mutex
	locks    map[string]heldLock
	acquires int

	// Err, when set, is returned by every call
	Err error

	// ExtendErr, when set, is returned by Extend only
	ExtendErr error
	extends   int
}

type heldLock struct {
	owner  string
	expiry time.Time
}

func (h heldLock) live() bool { return time.Now().Before(h.expiry) }

// NewMockDistributedLock creates a new MockDistributedLock
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{locks: make(map[string]heldLock)}
}

func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.Err != nil {
		return false, m.Err
	}
	if h, ok := m.locks[name]; ok && h.live() {
		return false, nil
	}
	m.locks[name] = heldLock{owner: selfOwner, expiry: time.Now().Add(ttl)}
	return true, nil
}

func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if h, ok := m.locks[name]; ok && h.owner == selfOwner {
		delete(m.locks, name)
	}
	return nil
}

func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extends++
	if m.Err != nil {
		return m.Err
	}
	if m.ExtendErr != nil {
		return m.ExtendErr
	}
	h, ok := m.locks[name]
	if !ok || !h.live() || h.owner != selfOwner {
		return fmt.Errorf("lock %s not held by this instance: %w", name, domain.ErrNotFound)
	}
	h.expiry = time.Now().Add(ttl)
	m.locks[name] = h
	return nil
}

func (m *MockDistributedLock) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// IsHeld reports whether anyone holds a live lock called name
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.locks[name]
	return ok && h.live()
}

// SetLockHeld makes another worker hold name for ttl
func (m *MockDistributedLock) SetLockHeld(name string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[name] = heldLock{owner: foreignOwner, expiry: time.Now().Add(ttl)}
}

// ExtendCalls returns how many times Extend was called
func (m *MockDistributedLock) ExtendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extends
}

// AcquireCalls returns how many times Acquire was called
func (m *MockDistributedLock) AcquireCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}
