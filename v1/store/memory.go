package store

import (
	"context"
	"sync"
	"time"
)

type record struct {
	value     string
	expiresAt time.Time
}

// InMemory implements Store in process memory. Records expire lazily when
// they are next touched after their deadline.
type InMemory struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithClock replaces the time source used to evaluate expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(m *InMemory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewInMemory returns an empty in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{records: make(map[string]record), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TrySetIfAbsent implements Store.TrySetIfAbsent.
func (m *InMemory) TrySetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if r, ok := m.records[key]; ok && now.Before(r.expiresAt) {
		return false, nil
	}
	m.records[key] = record{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (m *InMemory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(r.expiresAt) {
		delete(m.records, key)
		return false, nil
	}
	if r.value != expected {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

// Get returns the live value stored under key.
func (m *InMemory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || !m.now().Before(r.expiresAt) {
		return "", false
	}
	return r.value, true
}
