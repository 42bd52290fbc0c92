package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox applies the same state machine as Inbox in process memory.
// It suits single-instance deployments and tests.
type MemoryInbox struct {
	mu              sync.Mutex
	entries         map[string]*entry
	recoveryTimeout time.Duration
	now             func() time.Time
}

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(recoveryTimeout time.Duration) *MemoryInbox {
	return &MemoryInbox{
		entries:         make(map[string]*entry),
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// Process runs fn at most once to completion per key
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	recovered := false
	if e, ok := m.entries[key]; ok {
		switch e.status {
		case StatusFinished:
			m.mu.Unlock()
			return &ProcessResult{Duplicate: true, Result: e.result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if m.now().Sub(e.updatedAt) <= m.recoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	m.entries[key] = &entry{handler: handlerName, status: StatusStarted, updatedAt: m.now()}
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.updatedAt = m.now()
	if err != nil {
		e.status = StatusRecoverable
		if IsPermanent(err) {
			e.status = StatusFailed
		}
		return nil, err
	}
	e.status = StatusFinished
	e.result = result
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// Status returns the recorded status of key
func (m *MemoryInbox) Status(key string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	return e.status, true
}
