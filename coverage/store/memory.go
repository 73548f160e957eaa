// Package store provides Store implementations.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/warp/coverage-audit/coverage"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a coverage.Store held in process memory. Goroutines sharing
// one Memory behave like tabs sharing the platform storage.
type Memory struct {
	Broadcaster

	mu     sync.RWMutex
	values map[string]json.RawMessage

	// FailWrites makes every Set/Remove fail with the given error.
	// Used to exercise store-failure paths.
	failMu     sync.RWMutex
	failWrites error
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]json.RawMessage)}
}

// FailWrites makes subsequent writes return err. Pass nil to recover.
func (m *Memory) FailWrites(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failWrites = err
}

func (m *Memory) writeErr() error {
	m.failMu.RLock()
	defer m.failMu.RUnlock()
	return m.failWrites
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

// Set writes all values under one lock, then notifies subscribers
// outside it. Values equal to what is stored produce no change.
func (m *Memory) Set(_ context.Context, values map[string]json.RawMessage) error {
	if err := m.writeErr(); err != nil {
		return err
	}

	m.mu.Lock()
	var changes []coverage.Change
	for k, v := range values {
		old, existed := m.values[k]
		if existed && bytes.Equal(old, v) {
			continue
		}
		stored := append(json.RawMessage(nil), v...)
		m.values[k] = stored
		changes = append(changes, coverage.Change{Key: k, Old: old, New: stored})
	}
	m.mu.Unlock()

	m.Publish(changes)
	return nil
}

func (m *Memory) Remove(_ context.Context, keys ...string) error {
	if err := m.writeErr(); err != nil {
		return err
	}

	m.mu.Lock()
	var changes []coverage.Change
	for _, k := range keys {
		old, existed := m.values[k]
		if !existed {
			continue
		}
		delete(m.values, k)
		changes = append(changes, coverage.Change{Key: k, Old: old})
	}
	m.mu.Unlock()

	m.Publish(changes)
	return nil
}

// Keys returns every stored key. Test helper.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}

var _ coverage.Store = (*Memory)(nil)
