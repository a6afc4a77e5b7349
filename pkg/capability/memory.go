// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory. Data is lost on restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	skills map[string]map[string]Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{skills: make(map[string]map[string]Record)}
}

// Get returns the record for key.
func (m *MemoryBackend) Get(_ context.Context, skillID, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.skills[skillID][key]
	return rec, ok, nil
}

// Put stores rec, replacing any previous value.
func (m *MemoryBackend) Put(_ context.Context, skillID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.skills[skillID]
	if !ok {
		bucket = make(map[string]Record)
		m.skills[skillID] = bucket
	}
	bucket[rec.Key] = rec
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, skillID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.skills[skillID]
	if _, ok := bucket[key]; !ok {
		return false, nil
	}
	delete(bucket, key)
	return true, nil
}

// Records returns every record of skillID.
func (m *MemoryBackend) Records(_ context.Context, skillID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.skills[skillID]
	out := make([]Record, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, rec)
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
