// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dataless deployments.
// Not durable.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*BroadcastRecord
	history map[string][]StatusChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*BroadcastRecord),
		history: make(map[string][]StatusChange),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) PutBroadcast(_ context.Context, rec *BroadcastRecord) error {
	now := time.Now().UTC()
	cp := rec.Clone()
	if cp.Status == "" {
		cp.Status = StatusOffline
	}
	if !cp.Status.Valid() {
		return ErrInvalidStatus
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	m.mu.Lock()
	m.records[cp.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetBroadcast(_ context.Context, id string) (*BroadcastRecord, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListBroadcasts(_ context.Context) ([]*BroadcastRecord, error) {
	m.mu.RLock()
	out := make([]*BroadcastRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteBroadcast(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.history, id)
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errorMessage string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = now
	if status == StatusActive && rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if status.Terminal() {
		rec.EndedAt = now
	}
	m.history[id] = append(m.history[id], StatusChange{
		Status:       status,
		ErrorMessage: errorMessage,
		ChangedAt:    now,
	})
	return nil
}

func (m *MemoryStore) StatusHistory(_ context.Context, id string, limit int) ([]StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.records[id]; !ok {
		return nil, ErrNotFound
	}
	hist := m.history[id]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]StatusChange, len(hist))
	copy(out, hist)
	return out, nil
}
