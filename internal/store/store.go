// SPDX-License-Identifier: MIT

// Package store persists broadcast records and their status history.
// The engine touches it through a single write path, UpdateStatus, plus
// the reads needed to fetch a broadcast's destination and settings at
// start time.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("broadcast not found")
	// ErrInvalidStatus is returned for status values outside the known set.
	ErrInvalidStatus = errors.New("invalid broadcast status")
)

// Store is the system-of-record for broadcasts.
//
// UpdateStatus owns the timestamp side effects: the first transition to
// active stamps StartedAt, any terminal transition stamps EndedAt, and
// every transition bumps UpdatedAt and appends to the status history.
type Store interface {
	PutBroadcast(ctx context.Context, rec *BroadcastRecord) error
	GetBroadcast(ctx context.Context, id string) (*BroadcastRecord, error)
	ListBroadcasts(ctx context.Context) ([]*BroadcastRecord, error)
	DeleteBroadcast(ctx context.Context, id string) error

	UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error
	StatusHistory(ctx context.Context, id string, limit int) ([]StatusChange, error)

	Close() error
}

// New creates a store for the given backend. An empty backend defaults
// to sqlite; sqlite with an empty dir degrades to the in-memory store so
// ephemeral deployments need no data directory.
func New(backend, dir string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "sqlite":
		if dir == "" {
			return NewMemoryStore(), nil
		}
		return NewSQLiteStore(filepath.Join(dir, "broadcasts.sqlite"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: sqlite, memory)", backend)
	}
}
