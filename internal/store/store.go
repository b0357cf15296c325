// Package store provides the durable session persistence interface and its
// SQLite implementation.
package store

import (
	"context"

	"github.com/fusheng-game/fusheng/internal/domain"
)

// Repository is the durable-store collaborator behind the in-memory session
// store. Any backend satisfying this contract is interchangeable; writes are
// best-effort and asynchronous with respect to the authoritative copy.
type Repository interface {
	// Load retrieves every persisted session, keyed by player ID. Used once
	// at startup to warm the in-memory map.
	Load(ctx context.Context) (map[string]*domain.Session, error)

	// Persist writes one session record through, replacing any prior row.
	Persist(ctx context.Context, playerID string, sess *domain.Session) error

	// MostRecent returns up to limit sessions ordered by last_modified
	// descending.
	MostRecent(ctx context.Context, limit int) ([]*domain.Session, error)

	// Delete removes a player's persisted record.
	Delete(ctx context.Context, playerID string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
