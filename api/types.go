package api

import (
	"context"

	"brilliant-board/board"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper makes task creation idempotent per user and key.
type Deduper interface {
	// Add claims the key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Complete records the response for a claimed key.
	Complete(ctx context.Context, userID, key string, body []byte) error
	// Result returns the recorded response, or nil while none exists.
	Result(ctx context.Context, userID, key string) ([]byte, error)
	// Remove deletes a claimed key, used when creation fails.
	Remove(ctx context.Context, userID, key string) error
}

// BoardFactory builds the board session for a user. The registry calls it at
// most once per user and owns the returned session.
type BoardFactory func(userID string) *board.Session
