package storage

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"brilliant-board/board"
	"brilliant-board/config"
)

// Backend returns the task store for the board identified by boardKey.
type Backend func(boardKey string) board.RemoteStore

// NewBackend builds the configured store, wrapped in a Redis read-through
// cache when rc is set and ttl is positive. The service and the reconcile
// worker share it so that a replayed mutation evicts the same cache entry a
// live one would.
func NewBackend(cfg config.StoreConfig, rc *redis.Client, ttl time.Duration) (Backend, error) {
	var base Backend
	// cacheKey maps a board to the key of the list it reads.
	var cacheKey func(boardKey string) string
	switch cfg.Backend {
	case config.BackendRest:
		// The row store has a single table shared by every caller.
		rest := NewRestStore(cfg.URL, cfg.APIKey, cfg.Table, nil)
		base = func(string) board.RemoteStore { return rest }
		cacheKey = func(string) string { return cfg.Table }
	case config.BackendTable:
		client, err := NewTableClient(cfg.ConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, err
		}
		base = func(boardKey string) board.RemoteStore { return NewTableStore(client, boardKey) }
		cacheKey = func(boardKey string) string { return boardKey }
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if rc == nil || ttl <= 0 {
		return base, nil
	}
	return func(boardKey string) board.RemoteStore {
		return NewCache(base(boardKey), rc, cacheKey(boardKey), ttl)
	}, nil
}
