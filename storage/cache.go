package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"brilliant-board/domain"
)

type backend interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	InsertTasks(ctx context.Context, tasks []domain.NewTask) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, id string) error
}

// Cache wraps a task store with Redis-backed caching of ListTasks. Successful
// mutations evict the cached list.
type Cache struct {
	base  backend
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewCache creates a caching wrapper for the board identified by boardKey.
func NewCache(base backend, client *redis.Client, boardKey string, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:  base,
		redis: client,
		key:   tasksCacheKey(boardKey),
		ttl:   ttl,
	}
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tasks)
	return tasks, nil
}

func (c *Cache) InsertTasks(ctx context.Context, tasks []domain.NewTask) ([]domain.Task, error) {
	stored, err := c.base.InsertTasks(ctx, tasks)
	if err != nil {
		return nil, err
	}

	c.evict(ctx)
	return stored, nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error {
	if err := c.base.UpdateTask(ctx, id, patch); err != nil {
		return err
	}

	c.evict(ctx)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}

	c.evict(ctx)
	return nil
}

func (c *Cache) load(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, c.key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, c.key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, tasks []domain.Task) {
	// an empty board is about to be seeded; caching it would hide the seed
	if c.redis == nil || c.ttl == 0 || len(tasks) == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, c.key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, c.key).Result()
}

func tasksCacheKey(boardKey string) string {
	return "tasks:" + boardKey
}
