package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis the record store uses: point and bulk reads,
// set membership, and writes grouped in one transaction.
type Cache interface {
	// Get returns "" and no error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	// MGet reads several keys at once; missing keys yield "".
	MGet(ctx context.Context, keys ...string) ([]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	// Pipeline queues the commands issued by fn and executes them in one
	// MULTI/EXEC round trip.
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
	Close() error
}

// Pipeliner queues writes inside Pipeline.
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
	SAdd(key string, members ...interface{}) error
	SRem(key string, members ...interface{}) error
}
