// Package queue hands new canonical record ids to downstream enrichment workers.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ArenaIngest/internal/ports"
)

// DefaultKey is the list enrichment workers pop from.
const DefaultKey = "arena_ingest:queue:enrich"

type pusher interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// Redis pushes record ids onto a list; workers consume with BRPOP.
type Redis struct {
	client pusher
	key    string
}

var _ ports.EnrichmentQueue = (*Redis)(nil)

// Connect parses a redis:// URL, falling back to treating it as host:port, and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedis(client pusher, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

// Publish pushes all ids in one LPUSH. An empty batch is a no-op.
func (q *Redis) Publish(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	values := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		values[i] = id
	}
	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("publish %d ids: %w", len(recordIDs), err)
	}
	return nil
}
