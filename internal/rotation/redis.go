package rotation

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisCursor shares positions across proxy instances through INCR.
type RedisCursor struct {
	client *redis.Client
	prefix string
}

// NewRedisCursor constructs a RedisCursor.
func NewRedisCursor(client *redis.Client, prefix string) *RedisCursor {
	return &RedisCursor{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Next increments the shared counter for key.
func (c *RedisCursor) Next(ctx context.Context, key string) (uint64, error) {
	count, errIncr := c.client.Incr(ctx, c.buildKey(key)).Result()
	if errIncr != nil {
		return 0, errIncr
	}
	if count <= 0 {
		return 0, nil
	}
	return uint64(count - 1), nil
}

// Close releases the underlying client.
func (c *RedisCursor) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCursor) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + key
}
