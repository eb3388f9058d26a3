package rotation

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryCursor keeps per-key positions in process memory.
type MemoryCursor struct {
	mu      sync.Mutex
	cursors map[string]*atomic.Uint64
}

// NewMemoryCursor constructs a MemoryCursor.
func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{
		cursors: make(map[string]*atomic.Uint64),
	}
}

// Next returns the current position for key and advances it.
func (c *MemoryCursor) Next(_ context.Context, key string) (uint64, error) {
	c.mu.Lock()
	cursor := c.cursors[key]
	if cursor == nil {
		cursor = &atomic.Uint64{}
		c.cursors[key] = cursor
	}
	c.mu.Unlock()
	return cursor.Add(1) - 1, nil
}
