package rotation

import "context"

// Cursor hands out monotonically increasing positions for a rotation key.
// The first call for a key returns 0.
type Cursor interface {
	Next(ctx context.Context, key string) (uint64, error)
}
