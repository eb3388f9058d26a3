package rotation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Config selects the cursor backend.
type Config struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Manager serves positions from Redis when configured and healthy, and from
// memory otherwise. A Redis failure opens a breaker for a short period.
type Manager struct {
	cfg            Config
	nowFn          func() time.Time
	memory         *MemoryCursor
	newRedisClient RedisClientFactory

	mu           sync.Mutex
	redisCursor  *RedisCursor
	breakerUntil time.Time
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(cfg Config, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		cfg:            cfg,
		nowFn:          nowFn,
		memory:         NewMemoryCursor(),
		newRedisClient: newRedisClient,
	}
}

// Next returns the next position for key using the best available backend.
func (m *Manager) Next(ctx context.Context, key string) (uint64, error) {
	if m == nil {
		return 0, nil
	}
	if m.cfg.RedisEnabled {
		if pos, ok := m.nextRedis(ctx, key); ok {
			return pos, nil
		}
	}
	return m.memory.Next(ctx, key)
}

// Close releases the Redis client if one was opened.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisCursor == nil {
		return nil
	}
	errClose := m.redisCursor.Close()
	m.redisCursor = nil
	return errClose
}

func (m *Manager) nextRedis(ctx context.Context, key string) (uint64, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	if m.isBreakerActive(now) {
		return 0, false
	}
	cursor, errEnsure := m.ensureRedis(ctx)
	if errEnsure != nil {
		m.tripBreaker(errEnsure, now)
		return 0, false
	}
	pos, errNext := cursor.Next(ctx, key)
	if errNext != nil {
		m.tripBreaker(errNext, now)
		return 0, false
	}
	return pos, true
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("rotation: redis unavailable, falling back to memory")
}

func (m *Manager) ensureRedis(ctx context.Context) (*RedisCursor, error) {
	addr := strings.TrimSpace(m.cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rotation redis: missing address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redisCursor != nil {
		return m.redisCursor, nil
	}

	db := m.cfg.RedisDB
	if db < 0 {
		db = 0
	}
	client := m.newRedisClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(m.cfg.RedisPassword),
		DB:       db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redisCursor = NewRedisCursor(client, m.cfg.RedisPrefix)
	return m.redisCursor, nil
}
