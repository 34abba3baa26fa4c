package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rhuss/dynapi/pkg/debug"
)

// acquireScript checks and increments a window counter in one step.
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = expiry in milliseconds
// Returns {count, acquired}.
var acquireScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= tonumber(ARGV[1]) then
		return {current, 0}
	end
	current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return {current, 1}
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "dynapi:ratelimit:",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore is a CounterStore shared by all gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	def := DefaultRedisConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Address, err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) key(key string, windowStart time.Time) string {
	return s.prefix + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// Peek implements CounterStore.
func (s *RedisStore) Peek(ctx context.Context, key string, windowStart time.Time) (int, error) {
	n, err := s.client.Get(ctx, s.key(key, windowStart)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	return n, nil
}

// Acquire implements CounterStore. Counters expire two windows after they
// start.
func (s *RedisStore) Acquire(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int) (int, bool, error) {
	k := s.key(key, windowStart)
	res, err := acquireScript.Run(ctx, s.client, []string{k}, limit, (2 * window).Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("acquiring counter %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("acquiring counter %s: unexpected reply %v", key, res)
	}
	debug.Log("ratelimit", "redis acquire", "key", k, "count", res[0], "acquired", res[1] == 1)
	return int(res[0]), res[1] == 1, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
