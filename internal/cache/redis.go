package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for a Redis/Valkey server.
type RedisConfig struct {
	URL         string
	Password    string
	DialTimeout time.Duration
}

// RedisProvider implements Provider on top of go-redis.
type RedisProvider struct {
	rdb *redis.Client
}

// NewRedisProvider parses cfg.URL and pings the server so bad credentials fail fast.
func NewRedisProvider(cfg RedisConfig) (*RedisProvider, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	opts.DialTimeout = cfg.DialTimeout

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisProvider{rdb: rdb}, nil
}

// Client exposes the underlying client for components sharing the connection.
func (p *RedisProvider) Client() *redis.Client { return p.rdb }

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := p.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

var claim = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

// Claim sets key to value when absent, or refreshes it when value already holds it.
func (p *RedisProvider) Claim(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := claim.Run(ctx, p.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return n == 1, nil
}

var delIfValue = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var expireIfValue = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// DelIfValue deletes key only while it still holds value.
func (p *RedisProvider) DelIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfValue.Run(ctx, p.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis del-if-value: %w", err)
	}
	return n == 1, nil
}

// Expire refreshes the ttl of key while it still holds value.
func (p *RedisProvider) Expire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := expireIfValue.Run(ctx, p.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis expire-if-value: %w", err)
	}
	return n == 1, nil
}

// Close closes the connection pool.
func (p *RedisProvider) Close() error {
	return p.rdb.Close()
}
