package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss signals that a key was not found.
var ErrCacheMiss = errors.New("cache miss")

// Provider is the shared key/value store backing fingerprint leases.
// Implementations must make Claim, DelIfValue and Expire atomic across replicas.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Claim sets key to value when it is absent and refreshes its ttl when it
	// already holds value. It reports false only when another value holds key.
	Claim(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DelIfValue removes key only while it still holds value and reports
	// whether it did.
	DelIfValue(ctx context.Context, key string, value []byte) (bool, error)
	// Expire refreshes the ttl of key while it still holds value.
	Expire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Close() error
}

// localProvider serves a single replica: every claim succeeds and nothing is
// remembered.
type localProvider struct{}

func (localProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (localProvider) Claim(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (localProvider) DelIfValue(context.Context, string, []byte) (bool, error) { return true, nil }

func (localProvider) Expire(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (localProvider) Close() error { return nil }
