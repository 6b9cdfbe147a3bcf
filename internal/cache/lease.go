package cache

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// Lease claims fingerprints across replicas so only one of them heals a failure.
type Lease struct {
	provider Provider
	prefix   string
	ttl      time.Duration
}

// NewLease builds a lease on top of provider. A nil provider never contends.
func NewLease(provider Provider, prefix string, ttl time.Duration) *Lease {
	if provider == nil {
		provider = localProvider{}
	}
	if prefix == "" {
		prefix = "healer:lease:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lease{provider: provider, prefix: prefix, ttl: ttl}
}

// TTL is how long a claim survives without renewal.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire claims fp for owner. It reports false only when another owner holds
// it; a claim owner already holds is renewed.
func (l *Lease) Acquire(ctx context.Context, fp models.Fingerprint, owner string) (bool, error) {
	return l.provider.Claim(ctx, l.key(fp), []byte(owner), l.ttl)
}

// Renew extends owner's claim on fp. It reports false once the claim has
// expired or passed to another owner.
func (l *Lease) Renew(ctx context.Context, fp models.Fingerprint, owner string) (bool, error) {
	return l.provider.Expire(ctx, l.key(fp), []byte(owner), l.ttl)
}

// Release drops owner's claim on fp. A claim that has since passed to another
// owner is left alone.
func (l *Lease) Release(ctx context.Context, fp models.Fingerprint, owner string) (bool, error) {
	return l.provider.DelIfValue(ctx, l.key(fp), []byte(owner))
}

// Holder returns the owner currently holding fp.
func (l *Lease) Holder(ctx context.Context, fp models.Fingerprint) (string, error) {
	data, err := l.provider.Get(ctx, l.key(fp))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Lease) key(fp models.Fingerprint) string { return l.prefix + string(fp) }
