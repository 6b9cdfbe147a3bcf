package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// Config bounds the completed-session partition.
type Config struct {
	CompletedCapacity int64
	CompletedTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.CompletedCapacity <= 0 {
		c.CompletedCapacity = 1024
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = time.Hour
	}
	return c
}

// Registry tracks active sessions keyed by fingerprint and keeps snapshots of
// recently finished ones. Acquire is the only place duplicate failures are merged.
type Registry struct {
	mu     sync.Mutex
	active map[models.Fingerprint]*models.Session
	byID   map[string]*models.Session

	completed *ristretto.Cache[string, models.SessionSnapshot]
	ttl       time.Duration
}

// New constructs an empty registry.
func New(cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	completed, err := ristretto.NewCache(&ristretto.Config[string, models.SessionSnapshot]{
		// Two entries per session: one by fingerprint, one by id.
		NumCounters:        cfg.CompletedCapacity * 20,
		MaxCost:            cfg.CompletedCapacity * 2,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: completed cache: %w", err)
	}
	return &Registry{
		active:    make(map[models.Fingerprint]*models.Session),
		byID:      make(map[string]*models.Session),
		completed: completed,
		ttl:       cfg.CompletedTTL,
	}, nil
}

// Acquire returns the active session for fp, creating one with newSession when
// none exists. created reports whether the caller owns the new session.
// A session that is already terminal but not yet released is retired and
// replaced, so a failure arriving after termination always starts afresh.
func (r *Registry) Acquire(fp models.Fingerprint, newSession func() *models.Session) (session *models.Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[fp]; ok {
		if !s.State().Terminal() {
			return s, false
		}
		r.remember(s.Snapshot())
		delete(r.byID, s.ID())
	}
	s := newSession()
	r.active[fp] = s
	r.byID[s.ID()] = s
	return s, true
}

// Release moves s into the completed partition. The active slot for its
// fingerprint is freed only while it still belongs to s.
func (r *Registry) Release(s *models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remember(s.Snapshot())
	r.completed.Wait()
	if cur, ok := r.active[s.Fingerprint()]; ok && cur == s {
		delete(r.active, s.Fingerprint())
	}
	if cur, ok := r.byID[s.ID()]; ok && cur == s {
		delete(r.byID, s.ID())
	}
}

// remember stores snap in the completed partition, keeping the newest session
// per fingerprint. Must be called with r.mu held. The partition is
// best-effort: ristretto may refuse admission under pressure.
func (r *Registry) remember(snap models.SessionSnapshot) {
	r.completed.SetWithTTL(idKey(snap.ID), snap, 1, r.ttl)
	if prev, ok := r.completed.Get(fpKey(snap.Fingerprint)); ok && prev.ID != snap.ID && prev.CreatedAt.After(snap.CreatedAt) {
		return
	}
	r.completed.SetWithTTL(fpKey(snap.Fingerprint), snap, 1, r.ttl)
}

// Session returns the session occupying the active slot for fp, which may have
// just turned terminal and not yet been released.
func (r *Registry) Session(fp models.Fingerprint) (*models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[fp]
	return s, ok
}

// SessionByID returns the live active session with the given id.
func (r *Registry) SessionByID(id string) (*models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Get returns a snapshot of the active or most recently completed session for fp.
func (r *Registry) Get(fp models.Fingerprint) (models.SessionSnapshot, bool) {
	if s, ok := r.Session(fp); ok {
		return s.Snapshot(), true
	}
	return r.completed.Get(fpKey(fp))
}

// GetByID is Get keyed by session id.
func (r *Registry) GetByID(id string) (models.SessionSnapshot, bool) {
	if s, ok := r.SessionByID(id); ok {
		return s.Snapshot(), true
	}
	return r.completed.Get(idKey(id))
}

// Active lists snapshots of all active sessions, oldest first.
func (r *Registry) Active() []models.SessionSnapshot {
	r.mu.Lock()
	sessions := make([]*models.Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]models.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close releases the completed cache.
func (r *Registry) Close() {
	r.completed.Close()
}

func fpKey(fp models.Fingerprint) string { return "fp:" + string(fp) }
func idKey(id string) string             { return "id:" + id }
