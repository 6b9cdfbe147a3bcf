package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-healer/internal/cache"
	"github.com/miradorstack/mirador-healer/internal/classifier"
	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/ledger"
	"github.com/miradorstack/mirador-healer/internal/metrics"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/registry"
)

var (
	// ErrInvalidEvent rejects failure events missing identity or error text.
	ErrInvalidEvent = errors.New("invalid failure event")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrLeaseHeld means another replica is already healing this failure.
	ErrLeaseHeld = errors.New("fingerprint leased by another replica")
	// ErrMonitorClosed is returned after Shutdown.
	ErrMonitorClosed = errors.New("monitor is shut down")
)

// MonitorDeps wires the monitor. Lease, Retrier and Logger are optional.
type MonitorDeps struct {
	Classifier *classifier.Classifier
	Validator  engine.Validator
	Registry   *registry.Registry
	Ledger     ledger.Ledger
	Oracle     engine.Oracle
	Executor   engine.Executor
	Retrier    engine.PipelineRetrier
	Lease      *cache.Lease
	ReplicaID  string
	Logger     *slog.Logger
	Clock      func() time.Time

	// ObserverQueue bounds each observer's backlog.
	ObserverQueue int
}

// SessionHandle is returned to callers of HandleFailure.
type SessionHandle struct {
	ID          string
	Fingerprint models.Fingerprint
	// Joined is true when the event merged into an already active session.
	Joined bool

	session *models.Session
}

// Done is closed once the session is terminal.
func (h SessionHandle) Done() <-chan struct{} { return h.session.Done() }

// Snapshot returns the current session view.
func (h SessionHandle) Snapshot() models.SessionSnapshot { return h.session.Snapshot() }

// Wait blocks until the session is terminal or ctx ends.
func (h SessionHandle) Wait(ctx context.Context) (models.SessionSnapshot, error) {
	select {
	case <-h.session.Done():
		return h.session.Snapshot(), nil
	case <-ctx.Done():
		return h.session.Snapshot(), ctx.Err()
	}
}

// PipelineMonitor is the ingress façade: it deduplicates failures, hands new
// sessions to the orchestrator and answers queries.
type PipelineMonitor struct {
	classifier *classifier.Classifier
	registry   *registry.Registry
	ledger     ledger.Ledger
	orch       *engine.Orchestrator
	lease      *cache.Lease
	owner      string
	logger     *slog.Logger
	now        func() time.Time

	flights   singleflight.Group
	observers *fanout

	mu     sync.Mutex
	closed bool

	// leases maps a leased fingerprint to the session holding it.
	leases  map[models.Fingerprint]string
	leaseWG sync.WaitGroup

	// leaseLocks serialise claim and release of the same fingerprint.
	leaseLocks [32]sync.Mutex
}

// NewPipelineMonitor builds the monitor and its orchestrator.
func NewPipelineMonitor(deps MonitorDeps, cfg engine.Config) (*PipelineMonitor, error) {
	if deps.Classifier == nil {
		return nil, errors.New("monitor: classifier is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("monitor: registry is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("monitor: ledger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	owner := deps.ReplicaID
	if owner == "" {
		owner = uuid.NewString()
	}

	m := &PipelineMonitor{
		classifier: deps.Classifier,
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		lease:      deps.Lease,
		owner:      owner,
		logger:     logger,
		now:        now,
		observers:  newFanout(logger, deps.ObserverQueue),
		leases:     make(map[models.Fingerprint]string),
	}

	orch, err := engine.New(engine.Deps{
		Oracle:    deps.Oracle,
		Executor:  deps.Executor,
		Retrier:   deps.Retrier,
		Validator: deps.Validator,
		Ledger:    deps.Ledger,
		Registry:  deps.Registry,
		Notifier:  m,
		Logger:    logger,
		Clock:     now,
	}, cfg)
	if err != nil {
		return nil, err
	}
	m.orch = orch
	return m, nil
}

// HandleFailure classifies event and either joins the active session for its
// fingerprint or starts a new one.
func (m *PipelineMonitor) HandleFailure(ctx context.Context, event models.FailureEvent) (SessionHandle, error) {
	if err := validateEvent(event); err != nil {
		return SessionHandle{}, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return SessionHandle{}, ErrMonitorClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	class, fp := m.classifier.Classify(event)
	executed := false
	v, err, _ := m.flights.Do(string(fp), func() (any, error) {
		executed = true
		return m.acquire(ctx, fp, event, class)
	})
	if err != nil {
		return SessionHandle{}, err
	}
	handle := v.(SessionHandle)
	if !executed && !handle.Joined {
		// collapsed onto a concurrent caller that created the session
		metrics.SessionJoined()
		handle.Joined = true
	}
	return handle, nil
}

func (m *PipelineMonitor) acquire(ctx context.Context, fp models.Fingerprint, event models.FailureEvent, class models.Classification) (SessionHandle, error) {
	if s, ok := m.registry.Session(fp); ok && !s.State().Terminal() {
		return m.joined(s), nil
	}
	if m.lease == nil {
		return m.start(fp, event, class, false)
	}

	lock := m.leaseLock(fp)
	lock.Lock()
	defer lock.Unlock()

	leased := false
	ok, err := m.lease.Acquire(ctx, fp, m.owner)
	switch {
	case err != nil:
		m.logger.Warn("fingerprint lease unavailable; proceeding locally",
			slog.String("fingerprint", fp.Short()), slog.Any("error", err))
	case !ok:
		return SessionHandle{}, fmt.Errorf("%w: %s", ErrLeaseHeld, fp.Short())
	default:
		leased = true
	}
	return m.start(fp, event, class, leased)
}

func (m *PipelineMonitor) start(fp models.Fingerprint, event models.FailureEvent, class models.Classification, leased bool) (SessionHandle, error) {
	s, created := m.registry.Acquire(fp, func() *models.Session {
		return models.NewSession(uuid.NewString(), fp, event, class, m.now())
	})
	if !created {
		return m.joined(s), nil
	}
	if leased {
		m.mu.Lock()
		m.leases[fp] = s.ID()
		m.mu.Unlock()
	}

	m.logger.Info("healing session started",
		slog.String("session_id", s.ID()),
		slog.String("fingerprint", fp.Short()),
		slog.String("category", string(class.Category)),
		slog.String("severity", string(class.Severity)),
		slog.String("source", event.Source),
		slog.String("job", event.JobName))

	if err := m.orch.Submit(s); err != nil {
		return SessionHandle{}, err
	}
	return SessionHandle{ID: s.ID(), Fingerprint: fp, session: s}, nil
}

func (m *PipelineMonitor) joined(s *models.Session) SessionHandle {
	metrics.SessionJoined()
	m.logger.Debug("failure joined active session",
		slog.String("session_id", s.ID()), slog.String("fingerprint", s.Fingerprint().Short()))
	return SessionHandle{ID: s.ID(), Fingerprint: s.Fingerprint(), Joined: true, session: s}
}

func validateEvent(event models.FailureEvent) error {
	var missing []string
	if strings.TrimSpace(event.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(event.JobName) == "" {
		missing = append(missing, "job_name")
	}
	if strings.TrimSpace(event.ErrorText) == "" {
		missing = append(missing, "error_text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}

// Notify implements engine.Notifier.
func (m *PipelineMonitor) Notify(ev models.LifecycleEvent) {
	m.observers.publish(ev)
	switch ev.Type {
	case models.EventSessionTerminal:
		m.releaseLease(ev.Session.Fingerprint, ev.Session.ID)
	case models.EventStateChanged:
		m.renewLease(ev.Session.Fingerprint, ev.Session.ID)
	}
}

// renewLease refreshes a held claim on every transition so sessions parked
// for approval outlive the lease ttl.
func (m *PipelineMonitor) renewLease(fp models.Fingerprint, sessionID string) {
	m.mu.Lock()
	held := m.leases[fp] == sessionID
	if held {
		m.leaseWG.Add(1)
	}
	m.mu.Unlock()
	if !held {
		return
	}

	go func() {
		defer m.leaseWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		renewed, err := m.lease.Renew(ctx, fp, m.owner)
		switch {
		case err != nil:
			m.logger.Warn("fingerprint lease renew failed",
				slog.String("fingerprint", fp.Short()), slog.Any("error", err))
		case !renewed:
			m.logger.Warn("fingerprint lease lost", slog.String("fingerprint", fp.Short()))
		}
	}()
}

// releaseLease drops the claim sessionID holds on fp. A newer session that
// re-claimed fp in the meantime keeps it.
func (m *PipelineMonitor) releaseLease(fp models.Fingerprint, sessionID string) {
	if m.lease == nil {
		return
	}
	m.leaseWG.Add(1)
	go func() {
		defer m.leaseWG.Done()
		lock := m.leaseLock(fp)
		lock.Lock()
		defer lock.Unlock()

		m.mu.Lock()
		held := m.leases[fp] == sessionID
		if held {
			delete(m.leases, fp)
		}
		m.mu.Unlock()
		if !held {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		released, err := m.lease.Release(ctx, fp, m.owner)
		switch {
		case err != nil:
			m.logger.Warn("fingerprint lease release failed",
				slog.String("fingerprint", fp.Short()), slog.Any("error", err))
		case !released:
			m.logger.Warn("fingerprint lease lost before release",
				slog.String("fingerprint", fp.Short()))
		}
	}()
}

func (m *PipelineMonitor) leaseLock(fp models.Fingerprint) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &m.leaseLocks[h.Sum32()%uint32(len(m.leaseLocks))]
}

// RegisterObserver subscribes o to lifecycle events.
func (m *PipelineMonitor) RegisterObserver(o Observer) error {
	if o == nil {
		return errors.New("observer is nil")
	}
	return m.observers.add(o)
}

// GetStats aggregates the outcome ledger.
func (m *PipelineMonitor) GetStats(ctx context.Context, filter models.StatsFilter) (models.Stats, error) {
	records, err := m.ledger.Records(ctx, filter)
	if err != nil {
		return models.Stats{}, fmt.Errorf("read outcome ledger: %w", err)
	}
	return ledger.Aggregate(records), nil
}

// GetSession returns the active or recently finished session for fp.
func (m *PipelineMonitor) GetSession(fp models.Fingerprint) (models.SessionSnapshot, bool) {
	return m.registry.Get(fp)
}

// GetSessionByID is GetSession keyed by session id.
func (m *PipelineMonitor) GetSessionByID(id string) (models.SessionSnapshot, bool) {
	return m.registry.GetByID(id)
}

// ActiveSessions lists sessions that have not finished.
func (m *PipelineMonitor) ActiveSessions() []models.SessionSnapshot {
	return m.registry.Active()
}

// Approve lets a session parked for approval proceed.
func (m *PipelineMonitor) Approve(sessionID, approver string) error {
	if _, ok := m.registry.GetByID(sessionID); !ok {
		return ErrSessionNotFound
	}
	return m.orch.Approve(sessionID, approver)
}

// Deny escalates a session parked for approval.
func (m *PipelineMonitor) Deny(sessionID, approver, reason string) error {
	if _, ok := m.registry.GetByID(sessionID); !ok {
		return ErrSessionNotFound
	}
	return m.orch.Deny(sessionID, approver, reason)
}

// Cancel requests cancellation of an active session.
func (m *PipelineMonitor) Cancel(sessionID, reason string) error {
	s, ok := m.registry.SessionByID(sessionID)
	if !ok {
		if _, done := m.registry.GetByID(sessionID); done {
			return engine.ErrSessionTerminal
		}
		return ErrSessionNotFound
	}
	return m.orch.Cancel(s, reason)
}

// Shutdown stops intake, winds down the orchestrator and drains observers.
func (m *PipelineMonitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if err := m.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	m.leaseWG.Wait()
	if err := m.observers.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observers: %w", err))
	}
	return errors.Join(errs...)
}
