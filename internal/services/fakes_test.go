package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-healer/internal/cache"
	"github.com/miradorstack/mirador-healer/internal/classifier"
	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/ledger"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/registry"
	"github.com/miradorstack/mirador-healer/internal/safety"
)

// gatedOracle returns plan once gate is closed (or immediately when gate is nil).
type gatedOracle struct {
	mu    sync.Mutex
	calls int
	plan  models.RemediationPlan
	gate  chan struct{}
}

func (o *gatedOracle) Analyze(ctx context.Context, _ engine.AnalysisRequest) (models.RemediationPlan, error) {
	o.mu.Lock()
	o.calls++
	gate := o.gate
	o.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.RemediationPlan{}, ctx.Err()
		}
	}
	return o.plan.Clone(), nil
}

func (o *gatedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type okExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *okExecutor) Run(_ context.Context, command, _ string) (engine.CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, command)
	return engine.CommandResult{Stdout: "ok"}, nil
}

func (e *okExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type leaseStore struct {
	mu       sync.Mutex
	store    map[string][]byte
	releases int

	// failRelease makes DelIfValue error as a Redis blip would.
	failRelease bool
}

func newLeaseStore() *leaseStore { return &leaseStore{store: make(map[string][]byte)} }

func (m *leaseStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *leaseStore) Claim(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.store[key]; ok {
		return string(cur) == string(value), nil
	}
	m.store[key] = value
	return true, nil
}

func (m *leaseStore) DelIfValue(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	if m.failRelease {
		return false, errors.New("redis: connection reset")
	}
	if string(m.store[key]) != string(value) {
		return false, nil
	}
	delete(m.store, key)
	return true, nil
}

func (m *leaseStore) Expire(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.store[key]) == string(value), nil
}

func (m *leaseStore) Close() error { return nil }

// steal hands key to owner as if the claim expired and another replica took it.
func (m *leaseStore) steal(key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = []byte(owner)
}

func (m *leaseStore) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

func (m *leaseStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}

func nginxPlan() models.RemediationPlan {
	return models.RemediationPlan{
		Diagnostics:  []string{"apt-cache policy nginx"},
		Fix:          []string{"apt-get update", "apt-get install -y nginx"},
		Verification: []string{"nginx -v"},
		Rationale:    "package index is stale",
		Risk:         models.RiskLow,
	}
}

func nginxEvent() models.FailureEvent {
	return models.FailureEvent{
		Source:     "jenkins",
		JobName:    "deploy-web",
		Stage:      "provision",
		BuildID:    "417",
		ErrorText:  "E: Unable to locate package nginx",
		TargetHost: "web-01",
	}
}

type monitorHarness struct {
	monitor  *PipelineMonitor
	oracle   *gatedOracle
	executor *okExecutor
	ledger   *ledger.MemoryLedger
	store    *leaseStore
}

type harnessOption func(*MonitorDeps, *engine.Config)

// gatedLedger holds every Append until open is called.
type gatedLedger struct {
	*ledger.MemoryLedger
	gate chan struct{}
	once sync.Once
}

func newGatedLedger() *gatedLedger {
	return &gatedLedger{MemoryLedger: ledger.NewMemoryLedger(), gate: make(chan struct{})}
}

func (l *gatedLedger) Append(ctx context.Context, record models.OutcomeRecord) error {
	select {
	case <-l.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.MemoryLedger.Append(ctx, record)
}

func (l *gatedLedger) open() { l.once.Do(func() { close(l.gate) }) }

func withLedger(l ledger.Ledger) harnessOption {
	return func(d *MonitorDeps, _ *engine.Config) {
		d.Ledger = l
	}
}

func withLease(store *leaseStore) harnessOption {
	return func(d *MonitorDeps, _ *engine.Config) {
		d.Lease = cache.NewLease(store, "", time.Minute)
		d.ReplicaID = "replica-a"
	}
}

func newMonitorHarness(t *testing.T, plan models.RemediationPlan, opts ...harnessOption) *monitorHarness {
	t.Helper()
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)

	h := &monitorHarness{
		oracle:   &gatedOracle{plan: plan},
		executor: &okExecutor{},
		ledger:   ledger.NewMemoryLedger(),
	}
	deps := MonitorDeps{
		Classifier: classifier.NewDefault(),
		Validator:  safety.NewDefault(),
		Registry:   reg,
		Ledger:     h.ledger,
		Oracle:     h.oracle,
		Executor:   h.executor,
	}
	cfg := engine.Config{ApprovalTimeout: time.Minute, StepTimeout: time.Second}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	m, err := NewPipelineMonitor(deps, cfg)
	require.NoError(t, err)
	h.monitor = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		reg.Close()
	})
	return h
}

func waitTerminal(t *testing.T, handle SessionHandle) models.SessionSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := handle.Wait(ctx)
	require.NoError(t, err, "session did not finish; state %s", snap.State)
	return snap
}

// collector records lifecycle events delivered to it.
type collector struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (c *collector) OnSessionEvent(_ context.Context, ev models.LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) Events() []models.LifecycleEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.LifecycleEvent(nil), c.events...)
}

func (c *collector) Name() string { return "collector" }
