package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-healer/internal/ledger"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/registry"
	"github.com/miradorstack/mirador-healer/internal/safety"
)

type fakeOracle struct {
	mu    sync.Mutex
	calls int
	plan  models.RemediationPlan
	err   error
	panic bool
	reqs  []AnalysisRequest
}

func (f *fakeOracle) Analyze(_ context.Context, req AnalysisRequest) (models.RemediationPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.panic {
		panic("oracle exploded")
	}
	return f.plan.Clone(), f.err
}

func (f *fakeOracle) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedExecutor answers each command from a queue of results; the last result
// repeats once the queue is drained. Unknown commands succeed.
type scriptedExecutor struct {
	mu       sync.Mutex
	script   map[string][]execReply
	calls    []string
	block    map[string]chan struct{}
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

type execReply struct {
	result CommandResult
	err    error
	panic  bool
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{script: make(map[string][]execReply), block: make(map[string]chan struct{})}
}

func (e *scriptedExecutor) on(cmd string, replies ...execReply) *scriptedExecutor {
	e.script[cmd] = replies
	return e
}

func (e *scriptedExecutor) Run(ctx context.Context, command, _ string) (CommandResult, error) {
	n := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&e.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&e.maxSeen, seen, n) {
			break
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, command)
	gate := e.block[command]
	var reply execReply
	if queue := e.script[command]; len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			e.script[command] = queue[1:]
		}
	}
	delay := e.delay
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return CommandResult{}, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if reply.panic {
		panic("executor exploded")
	}
	return reply.result, reply.err
}

func (e *scriptedExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *scriptedExecutor) count(cmd string) int {
	n := 0
	for _, c := range e.Calls() {
		if c == cmd {
			n++
		}
	}
	return n
}

func exit(code int) execReply { return execReply{result: CommandResult{ExitCode: code}} }

var errTransport = errors.New("agent unreachable")

type fakeRetrier struct {
	mu       sync.Mutex
	calls    int
	args     []string
	accepted bool
	err      error
}

func (f *fakeRetrier) RetryStage(_ context.Context, source, job, stage, build string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.args = []string{source, job, stage, build}
	return f.accepted, f.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (r *recordingNotifier) Notify(ev models.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	oracle   *fakeOracle
	exec     *scriptedExecutor
	retrier  *fakeRetrier
	ledger   *ledger.MemoryLedger
	registry *registry.Registry
	notifier *recordingNotifier
}

func nginxPlan() models.RemediationPlan {
	return models.RemediationPlan{
		Diagnostics:  []string{"apt-cache policy nginx"},
		Fix:          []string{"apt-get update", "apt-get install -y nginx"},
		Verification: []string{"nginx -v"},
		Rationale:    "nginx package is missing from the image",
		Risk:         models.RiskLow,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := registry.New(registry.Config{CompletedCapacity: 128, CompletedTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	h := &harness{
		oracle:   &fakeOracle{plan: nginxPlan()},
		exec:     newScriptedExecutor(),
		retrier:  &fakeRetrier{accepted: true},
		ledger:   ledger.NewMemoryLedger(),
		registry: reg,
		notifier: &recordingNotifier{},
	}
	h.orch, err = New(Deps{
		Oracle:    h.oracle,
		Executor:  h.exec,
		Retrier:   h.retrier,
		Validator: safety.NewDefault(),
		Ledger:    h.ledger,
		Registry:  reg,
		Notifier:  h.notifier,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) session(t *testing.T, event models.FailureEvent) *models.Session {
	t.Helper()
	if event.Source == "" {
		event = models.FailureEvent{
			Source: "jenkins", JobName: "deploy-web", Stage: "install", BuildID: "812",
			ErrorText: "E: Unable to locate package nginx", TargetHost: "web-1", Timestamp: time.Now(),
		}
	}
	fp := models.Fingerprint(uuid.NewString())
	s, created := h.registry.Acquire(fp, func() *models.Session {
		return models.NewSession(uuid.NewString(), fp, event,
			models.Classification{Category: models.CategoryPackage, Severity: models.SeverityMedium, Rule: "package-missing"}, time.Now())
	})
	require.True(t, created)
	return s
}

func waitDone(t *testing.T, s *models.Session) models.SessionSnapshot {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish; state %s", s.ID(), s.State())
	}
	return s.Snapshot()
}

func states(snap models.SessionSnapshot) []models.State {
	out := []models.State{models.StateReceived}
	for _, tr := range snap.History {
		out = append(out, tr.To)
	}
	return out
}
