package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-healer/internal/ledger"
	"github.com/miradorstack/mirador-healer/internal/metrics"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

var (
	// ErrNotAwaitingApproval is returned when an approval decision targets a
	// session that is not parked at the approval gate.
	ErrNotAwaitingApproval = errors.New("session is not awaiting approval")
	// ErrSessionTerminal is returned when cancelling a finished session.
	ErrSessionTerminal = errors.New("session already finished")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator shutting down")
	// ErrMalformedPlan marks oracle plans that cannot be executed.
	ErrMalformedPlan = errors.New("malformed remediation plan")
)

// Config tunes the orchestrator.
type Config struct {
	MaxRetries            int
	ApprovalTimeout       time.Duration
	StepTimeout           time.Duration
	AnalysisTimeout       time.Duration
	MaxConcurrentSessions int64
	RetryStageOnSuccess   bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 30 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 2 * time.Minute
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 16
	}
	return c
}

// Deps are the collaborators injected into the orchestrator. Retrier and
// Notifier are optional.
type Deps struct {
	Oracle    Oracle
	Executor  Executor
	Retrier   PipelineRetrier
	Validator Validator
	Ledger    ledger.Ledger
	Registry  Releaser
	Notifier  Notifier
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Orchestrator drives healing sessions through their state machine.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	workers *semaphore.Weighted
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingApproval

	latency   *utils.LatencyTracker
	finishedN int64
}

// New wires an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Oracle == nil:
		return nil, errors.New("engine: oracle is required")
	case deps.Executor == nil:
		return nil, errors.New("engine: executor is required")
	case deps.Validator == nil:
		return nil, errors.New("engine: validator is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Registry == nil:
		return nil, errors.New("engine: registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())

	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		now:     now,
		workers: semaphore.NewWeighted(cfg.MaxConcurrentSessions),
		baseCtx: base,
		stop:    stop,
		pending: make(map[string]*pendingApproval),
		latency: utils.NewLatencyTracker(512),
	}, nil
}

// Submit queues a freshly created session on the worker pool.
func (o *Orchestrator) Submit(s *models.Session) error {
	o.notify(models.LifecycleEvent{Type: models.EventSessionStarted, To: s.State(), At: o.now(), Session: s.Snapshot()})
	metrics.SessionStarted(string(s.Classification().Category))
	return o.spawn(s, o.Run)
}

// spawn runs fn for s on a worker slot. Sessions that cannot be scheduled are
// failed so that no handle waits forever.
func (o *Orchestrator) spawn(s *models.Session, fn func(context.Context, *models.Session)) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.finish(s, models.StateFailed, models.ReasonCancelled+": shutting down")
		return ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if err := o.workers.Acquire(o.baseCtx, 1); err != nil {
			o.finish(s, models.StateFailed, models.ReasonCancelled+": shutting down")
			return
		}
		defer o.workers.Release(1)
		fn(o.baseCtx, s)
	}()
	return nil
}

// Run drives s from RECEIVED until it is terminal or parked for approval.
func (o *Orchestrator) Run(ctx context.Context, s *models.Session) {
	ctx, span := startSessionSpan(ctx, s)
	defer span.End()
	defer o.recoverSession(s)

	if !o.Start(ctx, s) {
		return
	}
	if o.checkCancelled(ctx, s) {
		return
	}

	next, err := o.Validate(s)
	if err != nil {
		o.finish(s, models.StateFailed, "internal error: "+err.Error())
		return
	}
	if next == models.StateAwaitingApproval {
		return
	}
	o.execute(ctx, s)
}

// Start analyses s: RECEIVED -> ANALYZING -> PLAN_READY. It reports false when
// the session ended instead.
func (o *Orchestrator) Start(ctx context.Context, s *models.Session) bool {
	if o.checkCancelled(ctx, s) {
		return false
	}
	if err := o.transition(s, models.StateAnalyzing, ""); err != nil {
		o.finish(s, models.StateFailed, "internal error: "+err.Error())
		return false
	}

	event := s.Event()
	class := s.Classification()
	plan, err := o.analyze(ctx, AnalysisRequest{
		ErrorText: event.ErrorText,
		Category:  class.Category,
		Severity:  class.Severity,
		Target:    event.TargetHost,
		Source:    event.Source,
		Job:       event.JobName,
		Stage:     event.Stage,
	})
	if o.checkCancelled(ctx, s) {
		return false
	}
	if err == nil {
		err = validatePlan(plan)
	}
	if err != nil {
		o.finish(s, models.StateEscalated, fmt.Sprintf("%s: %v", models.ReasonAnalysisFailed, err))
		return false
	}

	if err := s.SetPlan(plan); err != nil {
		o.finish(s, models.StateFailed, "internal error: "+err.Error())
		return false
	}
	if err := o.transition(s, models.StatePlanReady, plan.Rationale); err != nil {
		o.finish(s, models.StateFailed, "internal error: "+err.Error())
		return false
	}
	return true
}

func (o *Orchestrator) analyze(ctx context.Context, req AnalysisRequest) (plan models.RemediationPlan, err error) {
	ctx, span := startOracleSpan(ctx, req)
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("oracle panic: %v", r)
		}
		metrics.OracleRequest(err)
	}()
	return o.deps.Oracle.Analyze(ctx, req)
}

func validatePlan(plan models.RemediationPlan) error {
	if len(plan.Fix) == 0 {
		return fmt.Errorf("%w: no fix commands", ErrMalformedPlan)
	}
	if len(plan.Verification) == 0 {
		return fmt.Errorf("%w: no verification commands", ErrMalformedPlan)
	}
	for _, kind := range []models.StepKind{models.StepDiagnose, models.StepFix, models.StepVerify} {
		for i, cmd := range plan.Commands(kind) {
			if strings.TrimSpace(cmd) == "" {
				return fmt.Errorf("%w: blank %s command at position %d", ErrMalformedPlan, kind, i)
			}
		}
	}
	if plan.Risk != "" && !plan.Risk.Valid() {
		return fmt.Errorf("%w: unknown risk %q", ErrMalformedPlan, plan.Risk)
	}
	return nil
}

// Validate gates the stored plan through the safety validator and moves the
// session to AWAITING_APPROVAL or EXECUTING_DIAGNOSTICS.
func (o *Orchestrator) Validate(s *models.Session) (models.State, error) {
	plan, ok := s.Plan()
	if !ok {
		return s.State(), errors.New("validate: session has no plan")
	}
	assessment := o.deps.Validator.AssessWeighted(plan, s.Classification().Severity)
	s.SetAssessment(assessment)

	if assessment.RequiresApproval {
		return models.StateAwaitingApproval, o.park(s, assessment)
	}
	return models.StateExecutingDiagnostics, o.transition(s, models.StateExecutingDiagnostics, "risk "+string(assessment.Risk))
}

// execute runs diagnostics and the fix/verify loop. s must be in
// EXECUTING_DIAGNOSTICS.
func (o *Orchestrator) execute(ctx context.Context, s *models.Session) {
	if o.checkCancelled(ctx, s) {
		return
	}
	if !o.RunStep(ctx, s, models.StepDiagnose) {
		o.logger.Info("diagnostics reported failures; continuing to fix",
			slog.String("session_id", s.ID()))
	}

	for {
		if o.checkCancelled(ctx, s) {
			return
		}
		if err := o.transition(s, models.StateExecutingFix, ""); err != nil {
			o.finish(s, models.StateFailed, "internal error: "+err.Error())
			return
		}
		attempt := s.BeginFixAttempt()

		fixed := o.RunStep(ctx, s, models.StepFix)
		if o.checkCancelled(ctx, s) {
			return
		}
		if !fixed {
			if !o.retryOrEscalate(s, fmt.Sprintf("fix attempt %d failed", attempt), models.ReasonFixExhausted) {
				return
			}
			continue
		}

		if err := o.transition(s, models.StateVerifying, ""); err != nil {
			o.finish(s, models.StateFailed, "internal error: "+err.Error())
			return
		}
		verified := o.RunStep(ctx, s, models.StepVerify)
		if o.checkCancelled(ctx, s) {
			return
		}
		if verified {
			o.signalStageRetry(ctx, s)
			o.finish(s, models.StateSucceeded, models.ReasonVerified)
			return
		}
		if !o.retryOrEscalate(s, fmt.Sprintf("verification attempt %d failed", attempt), models.ReasonVerifyExhausted) {
			return
		}
	}
}

// retryOrEscalate counts a failed attempt and either moves to RETRYING
// (returning true) or escalates once the budget is spent.
func (o *Orchestrator) retryOrEscalate(s *models.Session, retryReason, exhaustedReason string) bool {
	failed := s.RecordFailedAttempt()
	if failed >= o.cfg.MaxRetries {
		o.finish(s, models.StateEscalated, fmt.Sprintf("%s after %d attempts", exhaustedReason, failed))
		return false
	}
	if err := o.transition(s, models.StateRetrying, retryReason); err != nil {
		o.finish(s, models.StateFailed, "internal error: "+err.Error())
		return false
	}
	return true
}

func (o *Orchestrator) signalStageRetry(ctx context.Context, s *models.Session) {
	if !o.cfg.RetryStageOnSuccess || o.deps.Retrier == nil {
		return
	}
	event := s.Event()

	accepted, err := func() (accepted bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline retrier panic: %v", r)
			}
		}()
		rctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
		return o.deps.Retrier.RetryStage(rctx, event.Source, event.JobName, event.Stage, event.BuildID)
	}()

	switch {
	case err != nil:
		s.SetRetryStageResult("error: " + err.Error())
		o.logger.Warn("pipeline stage retry failed",
			slog.String("session_id", s.ID()), slog.Any("error", err))
	case !accepted:
		s.SetRetryStageResult("rejected")
		o.logger.Warn("pipeline stage retry rejected", slog.String("session_id", s.ID()))
	default:
		s.SetRetryStageResult("accepted")
	}
}

// checkCancelled finishes s as FAILED when cancellation was requested or the
// orchestrator is shutting down.
func (o *Orchestrator) checkCancelled(ctx context.Context, s *models.Session) bool {
	if s.State().Terminal() {
		return true
	}
	if requested, reason := s.CancelRequested(); requested {
		o.finish(s, models.StateFailed, cancelReason(reason))
		return true
	}
	if ctx.Err() != nil {
		o.finish(s, models.StateFailed, models.ReasonCancelled+": shutting down")
		return true
	}
	return false
}

func cancelReason(reason string) string {
	if reason == "" {
		return models.ReasonCancelled
	}
	return models.ReasonCancelled + ": " + reason
}

func (o *Orchestrator) recoverSession(s *models.Session) {
	if r := recover(); r != nil {
		o.logger.Error("session run panicked",
			slog.String("session_id", s.ID()), slog.Any("panic", r))
		o.finish(s, models.StateFailed, fmt.Sprintf("internal error: %v", r))
	}
}

// transition applies a non-terminal state change and notifies observers.
func (o *Orchestrator) transition(s *models.Session, to models.State, reason string) error {
	from, err := s.Transition(to, reason, o.now())
	if err != nil {
		return err
	}
	o.logger.Debug("session transition",
		slog.String("session_id", s.ID()),
		slog.String("fingerprint", s.Fingerprint().Short()),
		slog.String("from", string(from)),
		slog.String("state", string(to)))
	o.notify(models.LifecycleEvent{Type: models.EventStateChanged, From: from, To: to, Reason: reason, At: o.now(), Session: s.Snapshot()})
	return nil
}

// finish moves s into a terminal state exactly once, then records the outcome,
// frees the registry slot and notifies observers.
func (o *Orchestrator) finish(s *models.Session, state models.State, reason string) {
	now := o.now()
	from, err := s.Transition(state, reason, now)
	if err != nil {
		if s.State().Terminal() {
			return
		}
		o.logger.Error("invalid terminal transition; failing session",
			slog.String("session_id", s.ID()), slog.String("state", string(state)), slog.Any("error", err))
		reason = fmt.Sprintf("internal error: %v (%s)", err, reason)
		state = models.StateFailed
		if from, err = s.Transition(state, reason, now); err != nil {
			return
		}
	}

	snap := s.Snapshot()
	duration := utils.Elapsed(snap.CreatedAt, now)
	record := models.OutcomeRecord{
		SessionID:   snap.ID,
		Fingerprint: snap.Fingerprint,
		Source:      snap.Event.Source,
		JobName:     snap.Event.JobName,
		Target:      snap.Event.TargetHost,
		Category:    snap.Classification.Category,
		FinalState:  state,
		Reason:      reason,
		Duration:    duration,
		RetryCount:  snap.RetryCount,
		FinishedAt:  now,
	}
	if snap.Assessment != nil {
		record.Risk = snap.Assessment.Risk
	}

	lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := o.deps.Ledger.Append(lctx, record); err != nil {
		o.logger.Error("outcome ledger append failed",
			slog.String("session_id", snap.ID), slog.Any("error", err))
	}
	cancel()

	o.deps.Registry.Release(s)
	metrics.SessionFinished(string(state), string(record.Category), duration)
	o.observeLatency(duration)

	level := slog.LevelInfo
	if state != models.StateSucceeded {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "session finished",
		slog.String("session_id", snap.ID),
		slog.String("fingerprint", snap.Fingerprint.Short()),
		slog.String("category", string(record.Category)),
		slog.String("state", string(state)),
		slog.String("reason", reason),
		slog.Int("retries", snap.RetryCount),
		slog.Duration("duration", duration))

	o.notify(models.LifecycleEvent{Type: models.EventStateChanged, From: from, To: state, Reason: reason, At: now, Session: snap})
	o.notify(models.LifecycleEvent{Type: models.EventSessionTerminal, From: from, To: state, Reason: reason, At: now, Session: snap})
}

func (o *Orchestrator) observeLatency(d time.Duration) {
	o.latency.Observe(d)
	o.mu.Lock()
	o.finishedN++
	n := o.finishedN
	o.mu.Unlock()
	if n%20 == 0 {
		sum := o.latency.Summary()
		o.logger.Info("session latency",
			slog.Duration("p50", sum.P50),
			slog.Duration("p95", sum.P95),
			slog.Duration("max", sum.Max),
			slog.Int("window", sum.Samples),
			slog.Int64("finished", n))
	}
}

func (o *Orchestrator) notify(ev models.LifecycleEvent) {
	if o.deps.Notifier == nil {
		return
	}
	o.deps.Notifier.Notify(ev)
}

// Shutdown stops accepting work, fails sessions parked for approval and waits
// for running sessions to observe cancellation.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	parked := make([]*pendingApproval, 0, len(o.pending))
	for id, p := range o.pending {
		p.timer.Stop()
		parked = append(parked, p)
		delete(o.pending, id)
	}
	o.mu.Unlock()

	for _, p := range parked {
		metrics.Approval("cancelled")
		o.finish(p.session, models.StateFailed, models.ReasonCancelled+": shutting down")
	}
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
