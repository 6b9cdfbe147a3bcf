package models

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a healing session lifecycle state.
type State string

const (
	StateReceived             State = "RECEIVED"
	StateAnalyzing            State = "ANALYZING"
	StatePlanReady            State = "PLAN_READY"
	StateAwaitingApproval     State = "AWAITING_APPROVAL"
	StateExecutingDiagnostics State = "EXECUTING_DIAGNOSTICS"
	StateExecutingFix         State = "EXECUTING_FIX"
	StateVerifying            State = "VERIFYING"
	StateRetrying             State = "RETRYING"
	StateSucceeded            State = "SUCCEEDED"
	StateEscalated            State = "ESCALATED"
	StateFailed               State = "FAILED"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateEscalated || s == StateFailed
}

// Terminal reasons shared by the orchestrator and its tests.
const (
	ReasonAnalysisFailed   = "analysis failed"
	ReasonCancelled        = "cancelled"
	ReasonApprovalTimedOut = "approval timed out"
	ReasonApprovalDenied   = "approval denied"
	ReasonFixExhausted     = "fix failed; retry budget exhausted"
	ReasonVerifyExhausted  = "verification failed; retry budget exhausted"
	ReasonVerified         = "verification passed"
)

// ErrInvalidTransition is returned when a state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateReceived:             {StateAnalyzing, StateFailed},
	StateAnalyzing:            {StatePlanReady, StateEscalated, StateFailed},
	StatePlanReady:            {StateAwaitingApproval, StateExecutingDiagnostics, StateFailed},
	StateAwaitingApproval:     {StateExecutingDiagnostics, StateEscalated, StateFailed},
	StateExecutingDiagnostics: {StateExecutingFix, StateFailed},
	StateExecutingFix:         {StateVerifying, StateRetrying, StateEscalated, StateFailed},
	StateVerifying:            {StateSucceeded, StateRetrying, StateEscalated, StateFailed},
	StateRetrying:             {StateExecutingFix, StateEscalated, StateFailed},
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepKind names the three command groups of a plan.
type StepKind string

const (
	StepDiagnose StepKind = "diagnose"
	StepFix      StepKind = "fix"
	StepVerify   StepKind = "verify"
)

// StepResult records the outcome of one command.
type StepResult struct {
	Command  string        `json:"command"`
	Kind     StepKind      `json:"kind"`
	Attempt  int           `json:"attempt"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Transition is one entry of a session's state history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session is the mutable healing aggregate. Only the orchestrator run that owns it
// mutates it; other readers go through Snapshot.
type Session struct {
	mu sync.RWMutex

	id             string
	fingerprint    Fingerprint
	event          FailureEvent
	classification Classification
	state          State
	plan           *RemediationPlan
	assessment     *RiskAssessment
	steps          []StepResult
	history        []Transition
	retryCount     int
	fixAttempts    int
	failedAttempts int
	reason         string
	retryStage     string
	createdAt      time.Time
	updatedAt      time.Time

	cancelRequested bool
	cancelReason    string

	done chan struct{}
}

// NewSession creates a session in RECEIVED.
func NewSession(id string, fp Fingerprint, event FailureEvent, class Classification, now time.Time) *Session {
	return &Session{
		id:             id,
		fingerprint:    fp,
		event:          event,
		classification: class,
		state:          StateReceived,
		createdAt:      now,
		updatedAt:      now,
		done:           make(chan struct{}),
	}
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Fingerprint() Fingerprint       { return s.fingerprint }
func (s *Session) Event() FailureEvent            { return s.event }
func (s *Session) Classification() Classification { return s.classification }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Plan returns a copy of the plan, if analysis has completed.
func (s *Session) Plan() (RemediationPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.plan == nil {
		return RemediationPlan{}, false
	}
	return s.plan.Clone(), true
}

// Assessment returns the risk assessment, if validation has run.
func (s *Session) Assessment() (RiskAssessment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.assessment == nil {
		return RiskAssessment{}, false
	}
	return *s.assessment, true
}

// Transition moves the session to next, recording reason. Terminal targets also
// close the done channel.
func (s *Session) Transition(next State, reason string, now time.Time) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if !CanTransition(prev, next) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	if next == StateExecutingDiagnostics && (s.plan == nil || s.assessment == nil) {
		return prev, fmt.Errorf("%w: %s -> %s without an assessed plan", ErrInvalidTransition, prev, next)
	}

	s.state = next
	s.updatedAt = now
	s.history = append(s.history, Transition{From: prev, To: next, At: now, Reason: reason})
	if next == StateRetrying {
		s.retryCount++
	}
	if next.Terminal() {
		s.reason = reason
		close(s.done)
	}
	return prev, nil
}

// SetPlan stores the oracle plan. A plan can only be set once.
func (s *Session) SetPlan(plan RemediationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan != nil {
		return errors.New("plan already set")
	}
	p := plan.Clone()
	s.plan = &p
	return nil
}

// SetAssessment stores the safety verdict for the current plan.
func (s *Session) SetAssessment(a RiskAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Flagged = append([]FlaggedRule(nil), a.Flagged...)
	s.assessment = &a
}

// AppendStep records a command result.
func (s *Session) AppendStep(r StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, r)
}

// BeginFixAttempt increments and returns the fix attempt counter.
func (s *Session) BeginFixAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixAttempts++
	return s.fixAttempts
}

// FixAttempts returns how many times the fix step has started.
func (s *Session) FixAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fixAttempts
}

// RecordFailedAttempt counts a failed fix or verification and returns the new total.
func (s *Session) RecordFailedAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts++
	return s.failedAttempts
}

// RetryCount returns the number of RETRYING transitions.
func (s *Session) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// SetRetryStageResult notes the outcome of the pipeline retry signal.
func (s *Session) SetRetryStageResult(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryStage = result
}

// RequestCancel raises the cooperative cancellation flag. It returns false when the
// session is already terminal.
func (s *Session) RequestCancel(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.cancelRequested = true
	s.cancelReason = reason
	return true
}

// CancelRequested reports the cancellation flag and its reason.
func (s *Session) CancelRequested() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelRequested, s.cancelReason
}

// Snapshot returns a point-in-time copy safe to hand to other goroutines.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:             s.id,
		Fingerprint:    s.fingerprint,
		Event:          s.event,
		Classification: s.classification,
		State:          s.state,
		Steps:          append([]StepResult(nil), s.steps...),
		History:        append([]Transition(nil), s.history...),
		RetryCount:     s.retryCount,
		FixAttempts:    s.fixAttempts,
		Reason:         s.reason,
		RetryStage:     s.retryStage,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if s.plan != nil {
		p := s.plan.Clone()
		snap.Plan = &p
	}
	if s.assessment != nil {
		a := *s.assessment
		a.Flagged = append([]FlaggedRule(nil), a.Flagged...)
		snap.Assessment = &a
	}
	return snap
}

// SessionSnapshot is an immutable view of a Session.
type SessionSnapshot struct {
	ID             string           `json:"id"`
	Fingerprint    Fingerprint      `json:"fingerprint"`
	Event          FailureEvent     `json:"event"`
	Classification Classification   `json:"classification"`
	State          State            `json:"state"`
	Plan           *RemediationPlan `json:"plan,omitempty"`
	Assessment     *RiskAssessment  `json:"assessment,omitempty"`
	Steps          []StepResult     `json:"steps,omitempty"`
	History        []Transition     `json:"history,omitempty"`
	RetryCount     int              `json:"retry_count"`
	FixAttempts    int              `json:"fix_attempts"`
	Reason         string           `json:"reason,omitempty"`
	RetryStage     string           `json:"retry_stage,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// StepsOf filters the recorded steps by kind.
func (s SessionSnapshot) StepsOf(kind StepKind) []StepResult {
	out := make([]StepResult, 0, len(s.Steps))
	for _, st := range s.Steps {
		if st.Kind == kind {
			out = append(out, st)
		}
	}
	return out
}
