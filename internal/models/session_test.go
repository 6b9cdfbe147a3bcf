package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return NewSession("s-1", "fp", FailureEvent{Source: "gitlab", JobName: "build"}, Classification{Category: CategoryPackage, Severity: SeverityMedium}, time.Unix(0, 0))
}

func TestTransitionTableRejectsUnknownMoves(t *testing.T) {
	s := newTestSession()
	_, err := s.Transition(StateExecutingFix, "", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateReceived, s.State())
}

func TestDiagnosticsRequireAssessedPlan(t *testing.T) {
	s := newTestSession()
	now := time.Now()
	_, err := s.Transition(StateAnalyzing, "", now)
	require.NoError(t, err)
	require.NoError(t, s.SetPlan(RemediationPlan{Fix: []string{"a"}, Verification: []string{"b"}}))
	_, err = s.Transition(StatePlanReady, "", now)
	require.NoError(t, err)

	_, err = s.Transition(StateExecutingDiagnostics, "", now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	s.SetAssessment(RiskAssessment{Risk: RiskLow})
	_, err = s.Transition(StateExecutingDiagnostics, "", now)
	require.NoError(t, err)
}

func TestTerminalTransitionClosesDone(t *testing.T) {
	s := newTestSession()
	select {
	case <-s.Done():
		t.Fatal("done closed early")
	default:
	}

	_, err := s.Transition(StateFailed, ReasonCancelled, time.Now())
	require.NoError(t, err)
	<-s.Done()

	assert.True(t, s.State().Terminal())
	assert.False(t, s.RequestCancel("again"))

	_, err = s.Transition(StateAnalyzing, "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	snap := s.Snapshot()
	assert.Equal(t, ReasonCancelled, snap.Reason)
	require.Len(t, snap.History, 1)
	assert.Equal(t, StateReceived, snap.History[0].From)
}

func TestRetryingCountsRetries(t *testing.T) {
	s := newTestSession()
	now := time.Now()
	require.NoError(t, s.SetPlan(RemediationPlan{Fix: []string{"a"}, Verification: []string{"b"}}))
	s.SetAssessment(RiskAssessment{Risk: RiskLow})
	for _, st := range []State{StateAnalyzing, StatePlanReady, StateExecutingDiagnostics, StateExecutingFix, StateRetrying, StateExecutingFix, StateVerifying, StateRetrying} {
		_, err := s.Transition(st, "", now)
		require.NoError(t, err, st)
	}
	assert.Equal(t, 2, s.RetryCount())
}

func TestSnapshotIsDetached(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.SetPlan(RemediationPlan{Fix: []string{"apt-get install nginx"}, Verification: []string{"nginx -v"}}))
	s.AppendStep(StepResult{Command: "x", Kind: StepDiagnose})

	snap := s.Snapshot()
	snap.Plan.Fix[0] = "mutated"
	snap.Steps[0].Command = "mutated"

	plan, ok := s.Plan()
	require.True(t, ok)
	assert.Equal(t, "apt-get install nginx", plan.Fix[0])
	assert.Equal(t, "x", s.Snapshot().Steps[0].Command)
	assert.Error(t, s.SetPlan(RemediationPlan{}))
}

func TestStatsFilterMatches(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := OutcomeRecord{Source: "jenkins", Category: CategoryNetwork, Target: "web-1", FinishedAt: at}

	assert.True(t, StatsFilter{}.Matches(rec))
	assert.True(t, StatsFilter{Source: "jenkins", Category: CategoryNetwork}.Matches(rec))
	assert.False(t, StatsFilter{Target: "web-2"}.Matches(rec))
	assert.False(t, StatsFilter{Since: at.Add(time.Minute)}.Matches(rec))
	assert.False(t, StatsFilter{Until: at.Add(-time.Minute)}.Matches(rec))
}

func TestRiskHelpers(t *testing.T) {
	assert.Equal(t, RiskCritical, MaxRisk(RiskLow, RiskCritical, RiskMedium))
	assert.Equal(t, RiskLow, MaxRisk())
	assert.Equal(t, RiskMedium, RiskHigh.Lower())
	assert.Equal(t, RiskLow, RiskLow.Lower())
	assert.False(t, RiskLevel("extreme").Valid())
}
