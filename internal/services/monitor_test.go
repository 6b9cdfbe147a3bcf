package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-healer/internal/cache"
	"github.com/miradorstack/mirador-healer/internal/classifier"
	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/models"
)

func TestHandleFailureHealsNginxPackage(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	assert.False(t, handle.Joined)

	snap := waitTerminal(t, handle)
	assert.Equal(t, models.StateSucceeded, snap.State)
	assert.Equal(t, models.CategoryPackage, snap.Classification.Category)
	assert.Equal(t, 1, h.ledger.Len())

	got, ok := h.monitor.GetSession(handle.Fingerprint)
	require.True(t, ok, "finished session should remain queryable")
	assert.Equal(t, handle.ID, got.ID)
	byID, ok := h.monitor.GetSessionByID(handle.ID)
	require.True(t, ok)
	assert.Equal(t, models.StateSucceeded, byID.State)
}

func TestDuplicateEventsJoinActiveSession(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())
	gate := make(chan struct{})
	h.oracle.gate = gate

	first, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)

	dup := nginxEvent()
	dup.BuildID = "418"
	dup.ErrorText = "E: Unable to locate package nginx\n"
	second, err := h.monitor.HandleFailure(context.Background(), dup)
	require.NoError(t, err)

	assert.True(t, second.Joined)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.monitor.ActiveSessions(), 1)

	close(gate)
	snap := waitTerminal(t, first)
	assert.Equal(t, models.StateSucceeded, snap.State)
	assert.Equal(t, 1, h.oracle.Calls())
	assert.Equal(t, 1, h.ledger.Len())

	third, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	assert.False(t, third.Joined, "a recurrence after completion starts a new session")
	assert.NotEqual(t, first.ID, third.ID)
	waitTerminal(t, third)
}

func TestConcurrentDuplicateEventsCreateOneSession(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())
	gate := make(chan struct{})
	h.oracle.gate = gate

	const n = 20
	ids := make([]string, n)
	joined := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
			assert.NoError(t, err)
			ids[i] = handle.ID
			joined[i] = handle.Joined
		}(i)
	}
	wg.Wait()
	close(gate)

	creators := 0
	for i, id := range ids {
		assert.Equal(t, ids[0], id)
		if !joined[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators, "every caller but the creator must report joined")
	require.Eventually(t, func() bool { return h.ledger.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.oracle.Calls())
}

func TestRecurrenceBeforeReleaseStartsNewSession(t *testing.T) {
	gl := newGatedLedger()
	h := newMonitorHarness(t, nginxPlan(), withLedger(gl))
	t.Cleanup(gl.open)

	first, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, waitTerminal(t, first).State)

	// the first session is terminal but its ledger append is still pending
	second, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	assert.False(t, second.Joined)
	assert.NotEqual(t, first.ID, second.ID)

	gl.open()
	assert.Equal(t, models.StateSucceeded, waitTerminal(t, second).State)
	assert.Equal(t, 2, h.oracle.Calls())
	require.Eventually(t, func() bool { return gl.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	got, ok := h.monitor.GetSession(first.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestHandleFailureValidatesEvent(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())

	_, err := h.monitor.HandleFailure(context.Background(), models.FailureEvent{Source: "jenkins"})
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Contains(t, err.Error(), "job_name")
	assert.Contains(t, err.Error(), "error_text")
	assert.Equal(t, 0, h.oracle.Calls())
}

func TestObserversReceiveLifecycleInOrder(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())
	c := &collector{}
	require.NoError(t, h.monitor.RegisterObserver(c))

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	waitTerminal(t, handle)

	require.Eventually(t, func() bool {
		events := c.Events()
		return len(events) > 0 && events[len(events)-1].Type == models.EventSessionTerminal
	}, 5*time.Second, 10*time.Millisecond)

	events := c.Events()
	assert.Equal(t, models.EventSessionStarted, events[0].Type)
	var states []models.State
	for _, ev := range events {
		if ev.Type == models.EventStateChanged {
			states = append(states, ev.To)
		}
	}
	assert.Equal(t, []models.State{
		models.StateAnalyzing,
		models.StatePlanReady,
		models.StateExecutingDiagnostics,
		models.StateExecutingFix,
		models.StateVerifying,
		models.StateSucceeded,
	}, states)
	assert.Equal(t, models.StateSucceeded, events[len(events)-1].Session.State)
}

func TestPanickingObserverDoesNotAffectSession(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())
	require.NoError(t, h.monitor.RegisterObserver(ObserverFunc(func(context.Context, models.LifecycleEvent) {
		panic("observer bug")
	})))
	c := &collector{}
	require.NoError(t, h.monitor.RegisterObserver(c))

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	snap := waitTerminal(t, handle)
	assert.Equal(t, models.StateSucceeded, snap.State)

	require.Eventually(t, func() bool {
		events := c.Events()
		return len(events) > 0 && events[len(events)-1].Type == models.EventSessionTerminal
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSlowObserverDropsInsteadOfBlocking(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan(), func(d *MonitorDeps, _ *engine.Config) {
		d.ObserverQueue = 1
	})
	release := make(chan struct{})
	var mu sync.Mutex
	seen := 0
	require.NoError(t, h.monitor.RegisterObserver(ObserverFunc(func(context.Context, models.LifecycleEvent) {
		mu.Lock()
		seen++
		mu.Unlock()
		<-release
	})))

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	snap := waitTerminal(t, handle)
	assert.Equal(t, models.StateSucceeded, snap.State)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.monitor.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, seen, 2, "a full queue must drop rather than buffer")
}

func TestLeaseHeldByAnotherReplica(t *testing.T) {
	store := newLeaseStore()
	h := newMonitorHarness(t, nginxPlan(), withLease(store))

	fp := classifier.Fingerprint(nginxEvent())
	other := cache.NewLease(store, "", time.Minute)
	ok, err := other.Acquire(context.Background(), fp, "replica-b")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.ErrorIs(t, err, ErrLeaseHeld)
	assert.Equal(t, 0, h.oracle.Calls())
}

func TestLeaseReleasedOnTerminal(t *testing.T) {
	store := newLeaseStore()
	h := newMonitorHarness(t, nginxPlan(), withLease(store))

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	waitTerminal(t, handle)

	require.Eventually(t, func() bool { return store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestLeaseLostToAnotherReplicaIsNotReleased(t *testing.T) {
	store := newLeaseStore()
	h := newMonitorHarness(t, nginxPlan(), withLease(store))
	h.oracle.gate = make(chan struct{})

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)

	fp := classifier.Fingerprint(nginxEvent())
	store.steal("healer:lease:"+string(fp), "replica-b")
	close(h.oracle.gate)
	waitTerminal(t, handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.monitor.Shutdown(ctx))

	holder, err := cache.NewLease(store, "", time.Minute).Holder(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, "replica-b", holder)
}

func TestRecurrenceReclaimsOwnLease(t *testing.T) {
	store := newLeaseStore()
	gl := newGatedLedger()
	h := newMonitorHarness(t, nginxPlan(), withLease(store), withLedger(gl))
	t.Cleanup(gl.open)

	first, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	waitTerminal(t, first)

	// the terminal event and lease release have not happened yet
	second, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err, "our own stale claim must not read as another replica's")
	assert.NotEqual(t, first.ID, second.ID)

	gl.open()
	waitTerminal(t, second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.monitor.Shutdown(ctx))
	assert.Equal(t, 0, store.Len())
}

func TestFailedLeaseReleaseDoesNotLockOutFingerprint(t *testing.T) {
	store := newLeaseStore()
	store.failRelease = true
	h := newMonitorHarness(t, nginxPlan(), withLease(store))

	first, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	waitTerminal(t, first)
	require.Eventually(t, func() bool { return store.Releases() > 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, store.Len(), "the failed release leaves the key behind")

	second, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	assert.False(t, second.Joined)
	assert.NotEqual(t, first.ID, second.ID)
	waitTerminal(t, second)
}

func TestGetStatsAggregatesLedger(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	waitTerminal(t, handle)

	stats, err := h.monitor.GetStats(context.Background(), models.StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, 1, stats.ByCategory[models.CategoryPackage].Succeeded)
	assert.Equal(t, 1, stats.ByTarget["web-01"].Total)

	none, err := h.monitor.GetStats(context.Background(), models.StatsFilter{Source: "gitlab"})
	require.NoError(t, err)
	assert.Equal(t, 0, none.Total)
}

func TestApprovalCommandsOnUnknownSession(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())

	assert.ErrorIs(t, h.monitor.Approve("missing", "alice"), ErrSessionNotFound)
	assert.ErrorIs(t, h.monitor.Deny("missing", "alice", "no"), ErrSessionNotFound)
	assert.ErrorIs(t, h.monitor.Cancel("missing", "no"), ErrSessionNotFound)
}

func TestDestructivePlanParksUntilApproved(t *testing.T) {
	plan := nginxPlan()
	plan.Fix = []string{"rm -rf /var/cache/nginx"}
	h := newMonitorHarness(t, plan)

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return handle.Snapshot().State == models.StateAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.executor.Calls())

	require.NoError(t, h.monitor.Approve(handle.ID, "alice"))
	snap := waitTerminal(t, handle)
	assert.Equal(t, models.StateSucceeded, snap.State)
	assert.Contains(t, h.executor.Calls(), "rm -rf /var/cache/nginx")

	assert.ErrorIs(t, h.monitor.Approve(handle.ID, "bob"), engine.ErrNotAwaitingApproval)
	assert.ErrorIs(t, h.monitor.Cancel(handle.ID, "late"), engine.ErrSessionTerminal)
}

func TestDenyEscalatesParkedSession(t *testing.T) {
	plan := nginxPlan()
	plan.Fix = []string{"mkfs.ext4 /dev/sdb1"}
	h := newMonitorHarness(t, plan)

	handle, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return handle.Snapshot().State == models.StateAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.monitor.Deny(handle.ID, "alice", "too risky"))
	snap := waitTerminal(t, handle)
	assert.Equal(t, models.StateEscalated, snap.State)
	assert.Contains(t, snap.Reason, "too risky")
	assert.Empty(t, h.executor.Calls())
}

func TestShutdownRejectsNewFailures(t *testing.T) {
	h := newMonitorHarness(t, nginxPlan())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.monitor.Shutdown(ctx))
	require.NoError(t, h.monitor.Shutdown(ctx))

	_, err := h.monitor.HandleFailure(context.Background(), nginxEvent())
	assert.True(t, errors.Is(err, ErrMonitorClosed))
	assert.ErrorIs(t, h.monitor.RegisterObserver(&collector{}), ErrMonitorClosed)
}
