package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-healer/internal/metrics"
	"github.com/miradorstack/mirador-healer/internal/models"
)

// pendingApproval is a session parked at the approval gate. Whoever removes it
// from the pending map owns the decision.
type pendingApproval struct {
	session  *models.Session
	timer    *time.Timer
	parkedAt time.Time
}

// park moves s to AWAITING_APPROVAL and arms the expiry timer. The worker slot
// is released as soon as the caller returns.
func (o *Orchestrator) park(s *models.Session, assessment models.RiskAssessment) error {
	o.mu.Lock()
	requested, reason := s.CancelRequested()
	if requested || o.closed {
		o.mu.Unlock()
		if !requested {
			reason = "shutting down"
		}
		o.finish(s, models.StateFailed, cancelReason(reason))
		return nil
	}
	if err := o.transition(s, models.StateAwaitingApproval, approvalReason(assessment)); err != nil {
		o.mu.Unlock()
		return err
	}
	id := s.ID()
	o.pending[id] = &pendingApproval{
		session:  s,
		parkedAt: o.now(),
		timer:    time.AfterFunc(o.cfg.ApprovalTimeout, func() { o.expire(id) }),
	}
	o.mu.Unlock()

	o.logger.Info("session awaiting approval",
		slog.String("session_id", id),
		slog.String("risk", string(assessment.Risk)),
		slog.Duration("timeout", o.cfg.ApprovalTimeout))
	return nil
}

func approvalReason(a models.RiskAssessment) string {
	ids := make([]string, 0, len(a.Flagged))
	seen := make(map[string]struct{}, len(a.Flagged))
	for _, f := range a.Flagged {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		ids = append(ids, f.RuleID)
	}
	if len(ids) == 0 {
		return "risk " + string(a.Risk)
	}
	return fmt.Sprintf("risk %s: %s", a.Risk, strings.Join(ids, ", "))
}

// claim removes the pending approval for id. Only one caller can succeed.
func (o *Orchestrator) claim(id string) (*pendingApproval, bool) {
	o.mu.Lock()
	p, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
	return p, ok
}

func (o *Orchestrator) expire(id string) {
	p, ok := o.claim(id)
	if !ok {
		return
	}
	metrics.Approval("timed_out")
	o.logger.Warn("approval timed out",
		slog.String("session_id", id),
		slog.Duration("waited", o.now().Sub(p.parkedAt)))
	o.finish(p.session, models.StateEscalated, models.ReasonApprovalTimedOut)
}

// Approve releases a parked session into execution on a fresh worker.
func (o *Orchestrator) Approve(sessionID, approver string) error {
	p, ok := o.claim(sessionID)
	if !ok {
		return ErrNotAwaitingApproval
	}
	metrics.Approval("approved")
	s := p.session
	if requested, reason := s.CancelRequested(); requested {
		o.finish(s, models.StateFailed, cancelReason(reason))
		return nil
	}
	if err := o.transition(s, models.StateExecutingDiagnostics, "approved by "+approverName(approver)); err != nil {
		o.finish(s, models.StateFailed, "internal error: "+err.Error())
		return err
	}
	return o.spawn(s, func(ctx context.Context, s *models.Session) {
		ctx, span := startSessionSpan(ctx, s)
		defer span.End()
		defer o.recoverSession(s)
		o.execute(ctx, s)
	})
}

// Deny escalates a parked session without running anything.
func (o *Orchestrator) Deny(sessionID, approver, reason string) error {
	p, ok := o.claim(sessionID)
	if !ok {
		return ErrNotAwaitingApproval
	}
	metrics.Approval("denied")
	if reason == "" {
		reason = "rejected"
	}
	o.finish(p.session, models.StateEscalated,
		fmt.Sprintf("%s: %s (by %s)", models.ReasonApprovalDenied, reason, approverName(approver)))
	return nil
}

// Cancel requests cooperative cancellation of s. A session parked for approval
// is failed immediately; a running one stops at its next checkpoint.
func (o *Orchestrator) Cancel(s *models.Session, reason string) error {
	if !s.RequestCancel(reason) {
		return ErrSessionTerminal
	}
	if p, ok := o.claim(s.ID()); ok {
		metrics.Approval("cancelled")
		o.finish(p.session, models.StateFailed, cancelReason(reason))
	}
	return nil
}

// Pending lists the ids of sessions parked for approval.
func (o *Orchestrator) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.pending))
	for id := range o.pending {
		ids = append(ids, id)
	}
	return ids
}

func approverName(approver string) string {
	if approver == "" {
		return "unknown"
	}
	return approver
}
