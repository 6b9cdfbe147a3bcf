package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-healer/internal/metrics"
	"github.com/miradorstack/mirador-healer/internal/models"
)

// RunStep executes the plan commands of kind in order, stopping at the first
// failure. It reports whether every command succeeded; an empty step succeeds.
func (o *Orchestrator) RunStep(ctx context.Context, s *models.Session, kind models.StepKind) bool {
	plan, ok := s.Plan()
	if !ok {
		return false
	}
	attempt := s.FixAttempts()
	if kind == models.StepDiagnose {
		attempt = 1
	}
	target := s.Event().TargetHost

	for _, cmd := range plan.Commands(kind) {
		if requested, _ := s.CancelRequested(); requested || ctx.Err() != nil {
			return false
		}
		result := o.runCommand(ctx, s, kind, attempt, cmd, target)
		s.AppendStep(result)
		metrics.StepCommand(string(kind), result.Success)
		if !result.Success {
			o.logger.Info("step command failed",
				slog.String("session_id", s.ID()),
				slog.String("kind", string(kind)),
				slog.Int("attempt", attempt),
				slog.Int("exit_code", result.ExitCode),
				slog.String("error", result.Error))
			return false
		}
	}
	return true
}

// runCommand never returns an error: collaborator failures and panics become a
// failed StepResult.
func (o *Orchestrator) runCommand(ctx context.Context, s *models.Session, kind models.StepKind, attempt int, cmd, target string) (result models.StepResult) {
	result = models.StepResult{Command: cmd, Kind: kind, Attempt: attempt}
	start := o.now()

	ctx, span := startCommandSpan(ctx, s.ID(), kind, attempt)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer func() {
		cancel()
		if r := recover(); r != nil {
			result.Success = false
			result.ExitCode = -1
			result.Error = fmt.Sprintf("executor panic: %v", r)
		}
		result.Duration = o.now().Sub(start)
		if result.Duration < 0 {
			result.Duration = 0
		}
		var spanErr error
		if !result.Success {
			spanErr = errors.New(result.Error)
		}
		endSpan(span, spanErr)
	}()

	out, err := o.deps.Executor.Run(ctx, cmd, target)
	result.Stdout = out.Stdout
	result.Stderr = out.Stderr
	result.ExitCode = out.ExitCode
	if err != nil {
		result.Error = err.Error()
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		return result
	}
	result.Success = out.ExitCode == 0
	if !result.Success {
		result.Error = fmt.Sprintf("exit code %d", out.ExitCode)
	}
	return result
}
