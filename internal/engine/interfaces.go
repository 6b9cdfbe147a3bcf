package engine

import (
	"context"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// AnalysisRequest is the context handed to the reasoning oracle.
type AnalysisRequest struct {
	ErrorText string          `json:"error_text"`
	Category  models.Category `json:"category"`
	Severity  models.Severity `json:"severity"`
	Target    string          `json:"target,omitempty"`
	Source    string          `json:"source"`
	Job       string          `json:"job"`
	Stage     string          `json:"stage"`
}

// Oracle proposes remediation plans.
type Oracle interface {
	Analyze(ctx context.Context, req AnalysisRequest) (models.RemediationPlan, error)
}

// CommandResult is the raw outcome of one remote command. A non-zero exit code
// is a result, not an error.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Executor runs commands on remote targets.
type Executor interface {
	Run(ctx context.Context, command, targetHost string) (CommandResult, error)
}

// PipelineRetrier asks the CI system to re-run the failed stage.
type PipelineRetrier interface {
	RetryStage(ctx context.Context, source, jobName, stage, buildID string) (bool, error)
}

// Validator scores a plan before anything runs.
type Validator interface {
	AssessWeighted(plan models.RemediationPlan, severity models.Severity) models.RiskAssessment
}

// Releaser frees the registry slot held by a finished session.
type Releaser interface {
	Release(s *models.Session)
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(event models.LifecycleEvent)
}
