package repo

import (
	"context"
	"strings"
	"time"

	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

// DefaultRunPath is the agent route that executes one command.
const DefaultRunPath = "/v1/run"

// ExecutorConfig configures AgentExecutor.
type ExecutorConfig struct {
	BaseURL string
	Path    string
	Token   string
	Timeout time.Duration
}

// AgentExecutor runs commands through the remote execution agent.
type AgentExecutor struct {
	endpoint string
	client   jsonClient
}

// NewAgentExecutor builds an executor client.
func NewAgentExecutor(cfg ExecutorConfig) *AgentExecutor {
	p := cfg.Path
	if p == "" {
		p = DefaultRunPath
	}
	return &AgentExecutor{
		endpoint: resolvePath(cfg.BaseURL, p),
		client:   newJSONClient("executor", cfg.Timeout, cfg.Token),
	}
}

type runRequest struct {
	Command string `json:"command"`
	Target  string `json:"target_host,omitempty"`
}

// Run implements engine.Executor. A non-zero exit code is returned in the
// result; only transport and protocol failures are errors.
func (e *AgentExecutor) Run(ctx context.Context, command, targetHost string) (engine.CommandResult, error) {
	if e == nil || e.endpoint == "" {
		return engine.CommandResult{}, utils.NewAppError("executor.run", "executor base URL not configured", nil)
	}
	if strings.TrimSpace(command) == "" {
		return engine.CommandResult{}, utils.NewAppError("executor.run", "empty command", nil)
	}

	var result engine.CommandResult
	if err := e.client.postJSON(ctx, e.endpoint, runRequest{Command: command, Target: targetHost}, &result); err != nil {
		return engine.CommandResult{}, utils.NewAppError("executor.run", "agent request failed", err)
	}
	return result, nil
}
