package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/resilience"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

// DefaultAnalyzePath is the oracle route that returns a remediation plan.
const DefaultAnalyzePath = "/v1/analyze"

// OracleConfig configures OracleClient.
type OracleConfig struct {
	BaseURL string
	Path    string
	Token   string
	Timeout time.Duration
}

// OracleClient asks the reasoning service for a remediation plan. Calls go
// through a circuit breaker so a failing oracle escalates sessions quickly.
type OracleClient struct {
	endpoint string
	client   jsonClient
	breaker  *resilience.Breaker
}

// NewOracleClient builds an oracle client. breaker may be nil.
func NewOracleClient(cfg OracleConfig, breaker *resilience.Breaker) *OracleClient {
	p := cfg.Path
	if p == "" {
		p = DefaultAnalyzePath
	}
	return &OracleClient{
		endpoint: resolvePath(cfg.BaseURL, p),
		client:   newJSONClient("oracle", cfg.Timeout, cfg.Token),
		breaker:  breaker,
	}
}

// Analyze implements engine.Oracle.
func (c *OracleClient) Analyze(ctx context.Context, req engine.AnalysisRequest) (models.RemediationPlan, error) {
	if c == nil || c.endpoint == "" {
		return models.RemediationPlan{}, utils.NewAppError("oracle.analyze", "oracle base URL not configured", nil)
	}

	var plan models.RemediationPlan
	call := func(ctx context.Context) error {
		plan = models.RemediationPlan{}
		return c.client.postJSON(ctx, c.endpoint, req, &plan)
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return models.RemediationPlan{}, utils.NewAppError("oracle.analyze", "oracle unavailable", err)
		}
		return models.RemediationPlan{}, utils.NewAppError("oracle.analyze", "plan request failed", err)
	}
	plan.Risk = models.RiskLevel(strings.ToLower(strings.TrimSpace(string(plan.Risk))))
	return plan, nil
}
