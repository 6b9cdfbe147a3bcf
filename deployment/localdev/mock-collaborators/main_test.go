package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/repo"
)

func TestCollaboratorsSpeakClientProtocol(t *testing.T) {
	srv := httptest.NewServer(newMux())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	oracle := repo.NewOracleClient(repo.OracleConfig{BaseURL: srv.URL}, nil)
	plan, err := oracle.Analyze(ctx, engine.AnalysisRequest{Category: models.CategoryPackage})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(plan.Fix) == 0 || plan.Risk != models.RiskLow {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	exec := repo.NewAgentExecutor(repo.ExecutorConfig{BaseURL: srv.URL})
	res, err := exec.Run(ctx, "false", "web-01")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected simulated failure, got %+v", res)
	}

	retry := repo.NewPipelineRetryClient(map[string]string{"default": srv.URL + "/v1/retry"}, "", time.Second)
	ok, err := retry.RetryStage(ctx, "jenkins", "deploy-web", "provision", "1")
	if err != nil || !ok {
		t.Fatalf("retry: %v %v", ok, err)
	}
}

func TestRejectsNonPost(t *testing.T) {
	srv := httptest.NewServer(newMux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/healthz", "text/plain", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/run")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
