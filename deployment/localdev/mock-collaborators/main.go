// Command mock-collaborators serves canned oracle, agent and CI retry
// endpoints for running the healer locally.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	logger := utils.NewLogger("info", false)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, newMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("mock collaborators listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newMux() *http.ServeMux {
	var retries atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/analyze", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req engine.AnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, cannedPlan(req))
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Command string `json:"command"`
			Target  string `json:"target_host"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res := engine.CommandResult{Stdout: "ran on " + req.Target + ": " + req.Command}
		if strings.Contains(req.Command, "false") {
			res = engine.CommandResult{Stderr: "simulated failure", ExitCode: 1}
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/v1/retry", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		retries.Add(1)
		writeJSON(w, map[string]any{"accepted": true, "retries": retries.Load()})
	})
	return mux
}

// cannedPlan returns a fixed plan per category.
func cannedPlan(req engine.AnalysisRequest) models.RemediationPlan {
	switch req.Category {
	case models.CategoryPackage:
		return models.RemediationPlan{
			Diagnostics:  []string{"apt-cache policy nginx"},
			Fix:          []string{"apt-get update", "apt-get install -y nginx"},
			Verification: []string{"nginx -v"},
			Rationale:    "package index is stale",
			Risk:         models.RiskLow,
		}
	case models.CategoryService:
		return models.RemediationPlan{
			Diagnostics:  []string{"systemctl status nginx --no-pager"},
			Fix:          []string{"systemctl restart nginx"},
			Verification: []string{"systemctl is-active nginx"},
			Rationale:    "service exited",
			Risk:         models.RiskMedium,
		}
	case models.CategoryResourceExhaustion:
		return models.RemediationPlan{
			Diagnostics:  []string{"df -h"},
			Fix:          []string{"rm -rf /var/cache/apt/archives"},
			Verification: []string{"df -h /"},
			Rationale:    "disk is full",
			Risk:         models.RiskLow,
		}
	default:
		return models.RemediationPlan{
			Diagnostics:  []string{"uname -a"},
			Fix:          []string{"true"},
			Verification: []string{"true"},
			Rationale:    "no known remediation",
			Risk:         models.RiskLow,
		}
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("took", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
