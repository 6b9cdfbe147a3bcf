package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/miradorstack/mirador-healer/internal/api"
	"github.com/miradorstack/mirador-healer/internal/cache"
	"github.com/miradorstack/mirador-healer/internal/classifier"
	"github.com/miradorstack/mirador-healer/internal/config"
	"github.com/miradorstack/mirador-healer/internal/engine"
	"github.com/miradorstack/mirador-healer/internal/ledger"
	"github.com/miradorstack/mirador-healer/internal/metrics"
	"github.com/miradorstack/mirador-healer/internal/notify"
	"github.com/miradorstack/mirador-healer/internal/registry"
	"github.com/miradorstack/mirador-healer/internal/repo"
	"github.com/miradorstack/mirador-healer/internal/resilience"
	"github.com/miradorstack/mirador-healer/internal/safety"
	"github.com/miradorstack/mirador-healer/internal/services"
	"github.com/miradorstack/mirador-healer/internal/telemetry"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC healing service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	return cmd
}

// app holds the wired service graph and what must be closed on exit.
type app struct {
	monitor  *services.PipelineMonitor
	registry *registry.Registry
	redis    []cache.Provider
	nats     *nats.Conn
	traces   telemetry.ShutdownFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{traces: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			a.close(context.Background(), logger)
		}
	}()

	traces, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		ServiceVersion: version,
	})
	if err != nil {
		return a, err
	}
	a.traces = traces

	classRules, err := classifier.LoadRules(cfg.Rules.ClassifierPath)
	if err != nil {
		return a, err
	}
	cls, err := classifier.New(classRules)
	if err != nil {
		return a, err
	}
	safetyRules, err := safety.LoadRules(cfg.Rules.SafetyPath)
	if err != nil {
		return a, err
	}
	validator, err := safety.New(safetyRules)
	if err != nil {
		return a, err
	}
	logger.Info("rule tables loaded",
		slog.String("classifier_version", cls.Version()),
		slog.String("safety_version", validator.Version()))

	reg, err := registry.New(registry.Config{
		CompletedCapacity: cfg.Registry.CompletedCapacity,
		CompletedTTL:      cfg.Registry.CompletedTTL,
	})
	if err != nil {
		return a, err
	}
	a.registry = reg

	var outcomes ledger.Ledger = ledger.NewMemoryLedger()
	if cfg.Ledger.Backend == config.LedgerRedis {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{URL: cfg.Ledger.RedisURL, DialTimeout: cfg.Lease.DialTimeout})
		if err != nil {
			return a, fmt.Errorf("ledger: %w", err)
		}
		a.redis = append(a.redis, provider)
		outcomes = ledger.NewRedisLedger(provider.Client(), cfg.Ledger.Key)
	}

	var lease *cache.Lease
	if cfg.Lease.Enabled {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			URL:         cfg.Lease.RedisURL,
			Password:    cfg.Lease.Password,
			DialTimeout: cfg.Lease.DialTimeout,
		})
		if err != nil {
			return a, fmt.Errorf("lease: %w", err)
		}
		a.redis = append(a.redis, provider)
		lease = cache.NewLease(provider, cfg.Lease.Prefix, cfg.Lease.TTL)
	}

	breaker := resilience.NewBreaker(cfg.Clients.Oracle.BreakerFailures, cfg.Clients.Oracle.BreakerCoolDown)
	breaker.OnStateChange(func(s resilience.State) {
		logger.Warn("oracle circuit breaker changed state", slog.String("state", string(s)))
	})
	oracle := repo.NewOracleClient(repo.OracleConfig{
		BaseURL: cfg.Clients.Oracle.BaseURL,
		Path:    cfg.Clients.Oracle.Path,
		Token:   cfg.Clients.Oracle.Token,
		Timeout: cfg.Clients.Oracle.Timeout,
	}, breaker)
	executor := repo.NewAgentExecutor(repo.ExecutorConfig{
		BaseURL: cfg.Clients.Executor.BaseURL,
		Path:    cfg.Clients.Executor.Path,
		Token:   cfg.Clients.Executor.Token,
		Timeout: cfg.Clients.Executor.Timeout,
	})
	var retrier engine.PipelineRetrier
	if len(cfg.Clients.Retry.Endpoints) > 0 {
		retrier = repo.NewPipelineRetryClient(cfg.Clients.Retry.Endpoints, cfg.Clients.Retry.Token, cfg.Clients.Retry.Timeout)
	}

	monitor, err := services.NewPipelineMonitor(services.MonitorDeps{
		Classifier:    cls,
		Validator:     validator,
		Registry:      reg,
		Ledger:        outcomes,
		Oracle:        oracle,
		Executor:      executor,
		Retrier:       retrier,
		Lease:         lease,
		Logger:        logger,
		ObserverQueue: cfg.Engine.ObserverQueue,
	}, engine.Config{
		MaxRetries:            cfg.Engine.MaxRetries,
		ApprovalTimeout:       cfg.Engine.ApprovalTimeout,
		StepTimeout:           cfg.Engine.StepTimeout,
		AnalysisTimeout:       cfg.Engine.AnalysisTimeout,
		MaxConcurrentSessions: cfg.Engine.MaxConcurrentSessions,
		RetryStageOnSuccess:   cfg.Engine.RetryStageOnSuccess,
	})
	if err != nil {
		return a, err
	}
	a.monitor = monitor

	if cfg.Notify.NATSURL != "" {
		nc, err := notify.Connect(cfg.Notify.NATSURL, "mirador-healer")
		if err != nil {
			return a, err
		}
		a.nats = nc
		if err := monitor.RegisterObserver(notify.NewNATSObserver(nc, cfg.Notify.SubjectPrefix, logger)); err != nil {
			return a, err
		}
		logger.Info("publishing lifecycle events to nats", slog.String("url", cfg.Notify.NATSURL))
	}
	return a, nil
}

func (a *app) close(ctx context.Context, logger *slog.Logger) {
	if a.monitor != nil {
		if err := a.monitor.Shutdown(ctx); err != nil {
			logger.Warn("monitor shutdown", slog.Any("error", err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			logger.Warn("nats drain", slog.Any("error", err))
		}
	}
	for _, p := range a.redis {
		_ = p.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if err := a.traces(ctx); err != nil {
		logger.Warn("trace exporter shutdown", slog.Any("error", err))
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting mirador-healer", slog.String("address", cfg.Server.Address), slog.String("version", version))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg.Server, services.NewHealerService(logger, a.monitor),
		grpc.ChainUnaryInterceptor(api.RecoveryInterceptor(logger)))
	if err != nil {
		a.close(context.Background(), logger)
		return err
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if err := server.Start(); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		a.close(shutdownCtx, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("mirador-healer stopped")
	return err
}
