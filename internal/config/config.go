package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures every setting the healer service needs to boot.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Rules     RulesConfig     `yaml:"rules"`
	Registry  RegistryConfig  `yaml:"registry"`
	Clients   ClientsConfig   `yaml:"clients"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Lease     LeaseConfig     `yaml:"lease"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the gRPC and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	// MaxRecvMsgBytes caps inbound requests; failure events carry raw logs.
	MaxRecvMsgBytes int           `yaml:"maxRecvMsgBytes"`
	KeepaliveTime   time.Duration `yaml:"keepaliveTime"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// EngineConfig tunes the healing orchestrator.
type EngineConfig struct {
	MaxRetries            int           `yaml:"maxRetries"`
	ApprovalTimeout       time.Duration `yaml:"approvalTimeout"`
	StepTimeout           time.Duration `yaml:"stepTimeout"`
	AnalysisTimeout       time.Duration `yaml:"analysisTimeout"`
	MaxConcurrentSessions int64         `yaml:"maxConcurrentSessions"`
	RetryStageOnSuccess   bool          `yaml:"retryStageOnSuccess"`
	ObserverQueue         int           `yaml:"observerQueue"`
}

// RulesConfig points at optional rule tables replacing the built-in ones.
type RulesConfig struct {
	ClassifierPath string `yaml:"classifierPath"`
	SafetyPath     string `yaml:"safetyPath"`
}

// RegistryConfig bounds the recently-completed session cache.
type RegistryConfig struct {
	CompletedCapacity int64         `yaml:"completedCapacity"`
	CompletedTTL      time.Duration `yaml:"completedTTL"`
}

// ClientsConfig groups the collaborator endpoints.
type ClientsConfig struct {
	Oracle   OracleClientConfig   `yaml:"oracle"`
	Executor ExecutorClientConfig `yaml:"executor"`
	Retry    RetryClientConfig    `yaml:"retry"`
}

// OracleClientConfig configures the reasoning oracle and its breaker.
type OracleClientConfig struct {
	BaseURL         string        `yaml:"baseURL"`
	Path            string        `yaml:"path"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures int           `yaml:"breakerFailures"`
	BreakerCoolDown time.Duration `yaml:"breakerCoolDown"`
}

// ExecutorClientConfig configures the remote execution agent.
type ExecutorClientConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Path    string        `yaml:"path"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryClientConfig maps pipeline sources to retry endpoints; "default"
// catches unmapped sources.
type RetryClientConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
	Token     string            `yaml:"token"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// LedgerConfig selects the outcome ledger backend.
type LedgerConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redisURL"`
	Key      string `yaml:"key"`
}

// LeaseConfig controls the cross-replica fingerprint lease.
type LeaseConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RedisURL    string        `yaml:"redisURL"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// NotifyConfig controls lifecycle publishing to NATS.
type NotifyConfig struct {
	NATSURL       string `yaml:"natsURL"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sampleRate"`
}

const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none are
// given) into the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_HEALER_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerRedis:
		if c.Ledger.RedisURL == "" {
			problems = append(problems, "ledger.redisURL is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("ledger.backend %q must be memory or redis", c.Ledger.Backend))
	}
	if c.Lease.Enabled && c.Lease.RedisURL == "" {
		problems = append(problems, "lease.redisURL is required when the lease is enabled")
	}
	if c.Server.MaxRecvMsgBytes < 0 {
		problems = append(problems, "server.maxRecvMsgBytes must not be negative")
	}
	if c.Engine.MaxRetries < 0 {
		problems = append(problems, "engine.maxRetries must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, "telemetry.sampleRate must be within [0, 1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			MaxRecvMsgBytes: 8 << 20,
			KeepaliveTime:   2 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Engine: EngineConfig{
			MaxRetries:            3,
			ApprovalTimeout:       30 * time.Minute,
			StepTimeout:           5 * time.Minute,
			AnalysisTimeout:       2 * time.Minute,
			MaxConcurrentSessions: 16,
			RetryStageOnSuccess:   true,
			ObserverQueue:         256,
		},
		Registry: RegistryConfig{
			CompletedCapacity: 1024,
			CompletedTTL:      time.Hour,
		},
		Clients: ClientsConfig{
			Oracle: OracleClientConfig{
				Path:            "/v1/analyze",
				Timeout:         90 * time.Second,
				BreakerFailures: 5,
				BreakerCoolDown: 30 * time.Second,
			},
			Executor: ExecutorClientConfig{
				Path:    "/v1/run",
				Timeout: 5 * time.Minute,
			},
			Retry: RetryClientConfig{Timeout: 10 * time.Second},
		},
		Ledger: LedgerConfig{Backend: LedgerMemory, Key: "healer:outcomes"},
		Lease: LeaseConfig{
			Prefix:      "healer:lease:",
			TTL:         time.Hour,
			DialTimeout: 2 * time.Second,
		},
		Notify:    NotifyConfig{SubjectPrefix: "healer.sessions"},
		Telemetry: TelemetryConfig{Insecure: true, SampleRate: 1},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_HEALER_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_HEALER_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_HEALER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_HEALER_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_HEALER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRetries = n
		}
	}
	envDuration("MIRADOR_HEALER_APPROVAL_TIMEOUT", &cfg.Engine.ApprovalTimeout)
	envDuration("MIRADOR_HEALER_STEP_TIMEOUT", &cfg.Engine.StepTimeout)
	if v := os.Getenv("MIRADOR_HEALER_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.MaxConcurrentSessions = n
		}
	}
	envBool("MIRADOR_HEALER_RETRY_STAGE", &cfg.Engine.RetryStageOnSuccess)
	if v := os.Getenv("MIRADOR_HEALER_CLASSIFIER_RULES"); v != "" {
		cfg.Rules.ClassifierPath = v
	}
	if v := os.Getenv("MIRADOR_HEALER_SAFETY_RULES"); v != "" {
		cfg.Rules.SafetyPath = v
	}
	if v := os.Getenv("MIRADOR_HEALER_ORACLE_URL"); v != "" {
		cfg.Clients.Oracle.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_HEALER_ORACLE_TOKEN"); v != "" {
		cfg.Clients.Oracle.Token = v
	}
	if v := os.Getenv("MIRADOR_HEALER_EXECUTOR_URL"); v != "" {
		cfg.Clients.Executor.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_HEALER_EXECUTOR_TOKEN"); v != "" {
		cfg.Clients.Executor.Token = v
	}
	if v := os.Getenv("MIRADOR_HEALER_RETRY_URL"); v != "" {
		if cfg.Clients.Retry.Endpoints == nil {
			cfg.Clients.Retry.Endpoints = map[string]string{}
		}
		cfg.Clients.Retry.Endpoints["default"] = v
	}
	if v := os.Getenv("MIRADOR_HEALER_LEDGER_BACKEND"); v != "" {
		cfg.Ledger.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_HEALER_REDIS_URL"); v != "" {
		cfg.Ledger.RedisURL = v
		cfg.Lease.RedisURL = v
	}
	envBool("MIRADOR_HEALER_LEASE_ENABLED", &cfg.Lease.Enabled)
	envDuration("MIRADOR_HEALER_LEASE_TTL", &cfg.Lease.TTL)
	if v := os.Getenv("MIRADOR_HEALER_NATS_URL"); v != "" {
		cfg.Notify.NATSURL = v
	}
	if v := os.Getenv("MIRADOR_HEALER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_HEALER_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.SampleRate = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
