package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the remediator.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Runner     RunnerConfig     `yaml:"runner"`
	Agents     []AgentConfig    `yaml:"agents"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Escalation EscalationConfig `yaml:"escalation"`
	Lease      LeaseConfig      `yaml:"lease"`
	Spool      SpoolConfig      `yaml:"spool"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls gRPC and HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Reflection      bool          `yaml:"reflection"`
	// ReportRate limits ReportIssue calls per second; Burst is the bucket size.
	ReportRate  float64 `yaml:"reportRate"`
	ReportBurst int     `yaml:"reportBurst"`
}

// StoreConfig selects the issue database.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SchedulerConfig drives the control loop.
type SchedulerConfig struct {
	Period              time.Duration `yaml:"period"`
	EscalationThreshold int           `yaml:"escalationThreshold"`
}

// RunnerConfig bounds agent execution.
type RunnerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	AgentTimeout       time.Duration `yaml:"agentTimeout"`
	ProtocolConstraint string        `yaml:"protocolConstraint"`
	ProcMount          string        `yaml:"procMount"`
	CPUThreshold       float64       `yaml:"cpuThreshold"`
	MemoryThreshold    float64       `yaml:"memoryThreshold"`
	LoadBackoff        time.Duration `yaml:"loadBackoff"`
	LoadMaxBackoff     time.Duration `yaml:"loadMaxBackoff"`
	LoadMaxWait        time.Duration `yaml:"loadMaxWait"`
}

// AgentConfig declares one external agent. Type is "exec" or "http".
type AgentConfig struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Path     string        `yaml:"path"`
	Args     []string      `yaml:"args"`
	Env      []string      `yaml:"env"`
	Grace    time.Duration `yaml:"grace"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
}

// BreakerConfig controls per-class suppression.
type BreakerConfig struct {
	Threshold   int           `yaml:"threshold"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"maxCooldown"`
}

// EscalationConfig controls severity rules and the stale audit hook.
type EscalationConfig struct {
	RulesPath    string        `yaml:"rulesPath"`
	StaleCommand string        `yaml:"staleCommand"`
	StaleArgs    []string      `yaml:"staleArgs"`
	StaleTimeout time.Duration `yaml:"staleTimeout"`
}

// LeaseConfig enables the Redis-backed class lease for multi-replica deployments.
type LeaseConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"keyPrefix"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// SpoolConfig controls file-drop ingestion.
type SpoolConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
	Rescan   time.Duration `yaml:"rescan"`
}

// ArchiveConfig controls the retention pass.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
	BatchSize int           `yaml:"batchSize"`
	Sink      string        `yaml:"sink"`
	Dir       string        `yaml:"dir"`
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sampleRate"`
	Environment string  `yaml:"environment"`
}

// AuthConfig guards mutating human RPCs with HS256 bearer tokens when Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REMEDIATOR_CONFIG")
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

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			Reflection:      true,
			ReportRate:      20,
			ReportBurst:     50,
		},
		Store: StoreConfig{Driver: "sqlite", DSN: "remediator.db"},
		Scheduler: SchedulerConfig{
			Period:              5 * time.Minute,
			EscalationThreshold: 3,
		},
		Runner: RunnerConfig{
			Concurrency:        3,
			AgentTimeout:       60 * time.Second,
			ProtocolConstraint: ">= 1.0.0, < 2.0.0",
			ProcMount:          "/proc",
			CPUThreshold:       0.9,
			MemoryThreshold:    0.9,
			LoadBackoff:        5 * time.Second,
			LoadMaxBackoff:     time.Minute,
			LoadMaxWait:        5 * time.Minute,
		},
		Breaker: BreakerConfig{
			Threshold:   3,
			Cooldown:    time.Hour,
			MaxCooldown: 24 * time.Hour,
		},
		Escalation: EscalationConfig{
			RulesPath:    "configs/severity.yaml",
			StaleTimeout: 30 * time.Second,
		},
		Lease: LeaseConfig{
			KeyPrefix:   "remediator:lease:",
			TTL:         10 * time.Minute,
			DialTimeout: 2 * time.Second,
		},
		Spool: SpoolConfig{
			Dir:      "spool",
			Debounce: 500 * time.Millisecond,
			Rescan:   time.Minute,
		},
		Archive: ArchiveConfig{
			Interval:  6 * time.Hour,
			Retention: 30 * 24 * time.Hour,
			BatchSize: 100,
			Sink:      "file",
			Dir:       "archive",
		},
		Telemetry: TelemetryConfig{SampleRate: 1, Insecure: true},
		Logging:   LoggingConfig{Level: "info", JSON: false},
	}
}

// Validate rejects settings the control loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres", "store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	check(c.Store.DSN != "", "store.dsn is required")
	check(c.Scheduler.Period > 0, "scheduler.period must be positive")
	check(c.Scheduler.EscalationThreshold >= 1, "scheduler.escalationThreshold must be at least 1")
	check(c.Runner.Concurrency >= 1, "runner.concurrency must be at least 1")
	check(c.Runner.AgentTimeout > 0, "runner.agentTimeout must be positive")
	check(c.Runner.CPUThreshold > 0 && c.Runner.CPUThreshold <= 1, "runner.cpuThreshold must be in (0, 1]")
	check(c.Runner.MemoryThreshold > 0 && c.Runner.MemoryThreshold <= 1, "runner.memoryThreshold must be in (0, 1]")
	check(c.Breaker.Threshold >= 1, "breaker.threshold must be at least 1")
	check(c.Breaker.Cooldown > 0, "breaker.cooldown must be positive")
	check(c.Breaker.MaxCooldown >= c.Breaker.Cooldown, "breaker.maxCooldown must not be below breaker.cooldown")
	check(c.Server.ReportRate > 0 && c.Server.ReportBurst >= 1, "server.reportRate and server.reportBurst must be positive")
	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sampleRate must be in [0, 1]")
	if c.Lease.Enabled {
		check(c.Lease.Addr != "", "lease.addr is required when the lease is enabled")
	}
	check(c.Lease.TTL >= 3*time.Second, "lease.ttl must be at least 3s so it can be renewed during dispatch")
	if c.Spool.Enabled {
		check(c.Spool.Dir != "", "spool.dir is required when the spool is enabled")
	}
	switch c.Archive.Sink {
	case "file":
		check(c.Archive.Dir != "", "archive.dir is required for the file sink")
	case "s3", "gcs":
		check(c.Archive.Bucket != "", "archive.bucket is required for the %s sink", c.Archive.Sink)
	default:
		errs = append(errs, fmt.Errorf("archive.sink must be file, s3 or gcs, got %q", c.Archive.Sink))
	}

	names := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		check(a.Name != "", "agents[%d].name is required", i)
		check(!names[a.Name], "agents[%d]: duplicate agent name %q", i, a.Name)
		names[a.Name] = true
		switch a.Type {
		case "exec":
			check(a.Path != "", "agents[%d] (%s): path is required for exec agents", i, a.Name)
		case "http":
			check(a.Endpoint != "", "agents[%d] (%s): endpoint is required for http agents", i, a.Name)
		default:
			errs = append(errs, fmt.Errorf("agents[%d] (%s): type must be exec or http, got %q", i, a.Name, a.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMEDIATOR_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("REMEDIATOR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("REMEDIATOR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("REMEDIATOR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REMEDIATOR_SCHEDULER_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Period = d
		}
	}
	if v := os.Getenv("REMEDIATOR_ESCALATION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.EscalationThreshold = n
		}
	}
	if v := os.Getenv("REMEDIATOR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runner.Concurrency = n
		}
	}
	if v := os.Getenv("REMEDIATOR_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runner.AgentTimeout = d
		}
	}
	if v := os.Getenv("REMEDIATOR_CPU_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Runner.CPUThreshold = f
		}
	}
	if v := os.Getenv("REMEDIATOR_MEMORY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Runner.MemoryThreshold = f
		}
	}
	if v := os.Getenv("REMEDIATOR_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.Threshold = n
		}
	}
	if v := os.Getenv("REMEDIATOR_BREAKER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.Cooldown = d
		}
	}
	if v := os.Getenv("REMEDIATOR_RULES_PATH"); v != "" {
		cfg.Escalation.RulesPath = v
	}
	if v := os.Getenv("REMEDIATOR_LEASE_ADDR"); v != "" {
		cfg.Lease.Addr = v
		cfg.Lease.Enabled = true
	}
	if v := os.Getenv("REMEDIATOR_LEASE_PASSWORD"); v != "" {
		cfg.Lease.Password = v
	}
	if v := os.Getenv("REMEDIATOR_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
		cfg.Spool.Enabled = true
	}
	if v := os.Getenv("REMEDIATOR_ARCHIVE_SINK"); v != "" {
		cfg.Archive.Sink = strings.ToLower(v)
	}
	if v := os.Getenv("REMEDIATOR_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("REMEDIATOR_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("REMEDIATOR_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("REMEDIATOR_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("REMEDIATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMEDIATOR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
