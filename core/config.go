package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the orchestrator.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML configuration file
//  3. Environment variables (SENTINELOPS_* prefix)
//  4. Functional options (highest priority)
//
// Unknown YAML keys reject on startup.
type Config struct {
	Name string `yaml:"name"`

	Workflow    WorkflowConfig    `yaml:"workflow"`
	AutoApprove AutoApproveConfig `yaml:"autoApprove"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Cache       CacheConfig       `yaml:"cache"`
	Batcher     BatcherConfig     `yaml:"batcher"`
	Audit       AuditConfig       `yaml:"audit"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Store       StoreConfig       `yaml:"store"`
	Bus         BusConfig         `yaml:"bus"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// WorkflowConfig bounds the incident workflow lifecycle.
type WorkflowConfig struct {
	MaxConcurrentIncidents int           `yaml:"maxConcurrentIncidents"`
	MaxQueueSize           int           `yaml:"maxQueueSize"`
	WorkflowTimeout        time.Duration `yaml:"workflowTimeoutSec"`
	AnalysisTimeout        time.Duration `yaml:"analysisTimeoutSec"`
	RemediationTimeout     time.Duration `yaml:"remediationTimeoutSec"`
	ApprovalTimeout        time.Duration `yaml:"approvalTimeoutSec"`
	ClosureDelay           time.Duration `yaml:"closureDelaySec"`
	ConfidenceThreshold    float64       `yaml:"confidenceThreshold"`
	// EscalateLowConfidence sends low-confidence incidents to humans
	// instead of failing the workflow.
	EscalateLowConfidence bool `yaml:"escalateLowConfidence"`
	// AllowPartialResolution permits INCIDENT_RESOLVED with reason
	// "partial" when some actions failed.
	AllowPartialResolution bool `yaml:"allowPartialResolution"`
}

// AutoApproveConfig parameterizes the approval engine rule set.
type AutoApproveConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ConfidenceHigh float64  `yaml:"confidenceHigh"`
	ConfidenceLow  float64  `yaml:"confidenceLow"`
	MaxRisk        float64  `yaml:"maxRisk"`
	DenyCategories []string `yaml:"denyCategories"`
	// ProtectedResources are glob patterns; actions targeting a match
	// always defer to a human.
	ProtectedResources []string `yaml:"protectedResources"`
}

// RecoveryConfig parameterizes typed error recovery.
type RecoveryConfig struct {
	MaxRetries  int           `yaml:"maxRetries"`
	BaseBackoff time.Duration `yaml:"baseBackoffMs"`
	MaxBackoff  time.Duration `yaml:"maxBackoffMs"`
	JitterPct   float64       `yaml:"jitterPct"`
	MaxDefers   int           `yaml:"maxDefers"`
}

// CircuitConfig parameterizes per-dependency circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Window           time.Duration `yaml:"windowSec"`
	Cooldown         time.Duration `yaml:"cooldownSec"`
	MaxCooldown      time.Duration `yaml:"maxCooldownSec"`
}

// CacheConfig parameterizes the result cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttlSec"`
	MaxEntries int           `yaml:"maxEntries"`
}

// BatcherConfig parameterizes the write batcher.
type BatcherConfig struct {
	Window time.Duration `yaml:"windowMs"`
	MaxOps int           `yaml:"maxOps"`
}

// AuditConfig parameterizes the audit log.
type AuditConfig struct {
	SigningEnabled bool   `yaml:"signingEnabled"`
	SigningKeyFile string `yaml:"signingKeyFile"`
}

// RateLimitConfig parameterizes per-category token buckets for outbound
// actions. Rates are events per second.
type RateLimitConfig struct {
	DefaultRate float64            `yaml:"defaultRate"`
	Burst       int                `yaml:"burst"`
	PerCategory map[string]float64 `yaml:"perCategory"`
}

// StoreConfig selects and configures the incident store backend.
type StoreConfig struct {
	Provider string `yaml:"provider"` // "memory" or "redis"
	RedisURL string `yaml:"redisUrl"`
}

// BusConfig selects and configures the message bus backend.
type BusConfig struct {
	Provider      string `yaml:"provider"` // "memory" or "nats"
	NATSURL       string `yaml:"natsUrl"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	QueueGroup    string `yaml:"queueGroup"`
}

// AdminConfig configures the administrative HTTP surface.
type AdminConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithMaxConcurrentIncidents overrides the admission cap.
func WithMaxConcurrentIncidents(n int) Option {
	return func(c *Config) { c.Workflow.MaxConcurrentIncidents = n }
}

// WithStore selects the store backend.
func WithStore(provider, redisURL string) Option {
	return func(c *Config) {
		c.Store.Provider = provider
		c.Store.RedisURL = redisURL
	}
}

// WithBus selects the bus backend.
func WithBus(provider, natsURL string) Option {
	return func(c *Config) {
		c.Bus.Provider = provider
		c.Bus.NATSURL = natsURL
	}
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "sentinelops",
		Workflow: WorkflowConfig{
			MaxConcurrentIncidents: 10,
			MaxQueueSize:           100,
			WorkflowTimeout:        1800 * time.Second,
			AnalysisTimeout:        300 * time.Second,
			RemediationTimeout:     600 * time.Second,
			ApprovalTimeout:        1800 * time.Second,
			ClosureDelay:           30 * time.Second,
			ConfidenceThreshold:    0.7,
		},
		AutoApprove: AutoApproveConfig{
			Enabled:        true,
			ConfidenceHigh: 0.85,
			ConfidenceLow:  0.70,
			MaxRisk:        0.5,
		},
		Recovery: RecoveryConfig{
			MaxRetries:  3,
			BaseBackoff: 1000 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			JitterPct:   0.2,
			MaxDefers:   3,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			Window:           60 * time.Second,
			Cooldown:         30 * time.Second,
			MaxCooldown:      8 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:        300 * time.Second,
			MaxEntries: 1000,
		},
		Batcher: BatcherConfig{
			Window: 50 * time.Millisecond,
			MaxOps: 50,
		},
		RateLimit: RateLimitConfig{
			DefaultRate: 10,
			Burst:       20,
		},
		Store: StoreConfig{Provider: "memory"},
		Bus: BusConfig{
			Provider:      "memory",
			SubjectPrefix: "sentinelops",
			QueueGroup:    "orchestrator",
		},
		Admin: AdminConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// NewConfig builds a config from defaults, an optional YAML file, the
// environment, and functional options, then validates it.
func NewConfig(path string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays YAML from path. Decoding is strict: unknown keys are
// rejected so typos fail startup instead of silently using defaults.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, ErrMissingConfiguration)
	}

	// Durations are expressed in the unit the key names (Sec / Ms), so
	// decode into a shadow struct of scalars first.
	var raw rawConfig
	dec := yaml.NewDecoder(newStrictReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("parsing config file %s: %v: %w", path, err, ErrInvalidConfiguration)
	}
	raw.apply(c)
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SENTINELOPS_NAME"); v != "" {
		c.Name = v
	}
	if v, ok := envInt("SENTINELOPS_MAX_CONCURRENT_INCIDENTS"); ok {
		c.Workflow.MaxConcurrentIncidents = v
	}
	if v, ok := envInt("SENTINELOPS_MAX_QUEUE_SIZE"); ok {
		c.Workflow.MaxQueueSize = v
	}
	if v, ok := envInt("SENTINELOPS_WORKFLOW_TIMEOUT_SEC"); ok {
		c.Workflow.WorkflowTimeout = time.Duration(v) * time.Second
	}
	if v := os.Getenv("SENTINELOPS_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("SENTINELOPS_NATS_URL"); v != "" {
		c.Bus.NATSURL = v
	}
	if v, ok := envInt("SENTINELOPS_ADMIN_PORT"); ok {
		c.Admin.Port = v
	}
	if v := os.Getenv("SENTINELOPS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf(format+": %w", append(args, ErrInvalidConfiguration)...)
	}
	if c.Workflow.MaxConcurrentIncidents <= 0 {
		return fail("maxConcurrentIncidents must be positive, got %d", c.Workflow.MaxConcurrentIncidents)
	}
	if c.Workflow.MaxQueueSize < 0 {
		return fail("maxQueueSize must not be negative, got %d", c.Workflow.MaxQueueSize)
	}
	if c.Workflow.ConfidenceThreshold < 0 || c.Workflow.ConfidenceThreshold > 1 {
		return fail("confidenceThreshold must be in [0,1], got %v", c.Workflow.ConfidenceThreshold)
	}
	if c.AutoApprove.MaxRisk < 0 || c.AutoApprove.MaxRisk > 1 {
		return fail("autoApprove.maxRisk must be in [0,1], got %v", c.AutoApprove.MaxRisk)
	}
	if c.AutoApprove.ConfidenceHigh < c.AutoApprove.ConfidenceLow {
		return fail("autoApprove.confidenceHigh %v below confidenceLow %v",
			c.AutoApprove.ConfidenceHigh, c.AutoApprove.ConfidenceLow)
	}
	if c.Recovery.MaxRetries < 0 {
		return fail("recovery.maxRetries must not be negative, got %d", c.Recovery.MaxRetries)
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fail("circuit.failureThreshold must be positive, got %d", c.Circuit.FailureThreshold)
	}
	if c.Cache.MaxEntries <= 0 {
		return fail("cache.maxEntries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Batcher.MaxOps <= 0 {
		return fail("batcher.maxOps must be positive, got %d", c.Batcher.MaxOps)
	}
	switch c.Store.Provider {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fail("store.redisUrl required for redis provider")
		}
	default:
		return fail("unknown store provider %q", c.Store.Provider)
	}
	switch c.Bus.Provider {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fail("bus.natsUrl required for nats provider")
		}
	default:
		return fail("unknown bus provider %q", c.Bus.Provider)
	}
	if c.Audit.SigningEnabled && c.Audit.SigningKeyFile == "" {
		return fail("audit.signingKeyFile required when signing is enabled")
	}
	return nil
}

// Snapshot returns a copy safe to expose on the admin surface.
// Connection URLs are redacted because they may embed credentials.
func (c *Config) Snapshot() Config {
	snap := *c
	if snap.Store.RedisURL != "" {
		snap.Store.RedisURL = "redacted"
	}
	if snap.Bus.NATSURL != "" {
		snap.Bus.NATSURL = "redacted"
	}
	return snap
}
