package orchestration

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/cdgtlmda/SentinelOps-sub002/audit"
	"github.com/cdgtlmda/SentinelOps-sub002/bus"
	"github.com/cdgtlmda/SentinelOps-sub002/cache"
	"github.com/cdgtlmda/SentinelOps-sub002/core"
	"github.com/cdgtlmda/SentinelOps-sub002/resilience"
	"github.com/cdgtlmda/SentinelOps-sub002/store"
	"github.com/cdgtlmda/SentinelOps-sub002/telemetry"
)

// Runtime owns the wired component graph. Construction is fail-fast:
// any unreachable backend or bad configuration surfaces before the
// dispatcher subscribes.
type Runtime struct {
	Config     core.Config
	Engine     *Engine
	Dispatcher *Dispatcher
	Audit      *audit.Log
	Batcher    *store.Batcher
	Cache      *cache.LRUCache
	Telemetry  *telemetry.Provider

	bus        core.MessageBus
	logger     core.Logger
	signingKey ed25519.PrivateKey
	closers    []func(context.Context) error
}

// NewRuntime builds the full orchestrator from configuration.
func NewRuntime(ctx context.Context, cfg core.Config, logger core.Logger) (*Runtime, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	clock := core.RealClock{}
	rt := &Runtime{Config: cfg, logger: logger}

	// Telemetry
	var metrics core.Metrics = &core.NoOpMetrics{}
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		rt.Telemetry = provider
		rt.closers = append(rt.closers, provider.Shutdown)

		metrics = telemetry.NewSink(telemetry.NewMetricInstruments(cfg.Name), logger)
	}

	// Incident store
	var inner core.IncidentStore
	switch cfg.Store.Provider {
	case "", "memory":
		inner = store.NewMemoryStore()
	case "redis":
		redisStore, err := store.NewRedisStore(ctx, store.RedisStoreOptions{
			RedisURL: cfg.Store.RedisURL,
			Prefix:   cfg.Bus.SubjectPrefix,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		inner = redisStore
		rt.closers = append(rt.closers, func(context.Context) error { return redisStore.Close() })
	default:
		return nil, fmt.Errorf("unknown store provider %q: %w", cfg.Store.Provider, core.ErrInvalidConfiguration)
	}

	batcher, err := store.NewBatcher(store.BatcherOptions{
		Inner:   inner,
		Clock:   clock,
		Config:  cfg.Batcher,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	rt.Batcher = batcher
	rt.closers = append(rt.closers, batcher.Close)

	// Message bus
	switch cfg.Bus.Provider {
	case "", "memory":
		memBus := bus.NewMemoryBus(bus.WithLogger(logger))
		rt.bus = memBus
		rt.closers = append(rt.closers, func(context.Context) error { return memBus.Close() })
	case "nats":
		natsBus, err := bus.NewNATSBus(bus.NATSBusOptions{
			URL:           cfg.Bus.NATSURL,
			SubjectPrefix: cfg.Bus.SubjectPrefix,
			QueueGroup:    cfg.Bus.QueueGroup,
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing NATS bus: %w", err)
		}
		rt.bus = natsBus
		rt.closers = append(rt.closers, func(context.Context) error { return natsBus.Close() })
	default:
		return nil, fmt.Errorf("unknown bus provider %q: %w", cfg.Bus.Provider, core.ErrInvalidConfiguration)
	}

	// Audit log
	var auditStore audit.Store
	switch cfg.Store.Provider {
	case "redis":
		redisAudit, err := audit.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Bus.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("initializing redis audit store: %w", err)
		}
		auditStore = redisAudit
		rt.closers = append(rt.closers, func(context.Context) error { return redisAudit.Close() })
	default:
		auditStore = audit.NewMemoryStore()
	}

	if cfg.Audit.SigningEnabled {
		key, err := loadSigningKey(cfg.Audit.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading audit signing key: %w", err)
		}
		rt.signingKey = key
	}

	auditLog, err := audit.NewLog(ctx, audit.Options{
		Store:      auditStore,
		Clock:      clock,
		SigningKey: rt.signingKey,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	rt.Audit = auditLog

	// Result cache
	resultCache := cache.NewLRUCache(cfg.Cache.MaxEntries, cfg.Cache.TTL, clock)
	resultCache.RegisterMetrics(metrics)
	rt.Cache = resultCache

	// Resilience
	breakers := make(map[string]*resilience.CircuitBreaker, 3)
	for _, dep := range []string{DepAnalysis, DepRemediation, DepCommunication} {
		breaker, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             dep,
			FailureThreshold: cfg.Circuit.FailureThreshold,
			Window:           cfg.Circuit.Window,
			Cooldown:         cfg.Circuit.Cooldown,
			MaxCooldown:      cfg.Circuit.MaxCooldown,
			Clock:            clock,
			Logger:           logger,
			Metrics:          metrics,
		})
		if err != nil {
			return nil, err
		}
		breakers[dep] = breaker
	}
	limiter := resilience.NewRateLimiter(cfg.RateLimit, metrics)
	recovery := resilience.NewRecoveryPolicy(cfg.Recovery, cfg.Circuit.Cooldown)

	// Workflow core
	machine := NewStateMachine()
	approval := NewApprovalEngine(cfg.AutoApprove, logger)
	admission := NewAdmission(cfg.Workflow.MaxConcurrentIncidents, cfg.Workflow.MaxQueueSize, logger, metrics)

	engine, err := NewEngine(EngineOptions{
		Config:    cfg,
		Machine:   machine,
		Approval:  approval,
		Admission: admission,
		Store:     batcher,
		Bus:       rt.bus,
		Audit:     auditLog,
		Recovery:  recovery,
		Limiter:   limiter,
		Breakers:  breakers,
		Cache:     resultCache,
		Clock:     clock,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	rt.Engine = engine

	dispatcher, err := NewDispatcher(DispatcherOptions{
		Engine:  engine,
		Bus:     rt.bus,
		Audit:   auditLog,
		Clock:   clock,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	rt.Dispatcher = dispatcher
	return rt, nil
}

// VerifyAudit recomputes the persisted audit chain. A non-nil error
// means the chain is broken or tampered with.
func (rt *Runtime) VerifyAudit(ctx context.Context) error {
	var pub ed25519.PublicKey
	if rt.signingKey != nil {
		pub = rt.signingKey.Public().(ed25519.PublicKey)
	}
	return rt.Audit.Verify(ctx, pub)
}

// Start subscribes the dispatcher. Call after VerifyAudit.
func (rt *Runtime) Start(ctx context.Context) error {
	return rt.Dispatcher.Start(ctx)
}

// Shutdown stops intake, drains workflows, flushes writes, and releases
// backends in reverse construction order.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.Dispatcher.Stop()
	var firstErr error
	if err := rt.Engine.Shutdown(ctx); err != nil {
		firstErr = err
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadSigningKey reads a hex-encoded ed25519 key: either the 32-byte
// seed or the full 64-byte private key.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("signing enabled but no key file configured: %w", core.ErrMissingConfiguration)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	}
	return nil, fmt.Errorf("key in %s is %d bytes, want %d or %d: %w",
		path, len(decoded), ed25519.SeedSize, ed25519.PrivateKeySize, core.ErrInvalidConfiguration)
}
