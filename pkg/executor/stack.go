package executor

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Crosswind-Labs/keel/pkg/config"
	"github.com/Crosswind-Labs/keel/pkg/effort"
	"github.com/Crosswind-Labs/keel/pkg/guard"
	"github.com/Crosswind-Labs/keel/pkg/outbox"
	"github.com/Crosswind-Labs/keel/pkg/reflexion"
	"github.com/Crosswind-Labs/keel/pkg/reliability"
	"github.com/Crosswind-Labs/keel/pkg/store"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
	"github.com/Crosswind-Labs/keel/pkg/tool"
)

// Stack is the fully wired execution plane: the policy gate, the tool
// wrapper over a durable outbox, the executor interlock, and the
// reflexion engine, all sharing one telemetry collector.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Stack struct {
	Config    *config.Config
	Guard     *guard.Guard
	Registry  tool.Registry
	Wrapper   *tool.Wrapper
	Executor  *Executor
	Reflexion *reflexion.Engine
	Collector telemetry.Collector

	closers []func(context.Context) error
}

// Close releases the durable backends in reverse acquisition order.
func (s *Stack) Close(ctx context.Context) error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BuildStack assembles a Stack from configuration. The registry is
// supplied by the caller since tool handlers are application code.
func BuildStack(ctx context.Context, cfg *config.Config, registry tool.Registry) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if registry == nil {
		registry = tool.NewRegistry()
	}
	s := &Stack{Config: cfg, Registry: registry}

	collector, err := s.buildCollector(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.Collector = collector

	engine, auditSink, err := s.buildStores(cfg)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	guardOpts := []guard.Option{
		guard.WithCollector(collector),
		guard.WithTokenTTL(cfg.Guard.TokenTTL),
	}
	if auditSink != nil {
		guardOpts = append(guardOpts, guard.WithAuditSink(auditSink))
	}
	g, err := guard.New(guardOpts...)
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("build guard: %w", err)
	}
	s.Guard = g

	s.Wrapper = tool.NewWrapper(registry,
		tool.WithOutbox(engine),
		tool.WithCache(tool.NewMemoryCache()),
		tool.WithCollector(collector),
		tool.WithTimeout(cfg.Tool.DefaultTimeout),
		tool.WithMaxAttempts(cfg.Tool.MaxAttempts),
	)

	execOpts := []Option{
		WithCollector(collector),
		WithRetrier(reliability.NewRetrier(
			cfg.Retry.Policy,
			reliability.NewClassifier(reliability.DefaultRules()...),
		)),
		WithDegrader(reliability.NewDegrader()),
	}
	if cfg.Effort.Enabled {
		execOpts = append(execOpts, WithEffort(effort.NewEvaluator(
			effort.WithWeights(cfg.Effort.Weights),
			effort.WithBaselines(cfg.Effort.Baselines),
			effort.WithThresholds(cfg.Effort.ApproveThreshold, cfg.Effort.RejectThreshold),
		)))
	}
	s.Executor = New(g, s.Wrapper, execOpts...)

	s.Reflexion = reflexion.New(g, nil,
		reflexion.WithEventLog(store.NewMemoryEventLog()),
		reflexion.WithCollector(collector),
	)

	return s, nil
}

// buildCollector selects the telemetry exporter.
func (s *Stack) buildCollector(ctx context.Context, cfg *config.Config) (telemetry.Collector, error) {
	switch cfg.Telemetry.Exporter {
	case "", "none":
		return telemetry.Nop{}, nil
	case "memory":
		return telemetry.NewMemory(), nil
	case "otel":
		tcfg := telemetry.DefaultConfig()
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		if cfg.Telemetry.ServiceName != "" {
			tcfg.ServiceName = cfg.Telemetry.ServiceName
		}
		provider, err := telemetry.NewProvider(ctx, tcfg)
		if err != nil {
			return nil, fmt.Errorf("build telemetry: %w", err)
		}
		s.closers = append(s.closers, provider.Shutdown)
		return provider, nil
	default:
		return nil, fmt.Errorf("build telemetry: unknown exporter %q", cfg.Telemetry.Exporter)
	}
}

// buildStores opens the configured outbox backend and, for the embedded
// backend, a durable audit sink sharing the same database.
func (s *Stack) buildStores(cfg *config.Config) (*outbox.Engine, guard.AuditSink, error) {
	switch cfg.Store.Outbox {
	case "memory":
		return outbox.NewEngine(outbox.NewMemoryStore()), nil, nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.SQLitePath, err)
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		ob, err := store.NewSQLiteOutboxStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate sqlite outbox: %w", err)
		}
		audit, err := store.NewSQLiteAuditStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate sqlite audit: %w", err)
		}
		return outbox.NewEngine(ob), audit, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		return outbox.NewEngine(store.NewPostgresOutboxStore(db)), nil, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		return outbox.NewEngine(store.NewRedisOutboxStore(client)), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown outbox backend %q", cfg.Store.Outbox)
	}
}
