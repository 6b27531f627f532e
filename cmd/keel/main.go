// Command keel wires the execution plane from configuration and runs a
// demo invocation through the full interlock. It exists to exercise the
// stack end to end; real deployments embed the packages directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/config"
	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/executor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config (defaults + env when empty)")
	toolID := fs.String("tool", "echo", "tool id to invoke")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "keel:", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := executor.BuildStack(ctx, cfg, nil)
	if err != nil {
		logger.Error("stack assembly failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stack.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	if err := registerDemoTools(stack); err != nil {
		logger.Error("tool registration failed", "error", err)
		return 1
	}

	res := stack.Executor.Execute(ctx, demoRequest(*toolID))
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(stdout, string(out))

	if !res.Success {
		return 1
	}
	return 0
}

// registerDemoTools installs a pair of handlers so the binary can show
// both the direct path and the outbox path.
func registerDemoTools(stack *executor.Stack) error {
	if err := stack.Registry.Register(
		contracts.ToolSpec{ID: "echo", Name: "echo"},
		func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"echo": params, "at": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	); err != nil {
		return err
	}
	return stack.Registry.Register(
		contracts.ToolSpec{ID: "record", Name: "record", HasSideEffects: true},
		func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"recorded": true}, nil
		},
	)
}

func demoRequest(toolID string) *contracts.Request {
	return &contracts.Request{
		Principal: contracts.Principal{
			ID:   "demo-operator",
			Kind: contracts.PrincipalHuman,
			Permissions: []contracts.Permission{
				{Verb: "read", Resource: "demo", DataZone: contracts.ZoneInternal},
				{Verb: "write", Resource: "demo", DataZone: contracts.ZoneInternal},
			},
		},
		Action: contracts.Action{
			ID:       "demo-invocation",
			Name:     "demo-invocation",
			RiskTier: contracts.RiskLow,
			RequiredPermissions: []contracts.Permission{
				{Verb: "read", Resource: "demo"},
			},
		},
		ToolID:     toolID,
		Params:     map[string]any{"message": "hello"},
		WorkflowID: "demo-wf",
		TaskID:     "demo-task",
		StepID:     "step-1",
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
