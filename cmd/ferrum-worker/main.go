// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ferrum-worker executes steps from the Redis queue: LLM calls through
// the provider chain, tool calls through the MCP registry, results
// reported back to the control plane over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/artifact"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/config"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/mcp"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/metrics"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue/redisq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/secrets"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/tracing"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/worker"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm/anthropic"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm/openai"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/security"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/tools"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitSignal = 130
)

const keyringService = "ferrumdeck"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		consumer    = flag.String("consumer", "", "Consumer name (hostname when empty)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ferrum-worker %s (commit: %s)\n", version, commit)
		return exitOK
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("invalid configuration", log.Error(err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, tracing.FromEnv("ferrum-worker", version))
	if err != nil {
		logger.Error("tracing setup failed", log.Error(err))
		return exitError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", log.Error(err))
		}
	}()

	resolver := secrets.DefaultResolver(keyringService, filepath.Join(cfg.WorkspaceDir, "secrets.enc"))

	token := cfg.APIToken
	if token == "" {
		token, _ = resolver.Get(ctx, "FD_API_TOKEN")
	}
	if token == "" {
		logger.Error("no API token: set FD_API_TOKEN or store it in the secrets chain")
		return exitConfig
	}

	client, err := sdk.New(cfg.ControlPlaneURL, sdk.WithToken(token))
	if err != nil {
		logger.Error("invalid control plane URL", log.Error(err))
		return exitConfig
	}

	providers := buildProviders(ctx, resolver, logger)
	if len(providers) == 0 {
		logger.Warn("no LLM providers configured; llm steps will fail")
	}

	registry := tools.NewRegistry()
	manager := mcp.NewManager(registry, logger)
	defer manager.Close()
	if cfg.MCPConfigPath != "" {
		mcpCfg, err := mcp.LoadConfig(cfg.MCPConfigPath)
		if err != nil {
			logger.Error("invalid MCP config", log.Error(err))
			return exitConfig
		}
		if err := manager.Connect(ctx, mcpCfg); err != nil {
			logger.Error("MCP connect failed", log.Error(err))
			return exitError
		}
		watcher, err := mcp.NewWatcher(mcp.WatcherConfig{
			Manager: manager,
			Path:    cfg.MCPConfigPath,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("MCP watcher failed", log.Error(err))
			return exitError
		}
		defer watcher.Close()
	}

	sink, err := artifact.NewSink(filepath.Join(cfg.WorkspaceDir, "artifacts"))
	if err != nil {
		logger.Error("artifact sink unavailable", log.Error(err))
		return exitError
	}
	var replay *artifact.ReplayCache
	if cfg.Replay {
		replay, err = artifact.OpenReplayCache(sink, filepath.Join(cfg.WorkspaceDir, "replay.db"))
		if err != nil {
			logger.Error("replay cache unavailable", log.Error(err))
			return exitError
		}
		defer replay.Close()
	}

	q, err := redisq.Open(ctx, cfg.RedisURL, redisq.Options{})
	if err != nil {
		logger.Error("queue unavailable", log.Error(err))
		return exitError
	}
	defer q.Close()

	w := worker.New(worker.Config{
		Queue:       q,
		Plane:       &plane{client: client},
		Logger:      logger,
		Providers:   providers,
		Pricing:     llm.DefaultPricing(),
		Tools:       registry,
		Input:       security.NewInputSanitizer(security.WithMode(security.ModeBlock)),
		Artifacts:   sink,
		Replay:      replay,
		Metrics:     metrics.New(),
		Concurrency: cfg.Concurrency,
		Consumer:    *consumer,
		StepTimeout: cfg.StepTimeout,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
	})

	logger.Info("worker started",
		slog.String("control_plane", cfg.ControlPlaneURL),
		slog.Int("concurrency", cfg.Concurrency),
		slog.String("version", version))

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker failed", log.Error(err))
		return exitError
	}
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return exitSignal
	}
	return exitOK
}

// buildProviders resolves API keys through the secrets chain and wraps
// each provider with a circuit breaker. Retry wrapping is the worker's
// job.
func buildProviders(ctx context.Context, resolver *secrets.Resolver, logger *slog.Logger) map[string]llm.Provider {
	providers := make(map[string]llm.Provider)

	if key, err := resolver.Get(ctx, "ANTHROPIC_API_KEY"); err == nil && key != "" {
		p, err := anthropic.New(key)
		if err != nil {
			logger.Warn("anthropic provider unavailable", log.Error(err))
		} else {
			providers["anthropic"] = llm.WithBreaker(p, llm.DefaultBreakerConfig())
		}
	}
	if key, err := resolver.Get(ctx, "OPENAI_API_KEY"); err == nil && key != "" {
		p, err := openai.New(key, os.Getenv("OPENAI_BASE_URL"))
		if err != nil {
			logger.Warn("openai provider unavailable", log.Error(err))
		} else {
			providers["openai"] = llm.WithBreaker(p, llm.DefaultBreakerConfig())
		}
	}
	return providers
}
