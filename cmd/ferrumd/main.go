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

// ferrumd is the FerrumDeck control plane: HTTP API, run kernel, and
// janitor in one process. State lives in Postgres and the step queue in
// Redis Streams; -backend/-queue memory runs everything in-process for
// development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/api"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/auth"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/config"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/jq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/kernel"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/metrics"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	queuemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/queue/memory"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue/redisq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	storemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/store/memory"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store/postgres"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/tracing"
	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Version information (injected via ldflags at build time).
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

func main() {
	os.Exit(run())
}

func run() int {
	var (
		backend     = flag.String("backend", "postgres", "Storage backend (postgres, memory)")
		queueKind   = flag.String("queue", "redis", "Queue backend (redis, memory)")
		rateLimit   = flag.Float64("rate-limit", 0, "Per-tenant requests per second (0 disables)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ferrumd %s (commit: %s)\n", version, commit)
		return exitOK
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadDaemon()
	if err != nil {
		logger.Error("invalid configuration", log.Error(err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, tracing.FromEnv("ferrumd", version))
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

	st, closeStore, err := openStore(ctx, *backend, cfg)
	if err != nil {
		logger.Error("store unavailable", log.Error(err))
		if fderrors.Code(err) == fderrors.CodeConfig {
			return exitConfig
		}
		return exitError
	}
	defer closeStore()

	q, closeQueue, err := openQueue(ctx, *queueKind, cfg)
	if err != nil {
		logger.Error("queue unavailable", log.Error(err))
		if fderrors.Code(err) == fderrors.CodeConfig {
			return exitConfig
		}
		return exitError
	}
	defer closeQueue()

	ids := ident.New()
	reg := metrics.New()
	engine := policy.NewEngine(st, ids, logger)
	k := kernel.New(kernel.Config{
		Store:       st,
		Queue:       q,
		IDs:         ids,
		Logger:      logger,
		Policy:      engine,
		JQ:          jq.NewExecutor(0, 0),
		Metrics:     reg,
		StepTimeout: cfg.StepTimeout,
	})
	defer k.Close()

	go k.Janitor(ctx, kernel.DefaultJanitorInterval)

	var jwtSecret []byte
	if cfg.JWTSecret != "" {
		jwtSecret = []byte(cfg.JWTSecret)
	}
	srv := api.New(api.Config{
		Store:     st,
		Kernel:    k,
		Auth:      auth.New(cfg.StaticTokens, jwtSecret),
		IDs:       ids,
		Logger:    logger,
		Metrics:   reg,
		RateLimit: rate.Limit(*rateLimit),
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("backend", *backend),
			slog.String("queue", *queueKind),
			slog.String("version", version))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", log.Error(err))
			return exitError
		}
		return exitOK
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", log.Error(err))
		return exitError
	}
	return exitSignal
}

func openStore(ctx context.Context, backend string, cfg *config.Daemon) (store.Store, func(), error) {
	switch backend {
	case "memory":
		return storemem.New(), func() {}, nil
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, &fderrors.ConfigError{Key: "backend", Reason: "must be postgres or memory"}
	}
}

func openQueue(ctx context.Context, kind string, cfg *config.Daemon) (queue.Queue, func(), error) {
	switch kind {
	case "memory":
		q := queuemem.New()
		return q, func() { _ = q.Close() }, nil
	case "redis":
		q, err := redisq.Open(ctx, cfg.RedisURL, redisq.Options{})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	default:
		return nil, nil, &fderrors.ConfigError{Key: "queue", Reason: "must be redis or memory"}
	}
}
