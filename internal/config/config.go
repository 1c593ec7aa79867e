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

// Package config loads process configuration: environment variables for
// the daemon and the worker, a YAML file for the CLI.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/auth"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Defaults for single-node development.
const (
	DefaultListenAddr      = ":8080"
	DefaultDatabaseURL     = "postgres://localhost:5432/ferrumdeck?sslmode=disable"
	DefaultRedisURL        = "redis://localhost:6379/0"
	DefaultControlPlaneURL = "http://localhost:8080"
	DefaultWorkerRetries   = 3
	DefaultWorkerRetryMS   = 1000
	DefaultConcurrency     = 4
	DefaultStepTimeout     = 30 * time.Second
	DefaultTestTimeout     = 300 * time.Second
)

// Daemon holds ferrumd configuration.
type Daemon struct {
	ListenAddr  string
	DatabaseURL string
	RedisURL    string

	// JWTSecret signs and verifies HS256 service tokens.
	JWTSecret string

	// StaticTokens come from FD_API_TOKENS as "token:tenant" pairs,
	// comma-separated.
	StaticTokens []auth.StaticToken

	// StepTimeout bounds worker execution per step; the janitor claims
	// queue messages pending longer than twice this.
	StepTimeout time.Duration
}

// LoadDaemon reads daemon configuration from the environment.
func LoadDaemon() (*Daemon, error) {
	d := &Daemon{
		ListenAddr:  envOr("FD_LISTEN_ADDR", DefaultListenAddr),
		DatabaseURL: envOr("DATABASE_URL", DefaultDatabaseURL),
		RedisURL:    envOr("REDIS_URL", DefaultRedisURL),
		JWTSecret:   os.Getenv("FD_JWT_SECRET"),
		StepTimeout: DefaultStepTimeout,
	}
	if v := os.Getenv("FD_STEP_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, &errors.ConfigError{Key: "FD_STEP_TIMEOUT_MS", Reason: "must be a positive integer"}
		}
		d.StepTimeout = time.Duration(ms) * time.Millisecond
	}
	tokens, err := parseStaticTokens(os.Getenv("FD_API_TOKENS"))
	if err != nil {
		return nil, err
	}
	d.StaticTokens = tokens
	if len(d.StaticTokens) == 0 && d.JWTSecret == "" {
		return nil, &errors.ConfigError{Key: "FD_API_TOKENS", Reason: "no credentials configured: set FD_API_TOKENS or FD_JWT_SECRET"}
	}
	return d, nil
}

// Worker holds ferrum-worker configuration.
type Worker struct {
	ControlPlaneURL string
	RedisURL        string

	// APIToken authenticates result callbacks to the control plane.
	// Resolution falls back to the secrets chain when unset.
	APIToken string

	MaxRetries  int
	RetryDelay  time.Duration
	Concurrency int
	StepTimeout time.Duration

	// WorkspaceDir roots the artifact sink and replay index.
	WorkspaceDir string

	// MCPConfigPath points at the MCP server config watched for
	// hot-reload; empty disables MCP tools.
	MCPConfigPath string

	// Replay short-circuits steps through the replay cache.
	Replay bool
}

// LoadWorker reads worker configuration from the environment.
func LoadWorker() (*Worker, error) {
	w := &Worker{
		ControlPlaneURL: envOr("CONTROL_PLANE_URL", DefaultControlPlaneURL),
		RedisURL:        envOr("REDIS_URL", DefaultRedisURL),
		APIToken:        os.Getenv("FD_API_TOKEN"),
		MaxRetries:      DefaultWorkerRetries,
		RetryDelay:      DefaultWorkerRetryMS * time.Millisecond,
		Concurrency:     DefaultConcurrency,
		StepTimeout:     DefaultStepTimeout,
		WorkspaceDir:    envOr("FD_WORKSPACE_DIR", defaultWorkspaceDir()),
		MCPConfigPath:   os.Getenv("FD_MCP_CONFIG"),
		Replay:          os.Getenv("FD_REPLAY") == "1",
	}
	var err error
	if w.MaxRetries, err = envInt("WORKER_MAX_RETRIES", DefaultWorkerRetries); err != nil {
		return nil, err
	}
	delayMS, err := envInt("WORKER_RETRY_DELAY_MS", DefaultWorkerRetryMS)
	if err != nil {
		return nil, err
	}
	w.RetryDelay = time.Duration(delayMS) * time.Millisecond
	if w.Concurrency, err = envInt("WORKER_CONCURRENCY", DefaultConcurrency); err != nil {
		return nil, err
	}
	if w.Concurrency < 1 {
		return nil, &errors.ConfigError{Key: "WORKER_CONCURRENCY", Reason: "must be at least 1"}
	}
	return w, nil
}

// TestTimeout returns the harness deadline from FD_TEST_TIMEOUT seconds.
func TestTimeout() time.Duration {
	if v := os.Getenv("FD_TEST_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultTestTimeout
}

func parseStaticTokens(raw string) ([]auth.StaticToken, error) {
	if raw == "" {
		return nil, nil
	}
	var tokens []auth.StaticToken
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, tenant, ok := strings.Cut(pair, ":")
		if !ok || token == "" || tenant == "" {
			return nil, &errors.ConfigError{Key: "FD_API_TOKENS", Reason: "expected comma-separated token:tenant pairs"}
		}
		tokens = append(tokens, auth.StaticToken{Token: token, TenantID: tenant})
	}
	return tokens, nil
}

func defaultWorkspaceDir() string {
	if cache, err := os.UserCacheDir(); err == nil {
		return cache + "/ferrumdeck"
	}
	return os.TempDir() + "/ferrumdeck"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: "must be an integer", Cause: err}
	}
	return n, nil
}
