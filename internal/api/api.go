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

// Package api is the HTTP boundary of the control plane: workflow and run
// CRUD, the worker result callback, the policy oracle, approvals, and
// health probes. Every request under /v1 carries a bearer credential that
// resolves to a tenant; all queries are scoped to it. Errors are
// normalised to {code, message, details} bodies.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/auth"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/kernel"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/metrics"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Config assembles a Server. Store, Kernel, Auth, IDs, and Logger are
// required.
type Config struct {
	Store  store.Store
	Kernel *kernel.Kernel
	Auth   *auth.Authenticator
	IDs    *ident.Generator
	Logger *slog.Logger

	// Metrics is optional; when set, /metrics serves the registry and
	// requests are counted.
	Metrics *metrics.Registry

	// RateLimit caps requests per second per tenant; zero disables
	// limiting. RateBurst defaults to the limit when zero.
	RateLimit rate.Limit
	RateBurst int
}

// Server routes and serves the control-plane API.
type Server struct {
	store   store.Store
	kernel  *kernel.Kernel
	auth    *auth.Authenticator
	ids     *ident.Generator
	logger  *slog.Logger
	metrics *metrics.Registry
	limits  *tenantLimiter
}

// New builds a Server.
func New(cfg Config) *Server {
	var limits *tenantLimiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limits = newTenantLimiter(cfg.RateLimit, burst)
	}
	return &Server{
		store:   cfg.Store,
		kernel:  cfg.Kernel,
		auth:    cfg.Auth,
		ids:     cfg.IDs,
		logger:  log.WithComponent(cfg.Logger, "api"),
		metrics: cfg.Metrics,
		limits:  limits,
	}
}

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/workflows", s.createWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.listWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.getWorkflow)

	mux.HandleFunc("POST /v1/workflow-runs", s.startRun)
	mux.HandleFunc("GET /v1/workflow-runs/{id}", s.getRun)
	mux.HandleFunc("GET /v1/workflow-runs/{id}/steps", s.listSteps)
	mux.HandleFunc("GET /v1/workflow-runs/{id}/audit", s.listAudit)
	mux.HandleFunc("POST /v1/workflow-runs/{id}/cancel", s.cancelRun)

	mux.HandleFunc("POST /v1/runs/{id}/check-tool", s.checkTool)
	mux.HandleFunc("POST /v1/runs/{id}/steps/{step_id}", s.stepResult)

	mux.HandleFunc("POST /v1/approvals/{id}/grant", s.grantApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.rejectApproval)

	mux.HandleFunc("PUT /v1/policy", s.setPolicy)
	mux.HandleFunc("GET /v1/policy", s.getPolicy)

	mux.HandleFunc("GET /health/live", s.healthLive)
	mux.HandleFunc("GET /health/ready", s.healthReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.wrap(mux)
}

// errorBody is the normalised error envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError renders err as its mapped status and body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Code: errors.Code(err), Message: err.Error()}

	var ve *errors.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body.Details = map[string]any{"field": ve.Field}
		if ve.Suggestion != "" {
			body.Details["suggestion"] = ve.Suggestion
		}
	}
	var be *errors.BudgetExceededError
	if errors.As(err, &be) {
		body.Details = map[string]any{
			"dimension": be.Dimension,
			"limit":     be.Limit,
			"actual":    be.Actual,
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			log.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decode reads the request body into v, mapping malformed JSON to a
// ValidationError.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &errors.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	return nil
}

// identity returns the authenticated caller; the auth middleware
// guarantees it is present on /v1 routes.
func identity(r *http.Request) *auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}
