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

// Package worker is the step executor: a pool of queue consumers that
// parse step envelopes, run LLM and tool steps, and report results back
// to the control plane. Delivery is at-least-once, so every handler is
// idempotent: the message is acked only after the result POST succeeds
// (or the control plane rejects it as already settled).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/artifact"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/metrics"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/tracing"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/security"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/tools"
)

// DefaultQueueGroup matches the kernel's dispatch group.
const DefaultQueueGroup = "workers"

// subscribeBlock bounds one Subscribe call so consumers notice shutdown.
const subscribeBlock = 2 * time.Second

// ToolDecision is the policy oracle's answer for one tool call.
type ToolDecision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
	DecisionID       string `json:"decision_id,omitempty"`
}

// Report is the result the worker posts for one execution attempt.
type Report struct {
	Status       store.StepStatus  `json:"status"`
	Output       any               `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Usage        budget.Usage      `json:"usage"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ArtifactHash string            `json:"artifact_hash,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// ControlPlane is the worker's view of the daemon: the policy oracle and
// the result callback. The HTTP client in sdk backs it in production; e2e
// tests back it with the kernel directly.
type ControlPlane interface {
	// CheckTool asks whether the run may call the tool.
	CheckTool(ctx context.Context, runID, stepID, tool string, args map[string]any) (*ToolDecision, error)

	// ReportStepResult posts one attempt's outcome. A ConflictError means
	// the attempt already settled (janitor timeout, duplicate delivery)
	// and the caller should ack without retrying.
	ReportStepResult(ctx context.Context, runID, stepID string, report *Report) error
}

// Config assembles a Worker. Queue, Plane, and Logger are required; a
// worker with no providers fails LLM steps and one with no registry fails
// tool steps.
type Config struct {
	Queue  queue.Queue
	Plane  ControlPlane
	Logger *slog.Logger

	// Providers maps provider names to LLM backends. DefaultProvider is
	// used when a step does not name one.
	Providers       map[string]llm.Provider
	DefaultProvider string

	// Pricing converts LLM usage into cost for budget accounting; nil
	// leaves cost unmetered.
	Pricing *llm.PricingTable

	// Tools resolves tool steps.
	Tools *tools.Registry

	// Input screens prompt text before it reaches a provider; nil skips
	// the screen.
	Input *security.InputSanitizer

	// Output bounds LLM-derived values before tool dispatch; nil uses the
	// default bounds.
	Output *security.OutputSanitizer

	// Artifacts stores step outputs content-addressed; nil disables the
	// sink.
	Artifacts *artifact.Sink

	// Replay short-circuits repeated attempts through the replay cache.
	Replay *artifact.ReplayCache

	// Metrics is optional.
	Metrics *metrics.Registry

	Concurrency int
	Group       string
	Consumer    string

	// StepTimeout bounds a step whose envelope carries no timeout_ms.
	StepTimeout time.Duration

	// MaxRetries and RetryDelay bound the worker-local retry of transient
	// LLM failures. Zero MaxRetries disables wrapping.
	MaxRetries int
	RetryDelay time.Duration
}

// Worker consumes step envelopes and executes them.
type Worker struct {
	queue     queue.Queue
	plane     ControlPlane
	logger    *slog.Logger
	providers map[string]llm.Provider
	defProv   string
	pricing   *llm.PricingTable
	tools     *tools.Registry
	input     *security.InputSanitizer
	output    *security.OutputSanitizer
	sink      *artifact.Sink
	replay    *artifact.ReplayCache
	metrics   *metrics.Registry

	concurrency int
	group       string
	consumer    string
	stepTimeout time.Duration
}

// New returns a Worker. Providers are wrapped with retry-on-transient
// when MaxRetries is positive.
func New(cfg Config) *Worker {
	group := cfg.Group
	if group == "" {
		group = DefaultQueueGroup
	}
	consumer := cfg.Consumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		consumer = host
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	out := cfg.Output
	if out == nil {
		out = security.NewOutputSanitizer(0, 0)
	}

	providers := make(map[string]llm.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if cfg.MaxRetries > 0 {
			retryCfg := llm.DefaultRetryConfig()
			retryCfg.MaxRetries = cfg.MaxRetries
			if cfg.RetryDelay > 0 {
				retryCfg.InitialDelay = cfg.RetryDelay
			}
			p = llm.WithRetry(p, retryCfg)
		}
		providers[name] = p
	}

	return &Worker{
		queue:       cfg.Queue,
		plane:       cfg.Plane,
		logger:      log.WithComponent(cfg.Logger, "worker"),
		providers:   providers,
		defProv:     cfg.DefaultProvider,
		pricing:     cfg.Pricing,
		tools:       cfg.Tools,
		input:       cfg.Input,
		output:      out,
		sink:        cfg.Artifacts,
		replay:      cfg.Replay,
		metrics:     cfg.Metrics,
		concurrency: concurrency,
		group:       group,
		consumer:    consumer,
		stepTimeout: stepTimeout,
	}
}

// Run consumes until ctx is cancelled. Each pool member subscribes under
// its own consumer name, so the broker's pending lists attribute
// deliveries correctly.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.consumer, i)
		g.Go(func() error {
			w.consume(ctx, consumer)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		msg, err := w.queue.Subscribe(ctx, w.group, consumer, subscribeBlock)
		if err != nil {
			if errors.IsValidation(err) {
				w.dropPoison(ctx, msg, err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("subscribe failed", log.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, consumer, msg)
	}
}

// dropPoison acks a malformed envelope so it stops cycling through the
// group. One log line, then gone.
func (w *Worker) dropPoison(ctx context.Context, msg *queue.Message, cause error) {
	if msg == nil || msg.ID == "" {
		w.logger.Error("poison envelope without broker id", log.Error(cause))
		return
	}
	w.logger.Error("poison envelope dropped",
		slog.String("message_id", msg.ID),
		log.Error(cause))
	if err := w.queue.Ack(ctx, w.group, msg.ID); err != nil {
		w.logger.Warn("ack poison failed", slog.String("message_id", msg.ID), log.Error(err))
	}
}

// handle executes one delivery end to end: run the step, post the result,
// ack. A failed POST leaves the message pending for redelivery; a
// conflict means the attempt already settled elsewhere, so the ack
// proceeds without a second write.
func (w *Worker) handle(ctx context.Context, consumer string, msg *queue.Message) {
	p := &msg.Envelope.Payload
	stepCtx := tracing.ExtractMap(ctx, p.Context.TraceContext)

	report := w.execute(stepCtx, p)
	report.TraceContext = tracing.InjectMap(stepCtx)

	if report.Status == store.StepCompleted {
		w.persistOutput(stepCtx, p, report)
	}

	err := w.plane.ReportStepResult(stepCtx, p.RunID, p.StepID, report)
	if err != nil && !errors.IsConflict(err) {
		w.logger.Error("result post failed, leaving message pending",
			slog.String(log.RunIDKey, p.RunID),
			slog.String(log.StepIDKey, p.StepID),
			log.Error(err))
		return
	}
	if errors.IsConflict(err) {
		w.logger.Info("attempt already settled, acking duplicate",
			slog.String(log.RunIDKey, p.RunID),
			slog.String(log.StepIDKey, p.StepID))
	}
	if err := w.queue.Ack(ctx, w.group, msg.ID); err != nil {
		w.logger.Warn("ack failed",
			slog.String("message_id", msg.ID),
			slog.String("consumer", consumer),
			log.Error(err))
	}
}

// execute dispatches the step by type under its timeout and returns the
// report to post.
func (w *Worker) execute(ctx context.Context, p *queue.Payload) *Report {
	started := time.Now()
	report := &Report{StartedAt: &started}

	if out, hit := w.lookupReplay(ctx, p); hit {
		completed := time.Now()
		report.Status = store.StepCompleted
		report.Output = out
		report.CompletedAt = &completed
		return report
	}

	timeout := w.stepTimeout
	if ms := intOf(p.Input["timeout_ms"]); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch p.StepType {
	case "llm":
		w.runLLM(ctx, p, report)
	case "tool":
		w.runTool(ctx, p, report)
	default:
		report.Status = store.StepFailed
		report.Error = "unsupported step type " + p.StepType
		report.ErrorCode = errors.CodeFatal
	}

	if report.Status == store.StepFailed && ctx.Err() == context.DeadlineExceeded {
		report.Error = fmt.Sprintf("step timed out after %v", timeout)
		report.ErrorCode = errors.CodeTimeout
	}

	completed := time.Now()
	if report.Status != store.StepWaitingApproval {
		report.CompletedAt = &completed
	}
	report.Usage.WallTimeMS = completed.Sub(started).Milliseconds()
	return report
}

// lookupReplay consults the replay cache for a recorded outcome of this
// exact attempt and input.
func (w *Worker) lookupReplay(ctx context.Context, p *queue.Payload) (any, bool) {
	if w.replay == nil || p.InputHash == "" {
		return nil, false
	}
	stepDefID, _ := p.Input["step_def_id"].(string)
	attempt := intOf(p.Input["attempt"])
	if stepDefID == "" || attempt == 0 {
		return nil, false
	}
	out, ok, err := w.replay.Lookup(ctx, stepDefID, int(attempt), p.InputHash)
	if err != nil {
		w.logger.Warn("replay lookup failed", log.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if w.metrics != nil {
		w.metrics.ReplayHits.Inc()
	}
	w.logger.Info("replay hit",
		slog.String(log.StepDefKey, stepDefID),
		slog.Int(log.AttemptKey, int(attempt)))
	return out, true
}

// persistOutput stores the output blob and records the replay entry.
// Storage failures degrade to an unreferenced output, never a failed
// step.
func (w *Worker) persistOutput(ctx context.Context, p *queue.Payload, report *Report) {
	if w.sink != nil {
		hash, err := w.sink.PutValue(report.Output)
		if err != nil {
			w.logger.Warn("artifact store failed", log.Error(err))
		} else {
			report.ArtifactHash = hash
		}
	}
	if w.replay == nil || p.InputHash == "" {
		return
	}
	stepDefID, _ := p.Input["step_def_id"].(string)
	attempt := intOf(p.Input["attempt"])
	if stepDefID == "" || attempt == 0 {
		return
	}
	if _, err := w.replay.Record(ctx, stepDefID, int(attempt), p.InputHash, report.Output); err != nil {
		w.logger.Warn("replay record failed", log.Error(err))
	}
}

// fail fills the report's failure fields from a classified error.
func fail(report *Report, err error) {
	report.Status = store.StepFailed
	report.Error = err.Error()
	report.ErrorCode = errors.Code(err)
	// A missing tool will stay missing; not_found must not count as
	// retryable transience.
	if report.ErrorCode == errors.CodeNotFound {
		report.ErrorCode = errors.CodeValidation
	}
}

// intOf reads an integer that may have crossed a JSON boundary.
func intOf(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}
