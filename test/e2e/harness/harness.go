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

// Package harness wires a complete in-process deployment for end-to-end
// tests: memory store and queue, kernel, HTTP API, sdk client, and an
// optional worker fed by a scripted LLM provider.
package harness

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/api"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/auth"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/jq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/kernel"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	queuemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/queue/memory"
	storemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/store/memory"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/worker"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/tools"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

const (
	// Tenant is the single tenant every harness run executes under.
	Tenant = "ten_e2e"
	token  = "e2e-token"
)

// Option configures the harness.
type Option func(*options)

type options struct {
	provider      llm.Provider
	tools         []tools.Tool
	worker        bool
	workerRetries int
	stepTimeout   time.Duration
}

// WithProvider scripts the LLM provider the worker dispatches to.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithTools registers tools with the worker's registry.
func WithTools(ts ...tools.Tool) Option {
	return func(o *options) { o.tools = ts }
}

// WithWorker starts a background worker consuming the step queue.
func WithWorker() Option {
	return func(o *options) { o.worker = true }
}

// WithWorkerRetries sets the worker-local transient retry budget.
// Zero (the default here) propagates transient failures to the kernel's
// step-level retry instead of absorbing them in-process.
func WithWorkerRetries(n int) Option {
	return func(o *options) { o.workerRetries = n }
}

// Harness is one in-process deployment.
type Harness struct {
	t      *testing.T
	Store  *storemem.Store
	Queue  *queuemem.Queue
	IDs    *ident.Generator
	Kernel *kernel.Kernel
	Client *sdk.Client
}

// New builds the deployment and tears it down with the test.
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()
	o := &options{stepTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	st := storemem.New()
	q := queuemem.New()
	ids := ident.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := policy.NewEngine(st, ids, logger)
	k := kernel.New(kernel.Config{
		Store:       st,
		Queue:       q,
		IDs:         ids,
		Logger:      logger,
		Policy:      engine,
		JQ:          jq.NewExecutor(0, 0),
		StepTimeout: o.stepTimeout,
	})
	t.Cleanup(k.Close)
	t.Cleanup(func() { q.Close() })

	srv := httptest.NewServer(api.New(api.Config{
		Store:  st,
		Kernel: k,
		Auth:   auth.New([]auth.StaticToken{{Token: token, TenantID: Tenant}}, nil),
		IDs:    ids,
		Logger: logger,
	}).Handler())
	t.Cleanup(srv.Close)

	client, err := sdk.New(srv.URL, sdk.WithToken(token))
	if err != nil {
		t.Fatalf("sdk.New() = %v", err)
	}

	h := &Harness{t: t, Store: st, Queue: q, IDs: ids, Kernel: k, Client: client}

	if o.worker {
		registry := tools.NewRegistry()
		for _, tool := range o.tools {
			if err := registry.Register(tool); err != nil {
				t.Fatalf("Register(%s) = %v", tool.Name(), err)
			}
		}
		providers := map[string]llm.Provider{}
		if o.provider != nil {
			providers["mock"] = o.provider
		}
		w := worker.New(worker.Config{
			Queue:           q,
			Plane:           &plane{client: client},
			Logger:          logger,
			Providers:       providers,
			DefaultProvider: "mock",
			Tools:           registry,
			Concurrency:     1,
			Consumer:        "e2e-worker",
			StepTimeout:     o.stepTimeout,
			MaxRetries:      o.workerRetries,
		})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = w.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return h
}

// ctx returns a bounded context for one harness call.
func (h *Harness) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// RegisterWorkflow registers def through the API, failing the test on
// rejection.
func (h *Harness) RegisterWorkflow(def *workflow.Definition) *sdk.Workflow {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	wf, err := h.Client.CreateWorkflow(ctx, &sdk.CreateWorkflowRequest{Definition: def})
	if err != nil {
		h.t.Fatalf("CreateWorkflow() = %v", err)
	}
	return wf
}

// StartRun starts one run.
func (h *Harness) StartRun(workflowID string, input map[string]any, budget *sdk.Limits) *sdk.Run {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	run, err := h.Client.StartRun(ctx, &sdk.StartRunRequest{
		WorkflowID: workflowID,
		Input:      input,
		Budget:     budget,
	})
	if err != nil {
		h.t.Fatalf("StartRun() = %v", err)
	}
	return run
}

// SetPolicy installs the tenant's tool policy.
func (h *Harness) SetPolicy(allowed, approval, denied []string) {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	_, err := h.Client.SetPolicy(ctx, &sdk.Policy{
		Allowed:          allowed,
		ApprovalRequired: approval,
		Denied:           denied,
	})
	if err != nil {
		h.t.Fatalf("SetPolicy() = %v", err)
	}
}

// WaitRun polls until the run reaches a terminal status (or
// waiting_approval) and returns it.
func (h *Harness) WaitRun(runID string, timeout time.Duration) *sdk.Run {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ctx, cancel := h.ctx()
		run, err := h.Client.GetRun(ctx, runID)
		cancel()
		if err != nil {
			h.t.Fatalf("GetRun(%s) = %v", runID, err)
		}
		switch run.Status {
		case sdk.RunCompleted, sdk.RunFailed, sdk.RunBudgetKilled,
			sdk.RunPolicyBlocked, sdk.RunCancelled, sdk.RunWaitingApproval:
			return run
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("run %s still %s after %s", runID, run.Status, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Steps lists the run's executions.
func (h *Harness) Steps(runID string) []*sdk.StepExecution {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	steps, err := h.Client.ListSteps(ctx, runID)
	if err != nil {
		h.t.Fatalf("ListSteps(%s) = %v", runID, err)
	}
	return steps
}

// Audit lists the run's audit trail.
func (h *Harness) Audit(runID string) []*sdk.AuditEvent {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	events, err := h.Client.ListAudit(ctx, runID)
	if err != nil {
		h.t.Fatalf("ListAudit(%s) = %v", runID, err)
	}
	return events
}

// HasAuditAction reports whether the trail carries action.
func (h *Harness) HasAuditAction(runID, action string) bool {
	h.t.Helper()
	for _, e := range h.Audit(runID) {
		if e.Action == action {
			return true
		}
	}
	return false
}

// NextEnvelope pulls and acks one envelope off the worker group. Returns
// nil when nothing arrives within timeout. Only meaningful without a
// background worker.
func (h *Harness) NextEnvelope(timeout time.Duration) *queue.Message {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	msg, err := h.Queue.Subscribe(ctx, kernel.DefaultQueueGroup, "e2e-manual", timeout)
	if err != nil {
		h.t.Fatalf("Subscribe() = %v", err)
	}
	if msg != nil {
		if err := h.Queue.Ack(ctx, kernel.DefaultQueueGroup, msg.ID); err != nil {
			h.t.Fatalf("Ack() = %v", err)
		}
	}
	return msg
}

// CompleteStep posts a completed result for the envelope through the API.
func (h *Harness) CompleteStep(msg *queue.Message, output any, usage sdk.Usage) {
	h.t.Helper()
	ctx, cancel := h.ctx()
	defer cancel()
	err := h.Client.ReportStepResult(ctx, msg.Envelope.Payload.RunID, msg.Envelope.Payload.StepID, &sdk.StepResult{
		Status: sdk.StepCompleted,
		Output: output,
		Usage:  usage,
	})
	if err != nil {
		h.t.Fatalf("ReportStepResult(%s) = %v", msg.Envelope.Payload.StepID, err)
	}
}
