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

// Package kernel drives workflow runs through their state machine: it
// releases steps as dependencies clear, evaluates conditions, orchestrates
// loops and parallels, enforces budgets, schedules retries, and settles
// runs. One kernel serves many runs concurrently; within one run every
// mutation happens under the store's advisory run lease, which is the only
// serialisation primitive.
package kernel

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/jq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/metrics"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// DefaultQueueGroup is the consumer group workers subscribe to.
const DefaultQueueGroup = "workers"

// Config assembles a Kernel. Store, Queue, IDs, and Logger are required.
type Config struct {
	Store  store.Store
	Queue  queue.Queue
	IDs    *ident.Generator
	Logger *slog.Logger

	// Policy answers check-tool requests; nil disables the oracle (every
	// tool is denied by default).
	Policy *policy.Engine

	// JQ applies step output transforms; nil disables transforms.
	JQ *jq.Executor

	// Metrics is optional.
	Metrics *metrics.Registry

	// StepTimeout is the daemon-wide default step timeout; the janitor
	// claims queue messages pending longer than twice this.
	StepTimeout time.Duration

	// QueueGroup is the worker consumer group (DefaultQueueGroup if empty).
	QueueGroup string
}

// Kernel is the run scheduler.
type Kernel struct {
	store       store.Store
	queue       queue.Queue
	ids         *ident.Generator
	logger      *slog.Logger
	policy      *policy.Engine
	jq          *jq.Executor
	metrics     *metrics.Registry
	stepTimeout time.Duration
	group       string

	mu     sync.Mutex
	runs   map[string]*runState
	rng    *rand.Rand
	closed bool

	wg sync.WaitGroup
}

// runState is the kernel's in-memory view of one active run: the compiled
// plan plus composite (loop/parallel) progress. The run lease guards it;
// the state is rebuilt from the store when the run is first seen.
type runState struct {
	def  *workflow.Definition
	plan *workflow.Plan

	// routes maps synthetic inner step-def ids to their composite driver.
	routes map[string]*composite
	// composites maps the parent step-def id to its driver.
	composites map[string]*composite
	// retryPending marks step-def ids with a scheduled retry timer, so
	// the release pass does not re-release them meanwhile.
	retryPending map[string]bool
	timers       map[*time.Timer]struct{}
}

// New returns a Kernel.
func New(cfg Config) *Kernel {
	group := cfg.QueueGroup
	if group == "" {
		group = DefaultQueueGroup
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = workflow.DefaultStepTimeout
	}
	return &Kernel{
		store:       cfg.Store,
		queue:       cfg.Queue,
		ids:         cfg.IDs,
		logger:      log.WithComponent(cfg.Logger, "kernel"),
		policy:      cfg.Policy,
		jq:          cfg.JQ,
		metrics:     cfg.Metrics,
		stepTimeout: stepTimeout,
		group:       group,
		runs:        make(map[string]*runState),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Close stops retry timers and waits for in-flight timer callbacks.
func (k *Kernel) Close() {
	k.mu.Lock()
	k.closed = true
	for _, st := range k.runs {
		for t := range st.timers {
			if t.Stop() {
				k.wg.Done()
			}
		}
	}
	k.runs = make(map[string]*runState)
	k.mu.Unlock()
	k.wg.Wait()
}

// state returns the cached run state, rebuilding it from the store when
// the kernel has not seen the run yet (fresh leader). Callers hold the
// run lease.
func (k *Kernel) state(ctx context.Context, run *store.Run) (*runState, error) {
	k.mu.Lock()
	st, ok := k.runs[run.ID]
	k.mu.Unlock()
	if ok {
		return st, nil
	}

	wf, err := k.store.GetWorkflow(ctx, run.TenantID, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	plan, err := workflow.Compile(wf.Definition)
	if err != nil {
		return nil, &errors.FatalError{Op: "kernel state", Message: "stored workflow no longer compiles", Cause: err}
	}
	st = &runState{
		def:          wf.Definition,
		plan:         plan,
		routes:       make(map[string]*composite),
		composites:   make(map[string]*composite),
		retryPending: make(map[string]bool),
		timers:       make(map[*time.Timer]struct{}),
	}
	k.mu.Lock()
	if existing, ok := k.runs[run.ID]; ok {
		k.mu.Unlock()
		return existing, nil
	}
	if !k.closed {
		k.runs[run.ID] = st
	}
	k.mu.Unlock()

	// A fresh leader may be adopting a run with in-flight loops or
	// parallels; rebuild their drivers from the execution rows.
	if err := k.restoreComposites(ctx, st, run); err != nil {
		return nil, err
	}
	return st, nil
}

// forget drops a run's state once it is terminal.
func (k *Kernel) forget(runID string) {
	k.mu.Lock()
	if st, ok := k.runs[runID]; ok {
		for t := range st.timers {
			if t.Stop() {
				k.wg.Done()
			}
		}
		delete(k.runs, runID)
	}
	k.mu.Unlock()
}

// StartRun creates a run for the workflow, prechecks the budget against
// the first layer, enqueues the initial steps, and transitions the run to
// Queued. A budget that cannot admit even the first layer rejects the
// request with BudgetExceededError before any row is written.
func (k *Kernel) StartRun(ctx context.Context, wf *store.Workflow, agentID string, input map[string]any, limits budget.Limits) (*store.Run, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	plan, err := workflow.Compile(wf.Definition)
	if err != nil {
		return nil, err
	}

	// Pre-flight: the first layer must fit the budget with zero usage.
	if len(plan.Layers) > 0 {
		var estimate budget.Usage
		for i := range plan.Layers[0] {
			estimate.Add(stepEstimate(&plan.Layers[0][i]))
		}
		if err := budget.Precheck(limits, budget.Usage{}, estimate); err != nil {
			return nil, err
		}
	}

	now := k.ids.Now()
	run := &store.Run{
		ID:              k.ids.NewID(ident.PrefixRun),
		TenantID:        wf.TenantID,
		AgentID:         agentID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Input:           input,
		Budget:          limits,
		CreatedAt:       now,
		Status:          store.RunCreated,
	}
	if err := k.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := k.store.AppendAudit(ctx, audit.Event{
		ID:        k.ids.NewID(ident.PrefixEvent),
		RunID:     run.ID,
		Action:    audit.RunCreated,
		Actor:     audit.ActorAPI,
		Timestamp: now,
		Details:   map[string]any{"workflow_id": wf.ID, "workflow_version": wf.Version},
	}); err != nil {
		return nil, err
	}
	if k.metrics != nil {
		k.metrics.RunsStarted.Inc()
	}

	err = k.store.WithRunLease(ctx, run.ID, func(ctx context.Context) error {
		st, err := k.state(ctx, run)
		if err != nil {
			return err
		}
		if err := k.release(ctx, st, run.ID); err != nil {
			return err
		}
		return k.store.UpdateRunStatus(ctx, run.ID, store.RunCreated, store.RunQueued, nil)
	})
	if err != nil {
		// The release pass may have already settled the run (budget kill
		// or an all-skipped workflow completing instantly); the CAS
		// conflict is benign then.
		if !errors.IsConflict(err) {
			return nil, err
		}
	}
	return k.store.GetRun(ctx, run.ID)
}

// Cancel flags the run for cancellation. Pending and waiting steps are
// cancelled immediately; if no step is with a worker, the run transitions
// straight to Cancelled, otherwise the next result observes the flag.
func (k *Kernel) Cancel(ctx context.Context, runID string) error {
	if err := k.store.RequestCancel(ctx, runID); err != nil {
		return err
	}
	return k.store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		run, err := k.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		steps, err := k.store.ListStepsByRun(ctx, runID)
		if err != nil {
			return err
		}
		anyRunning := false
		for _, s := range steps {
			switch s.Status {
			case store.StepRunning:
				anyRunning = true
			case store.StepPending, store.StepWaitingApproval:
				if err := k.cancelStep(ctx, s); err != nil {
					return err
				}
			}
		}
		if anyRunning {
			// The worker call is in flight; the flag is observed when the
			// result arrives or the step timeout fires.
			return nil
		}
		return k.finishRun(ctx, runID, run.Status, store.RunCancelled, "", nil)
	})
}

// CheckTool answers the policy oracle for a run: it loads the tenant's
// policy (absent policy means deny-by-default), consults the engine, and
// returns the audited decision.
func (k *Kernel) CheckTool(ctx context.Context, runID, stepID, toolName string, args map[string]any) (policy.Result, error) {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return policy.Result{}, err
	}
	pol, err := k.store.GetPolicy(ctx, run.TenantID)
	if err != nil && !errors.IsNotFound(err) {
		return policy.Result{}, err
	}
	if k.policy == nil {
		return policy.Result{}, &errors.FatalError{Op: "check tool", Message: "no policy engine configured"}
	}
	res, err := k.policy.Decide(ctx, run.TenantID, runID, stepID, toolName, args, pol)
	if err != nil {
		return policy.Result{}, err
	}
	if k.metrics != nil {
		k.metrics.PolicyDecisions.WithLabelValues(string(res.Verdict)).Inc()
	}
	return res, nil
}

// cancelStep settles a single non-terminal execution as Cancelled.
func (k *Kernel) cancelStep(ctx context.Context, s *store.StepExecution) error {
	now := k.ids.Now()
	err := k.store.UpdateStepResult(ctx, s.ID, s.Attempt, store.StepOutcome{
		Status:      store.StepCancelled,
		Usage:       s.Usage,
		CompletedAt: &now,
	})
	if errors.IsConflict(err) {
		return nil
	}
	return err
}

// finishRun transitions a run to a terminal status, cancels outstanding
// non-terminal executions, records the run.completed audit event, and
// drops the kernel state.
func (k *Kernel) finishRun(ctx context.Context, runID string, from, to store.RunStatus, errMsg string, output map[string]any) error {
	steps, err := k.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if !s.Status.Terminal() {
			if err := k.cancelStep(ctx, s); err != nil {
				return err
			}
		}
	}

	now := k.ids.Now()
	mut := &store.RunMutation{Error: errMsg, CompletedAt: &now, Output: output}
	if err := k.store.UpdateRunStatus(ctx, runID, from, to, mut); err != nil {
		return err
	}

	details := map[string]any{"status": string(to)}
	if errMsg != "" {
		details["error"] = errMsg
	}
	if err := k.store.AppendAudit(ctx, audit.Event{
		ID:        k.ids.NewID(ident.PrefixEvent),
		RunID:     runID,
		Action:    audit.RunCompleted,
		Actor:     audit.ActorKernel,
		Timestamp: now,
		Details:   details,
	}); err != nil {
		return err
	}
	if k.metrics != nil {
		k.metrics.RunsCompleted.WithLabelValues(string(to)).Inc()
		if to == store.RunBudgetKilled {
			k.metrics.BudgetKills.Inc()
		}
	}
	k.forget(runID)
	k.logger.Info("run finished",
		slog.String(log.RunIDKey, runID),
		slog.String("status", string(to)))
	return nil
}

// stepEstimate is the pre-flight budget estimate for releasing a step.
func stepEstimate(def *workflow.StepDef) budget.Usage {
	switch def.Kind {
	case workflow.StepKindLLM:
		return budget.LLMEstimate(maxTokensOf(def))
	case workflow.StepKindTool:
		return budget.ToolEstimate()
	default:
		return budget.Usage{}
	}
}

// maxTokensOf reads the llm step's max_tokens config. Zero means the
// step declared no ceiling: the precheck treats its cost as unknown and
// the budget is enforced against actual usage after each step result.
func maxTokensOf(def *workflow.StepDef) int64 {
	switch v := def.Config["max_tokens"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
