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

package kernel

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/jq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	queuemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/queue/memory"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	storemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/store/memory"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

type harness struct {
	t      *testing.T
	store  *storemem.Store
	queue  *queuemem.Queue
	ids    *ident.Generator
	kernel *Kernel
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storemem.New()
	q := queuemem.New()
	ids := ident.New()
	k := New(Config{
		Store:       st,
		Queue:       q,
		IDs:         ids,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		JQ:          jq.NewExecutor(0, 0),
		StepTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(k.Close)
	return &harness{t: t, store: st, queue: q, ids: ids, kernel: k}
}

func (h *harness) workflow(def *workflow.Definition) *store.Workflow {
	h.t.Helper()
	def.Version = "1"
	if def.OnError == "" {
		def.OnError = workflow.OnErrorFail
	}
	if def.MaxIterations == 0 {
		def.MaxIterations = workflow.DefaultMaxIterations
	}
	wf := &store.Workflow{
		ID:         h.ids.NewID(ident.PrefixWorkflow),
		TenantID:   "ten_01J000000000000000000000T1",
		Name:       def.Name,
		Version:    "1",
		Definition: def,
		CreatedAt:  h.ids.Now(),
	}
	if err := h.store.CreateWorkflow(context.Background(), wf); err != nil {
		h.t.Fatalf("CreateWorkflow() = %v", err)
	}
	return wf
}

func (h *harness) start(wf *store.Workflow, input map[string]any, limits budget.Limits) *store.Run {
	h.t.Helper()
	run, err := h.kernel.StartRun(context.Background(), wf, "", input, limits)
	if err != nil {
		h.t.Fatalf("StartRun() = %v", err)
	}
	return run
}

// next pulls one envelope off the worker group, acking it immediately
// (tests exercise kernel semantics, not delivery semantics).
func (h *harness) next(timeout time.Duration) *queue.Message {
	h.t.Helper()
	msg, err := h.queue.Subscribe(context.Background(), DefaultQueueGroup, "test-worker", timeout)
	if err != nil {
		h.t.Fatalf("Subscribe() = %v", err)
	}
	if msg != nil {
		if err := h.queue.Ack(context.Background(), DefaultQueueGroup, msg.ID); err != nil {
			h.t.Fatalf("Ack() = %v", err)
		}
	}
	return msg
}

func (h *harness) report(msg *queue.Message, res StepResult) error {
	h.t.Helper()
	return h.kernel.HandleStepResult(context.Background(), msg.Envelope.Payload.RunID, msg.Envelope.Payload.StepID, res)
}

func (h *harness) complete(msg *queue.Message, output any, usage budget.Usage) {
	h.t.Helper()
	if err := h.report(msg, StepResult{Status: store.StepCompleted, Output: output, Usage: usage}); err != nil {
		h.t.Fatalf("HandleStepResult(%s) = %v", msg.Envelope.Payload.StepID, err)
	}
}

func (h *harness) run(id string) *store.Run {
	h.t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetRun() = %v", err)
	}
	return run
}

func (h *harness) actions(runID string) []audit.Action {
	h.t.Helper()
	events, err := h.store.ListAuditByRun(context.Background(), runID)
	if err != nil {
		h.t.Fatalf("ListAuditByRun() = %v", err)
	}
	out := make([]audit.Action, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

func hasAction(actions []audit.Action, want audit.Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestLinearRunCompletes(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "linear",
		Steps: []workflow.StepDef{
			{ID: "a", Kind: workflow.StepKindLLM},
			{ID: "b", Kind: workflow.StepKindLLM, DependsOn: []string{"a"}},
			{ID: "c", Kind: workflow.StepKindLLM, DependsOn: []string{"b"}},
		},
	})
	run := h.start(wf, map[string]any{"topic": "go"}, budget.Limits{})
	if run.Status != store.RunQueued {
		t.Fatalf("status after start = %s, want queued", run.Status)
	}

	for _, want := range []string{"a", "b", "c"} {
		msg := h.next(time.Second)
		if msg == nil {
			t.Fatalf("no envelope for step %s", want)
		}
		if got := msg.Envelope.Payload.Input["step_def_id"]; got != want {
			t.Fatalf("released %v, want %s", got, want)
		}
		h.complete(msg, map[string]any{"text": "out-" + want}, budget.Usage{TotalTokens: 10})
	}

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("final status = %s, want completed (error %q)", final.Status, final.Error)
	}
	if final.Usage.TotalTokens != 30 {
		t.Errorf("usage total_tokens = %d, want 30", final.Usage.TotalTokens)
	}
	out, ok := final.Output["c"].(map[string]any)
	if !ok || out["text"] != "out-c" {
		t.Errorf("output[c] = %#v, want out-c", final.Output["c"])
	}
	acts := h.actions(run.ID)
	if acts[0] != audit.RunCreated || acts[len(acts)-1] != audit.RunCompleted {
		t.Errorf("audit trail ends = %v", acts)
	}
}

func TestParallelLayerFansOut(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "fan",
		Steps: []workflow.StepDef{
			{ID: "start", Kind: workflow.StepKindLLM},
			{ID: "left", Kind: workflow.StepKindLLM, DependsOn: []string{"start"}},
			{ID: "right", Kind: workflow.StepKindLLM, DependsOn: []string{"start"}},
			{ID: "join", Kind: workflow.StepKindLLM, DependsOn: []string{"left", "right"}},
		},
	})
	run := h.start(wf, nil, budget.Limits{})

	h.complete(h.next(time.Second), map[string]any{"ok": true}, budget.Usage{})

	// Both branches release together after start settles.
	first, second := h.next(time.Second), h.next(time.Second)
	if first == nil || second == nil {
		t.Fatal("expected two branch envelopes")
	}
	got := map[any]bool{
		first.Envelope.Payload.Input["step_def_id"]:  true,
		second.Envelope.Payload.Input["step_def_id"]: true,
	}
	if !got["left"] || !got["right"] {
		t.Fatalf("branches = %v, want left and right", got)
	}
	h.complete(first, map[string]any{}, budget.Usage{})

	// Join must not release until the second branch settles.
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("premature release of %v", msg.Envelope.Payload.Input["step_def_id"])
	}
	h.complete(second, map[string]any{}, budget.Usage{})

	join := h.next(time.Second)
	if join == nil || join.Envelope.Payload.Input["step_def_id"] != "join" {
		t.Fatalf("expected join envelope, got %v", join)
	}
	h.complete(join, map[string]any{}, budget.Usage{})

	if got := h.run(run.ID).Status; got != store.RunCompleted {
		t.Fatalf("final status = %s, want completed", got)
	}
}

func TestConditionFalseSkipsStep(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "conditional",
		Steps: []workflow.StepDef{
			{ID: "gate", Kind: workflow.StepKindLLM},
			{
				ID: "optional", Kind: workflow.StepKindLLM,
				DependsOn: []string{"gate"},
				Condition: "$.gate.score >= 10",
			},
			{ID: "final", Kind: workflow.StepKindLLM, DependsOn: []string{"optional"}},
		},
	})
	run := h.start(wf, nil, budget.Limits{})

	h.complete(h.next(time.Second), map[string]any{"score": 3}, budget.Usage{})

	// optional skips, final releases on the skipped dependency.
	msg := h.next(time.Second)
	if msg == nil || msg.Envelope.Payload.Input["step_def_id"] != "final" {
		t.Fatalf("expected final, got %v", msg)
	}
	h.complete(msg, map[string]any{}, budget.Usage{})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if _, present := final.Output["optional"]; present {
		t.Error("skipped step must not contribute output")
	}
	if !hasAction(h.actions(run.ID), audit.StepSkipped) {
		t.Error("missing step.skipped audit event")
	}
}

func TestConditionStepSettlesInline(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "inline-condition",
		Steps: []workflow.StepDef{
			{ID: "probe", Kind: workflow.StepKindLLM},
			{
				ID: "check", Kind: workflow.StepKindCondition,
				DependsOn: []string{"probe"},
				Config:    map[string]any{"expression": "$.probe.healthy == true"},
			},
		},
	})
	run := h.start(wf, nil, budget.Limits{})
	h.complete(h.next(time.Second), map[string]any{"healthy": true}, budget.Usage{})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	out, ok := final.Output["check"].(map[string]any)
	if !ok || out["result"] != true {
		t.Errorf("check output = %#v, want result true", final.Output["check"])
	}
	// Condition steps never touch the queue.
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("condition step was queued: %v", msg.Envelope.Payload)
	}
}

func TestCancelPendingRun(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name:  "cancellable",
		Steps: []workflow.StepDef{{ID: "slow", Kind: workflow.StepKindLLM}},
	})
	run := h.start(wf, nil, budget.Limits{})

	if err := h.kernel.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	final := h.run(run.ID)
	if final.Status != store.RunCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}

	steps, _ := h.store.ListStepsByRun(context.Background(), run.ID)
	if len(steps) != 1 || steps[0].Status != store.StepCancelled {
		t.Fatalf("steps = %+v, want one cancelled execution", steps)
	}
	// Terminal stickiness: the settled run rejects further transitions.
	err := h.store.UpdateRunStatus(context.Background(), run.ID, store.RunCancelled, store.RunRunning, nil)
	if !errors.IsConflict(err) {
		t.Errorf("post-terminal transition = %v, want conflict", err)
	}
}

func TestBudgetKillsRunMidFlight(t *testing.T) {
	h := newHarness(t)
	limit := int64(100)
	wf := h.workflow(&workflow.Definition{
		Name: "budgeted",
		Steps: []workflow.StepDef{
			{ID: "first", Kind: workflow.StepKindLLM, Config: map[string]any{"max_tokens": 80}},
			{ID: "second", Kind: workflow.StepKindLLM, Config: map[string]any{"max_tokens": 40}, DependsOn: []string{"first"}},
		},
	})
	run := h.start(wf, nil, budget.Limits{MaxTotalTokens: &limit})

	h.complete(h.next(time.Second), map[string]any{}, budget.Usage{TotalTokens: 80})

	// Releasing second would project 80 + 40 > 100: the run dies before the
	// step is ever queued.
	final := h.run(run.ID)
	if final.Status != store.RunBudgetKilled {
		t.Fatalf("status = %s, want budget_killed", final.Status)
	}
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("second step was queued despite the breach: %v", msg.Envelope.Payload)
	}
	if !hasAction(h.actions(run.ID), audit.BudgetExceeded) {
		t.Error("missing budget.exceeded audit event")
	}
}

func TestStartRunRejectsUnaffordableFirstLayer(t *testing.T) {
	h := newHarness(t)
	limit := int64(50)
	wf := h.workflow(&workflow.Definition{
		Name:  "too-big",
		Steps: []workflow.StepDef{{ID: "big", Kind: workflow.StepKindLLM, Config: map[string]any{"max_tokens": 4096}}},
	})
	_, err := h.kernel.StartRun(context.Background(), wf, "", nil, budget.Limits{MaxTotalTokens: &limit})
	if !errors.IsBudgetExceeded(err) {
		t.Fatalf("StartRun() = %v, want budget exceeded", err)
	}
}

func TestStartRunAllowsUnsizedStepsUnderBudget(t *testing.T) {
	h := newHarness(t)
	limit := int64(100)
	wf := h.workflow(&workflow.Definition{
		Name:  "unsized",
		Steps: []workflow.StepDef{{ID: "open-ended", Kind: workflow.StepKindLLM}},
	})
	// No max_tokens means the cost is unknown, not 4096: the run must
	// start and the limit bites on actual usage instead.
	run, err := h.kernel.StartRun(context.Background(), wf, "", nil, budget.Limits{MaxTotalTokens: &limit})
	if err != nil {
		t.Fatalf("StartRun() = %v", err)
	}

	msg := h.next(time.Second)
	if msg == nil {
		t.Fatal("unsized step was never queued")
	}
	h.complete(msg, map[string]any{}, budget.Usage{TotalTokens: 120})

	final := h.run(run.ID)
	if final.Status != store.RunBudgetKilled {
		t.Fatalf("status = %s, want budget_killed", final.Status)
	}
	if !hasAction(h.actions(run.ID), audit.BudgetExceeded) {
		t.Error("missing budget.exceeded audit event")
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "flaky",
		Steps: []workflow.StepDef{{
			ID: "flaky", Kind: workflow.StepKindTool,
			Retry: &workflow.RetryPolicy{MaxAttempts: 3, InitialDelayMS: 1, BackoffMultiplier: 2},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	for attempt := 1; attempt <= 3; attempt++ {
		msg := h.next(2 * time.Second)
		if msg == nil {
			t.Fatalf("no envelope for attempt %d", attempt)
		}
		if got := msg.Envelope.Payload.Input["attempt"]; got != attempt && got != float64(attempt) {
			t.Fatalf("attempt = %v, want %d", got, attempt)
		}
		if attempt < 3 {
			if err := h.report(msg, StepResult{
				Status: store.StepFailed, Error: "connection reset", ErrorCode: errors.CodeTransient,
			}); err != nil {
				t.Fatalf("report attempt %d: %v", attempt, err)
			}
			continue
		}
		h.complete(msg, map[string]any{"ok": true}, budget.Usage{ToolCalls: 1})
	}

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	steps, _ := h.store.ListStepsByRun(context.Background(), run.ID)
	if len(steps) != 3 {
		t.Fatalf("executions = %d, want 3", len(steps))
	}
	for i, s := range steps {
		if s.Attempt != i+1 {
			t.Errorf("execution %d attempt = %d", i, s.Attempt)
		}
		// The failed attempts stay failed; only the last one completes,
		// and it alone decides the run outcome.
		want := store.StepFailed
		if s.Attempt == 3 {
			want = store.StepCompleted
		}
		if s.Status != want {
			t.Errorf("attempt %d status = %s, want %s", s.Attempt, s.Status, want)
		}
	}
}

func TestNonRetryableFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "strict",
		Steps: []workflow.StepDef{{
			ID: "denied", Kind: workflow.StepKindTool,
			Retry: &workflow.RetryPolicy{MaxAttempts: 3, InitialDelayMS: 1},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	msg := h.next(time.Second)
	if err := h.report(msg, StepResult{
		Status: store.StepFailed, Error: "tool denied", ErrorCode: errors.CodePolicyDenied,
	}); err != nil {
		t.Fatalf("report = %v", err)
	}

	final := h.run(run.ID)
	if final.Status != store.RunPolicyBlocked {
		t.Fatalf("status = %s, want policy_blocked", final.Status)
	}
	// No retry despite the policy having attempts left.
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("policy-denied step was retried: %v", msg.Envelope.Payload)
	}
}

func TestLateResultRejectedAfterSettle(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name:  "single",
		Steps: []workflow.StepDef{{ID: "only", Kind: workflow.StepKindLLM}},
	})
	run := h.start(wf, nil, budget.Limits{})

	msg := h.next(time.Second)
	h.complete(msg, map[string]any{"n": 1}, budget.Usage{})

	err := h.report(msg, StepResult{Status: store.StepCompleted, Output: map[string]any{"n": 2}})
	if !errors.IsConflict(err) {
		t.Fatalf("duplicate result = %v, want conflict", err)
	}
	if got := h.run(run.ID).Output["only"].(map[string]any)["n"]; got != 1 {
		t.Errorf("output overwritten by late result: %v", got)
	}
}

func TestTransformAppliedToOutput(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "shaped",
		Steps: []workflow.StepDef{{
			ID: "extract", Kind: workflow.StepKindLLM,
			Transform: "{summary: .text}",
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	h.complete(h.next(time.Second), map[string]any{"text": "hello", "noise": 42}, budget.Usage{})

	out, ok := h.run(run.ID).Output["extract"].(map[string]any)
	if !ok || out["summary"] != "hello" {
		t.Fatalf("transformed output = %#v", out)
	}
	if _, leaked := out["noise"]; leaked {
		t.Error("transform did not drop unselected fields")
	}
}

func TestApprovalGateSuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "gated",
		Steps: []workflow.StepDef{
			{ID: "gate", Kind: workflow.StepKindApproval, Name: "ship it"},
			{ID: "after", Kind: workflow.StepKindLLM, DependsOn: []string{"gate"}},
		},
	})
	run := h.start(wf, nil, budget.Limits{})

	if got := h.run(run.ID).Status; got != store.RunWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval", got)
	}
	steps, _ := h.store.ListStepsByRun(context.Background(), run.ID)
	if len(steps) != 1 || steps[0].Status != store.StepWaitingApproval {
		t.Fatalf("gate execution = %+v", steps)
	}

	if err := h.kernel.Grant(context.Background(), run.ID, steps[0].ID, "alice@example.com"); err != nil {
		t.Fatalf("Grant() = %v", err)
	}
	msg := h.next(time.Second)
	if msg == nil || msg.Envelope.Payload.Input["step_def_id"] != "after" {
		t.Fatalf("expected after to release post-grant, got %v", msg)
	}
	h.complete(msg, map[string]any{}, budget.Usage{})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	gate, _ := final.Output["gate"].(map[string]any)
	if gate["approved"] != true {
		t.Errorf("gate output = %#v, want approved true", final.Output["gate"])
	}
	acts := h.actions(run.ID)
	if !hasAction(acts, audit.PolicyApprovalRequired) || !hasAction(acts, audit.ApprovalGranted) {
		t.Errorf("audit trail = %v, missing approval events", acts)
	}
}

func TestApprovalRejectionFailsRun(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name:  "gated",
		Steps: []workflow.StepDef{{ID: "gate", Kind: workflow.StepKindApproval}},
	})
	run := h.start(wf, nil, budget.Limits{})

	steps, _ := h.store.ListStepsByRun(context.Background(), run.ID)
	if err := h.kernel.Reject(context.Background(), run.ID, steps[0].ID, "bob@example.com", "not today"); err != nil {
		t.Fatalf("Reject() = %v", err)
	}

	final := h.run(run.ID)
	if final.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !hasAction(h.actions(run.ID), audit.ApprovalRejected) {
		t.Error("missing approval.rejected audit event")
	}
}

func TestOnErrorContinueCompletesWithFailedStep(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name:    "tolerant",
		OnError: workflow.OnErrorContinue,
		Steps: []workflow.StepDef{
			{ID: "a", Kind: workflow.StepKindLLM},
			{ID: "b", Kind: workflow.StepKindLLM},
		},
	})
	run := h.start(wf, nil, budget.Limits{})

	first, second := h.next(time.Second), h.next(time.Second)
	if err := h.report(first, StepResult{Status: store.StepFailed, Error: "boom", ErrorCode: errors.CodeFatal}); err != nil {
		t.Fatalf("report = %v", err)
	}
	if got := h.run(run.ID).Status; got.Terminal() {
		t.Fatalf("run terminated early under on_error=continue: %s", got)
	}
	h.complete(second, map[string]any{}, budget.Usage{})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if _, present := final.Output["a"]; present {
		t.Error("failed step must not contribute output")
	}
}
