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
	"fmt"
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

func TestLoopRunsToMaxIterations(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "bounded-loop",
		Steps: []workflow.StepDef{{
			ID: "refine", Kind: workflow.StepKindLoop, MaxIterations: 3,
			Steps: []workflow.StepDef{{ID: "draft", Kind: workflow.StepKindLLM}},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	for i := 0; i < 3; i++ {
		msg := h.next(time.Second)
		if msg == nil {
			t.Fatalf("no envelope for iteration %d", i)
		}
		want := fmt.Sprintf("refine.iterations[%d].draft", i)
		if got := msg.Envelope.Payload.Input["step_def_id"]; got != want {
			t.Fatalf("iteration %d step_def_id = %v, want %s", i, got, want)
		}
		h.complete(msg, map[string]any{"version": i + 1}, budget.Usage{TotalTokens: 5})
	}

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (error %q)", final.Status, final.Error)
	}
	out, ok := final.Output["refine"].(map[string]any)
	if !ok {
		t.Fatalf("loop output = %#v", final.Output["refine"])
	}
	if out["count"] != 3 {
		t.Errorf("count = %v, want 3", out["count"])
	}
	iters, ok := out["iterations"].([]map[string]any)
	if !ok || len(iters) != 3 {
		t.Fatalf("iterations = %#v, want 3 entries", out["iterations"])
	}
	draft, _ := iters[2]["draft"].(map[string]any)
	if draft["version"] != 3 {
		t.Errorf("last iteration draft = %#v", iters[2]["draft"])
	}
	if final.Usage.TotalTokens != 15 {
		t.Errorf("usage = %d, want 15", final.Usage.TotalTokens)
	}
}

func TestLoopTerminatesEarlyOnDone(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "early-loop",
		Steps: []workflow.StepDef{{
			ID: "poll", Kind: workflow.StepKindLoop, MaxIterations: 10,
			Steps: []workflow.StepDef{{ID: "check", Kind: workflow.StepKindTool}},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	h.complete(h.next(time.Second), map[string]any{"done": false}, budget.Usage{ToolCalls: 1})
	h.complete(h.next(time.Second), map[string]any{"done": true, "result": "ready"}, budget.Usage{ToolCalls: 1})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	out := final.Output["poll"].(map[string]any)
	if out["count"] != 2 {
		t.Errorf("count = %v, want 2 (early termination)", out["count"])
	}
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("loop released a third iteration: %v", msg.Envelope.Payload)
	}
}

func TestLoopUntilExpression(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "until-loop",
		Steps: []workflow.StepDef{{
			ID: "improve", Kind: workflow.StepKindLoop, MaxIterations: 10,
			Until: `score.value >= 90`,
			Steps: []workflow.StepDef{{ID: "score", Kind: workflow.StepKindLLM}},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	h.complete(h.next(time.Second), map[string]any{"value": 60}, budget.Usage{})
	h.complete(h.next(time.Second), map[string]any{"value": 95}, budget.Usage{})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if got := final.Output["improve"].(map[string]any)["count"]; got != 2 {
		t.Errorf("count = %v, want 2 (until satisfied)", got)
	}
}

func TestParallelBlockJoinsAll(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "fanout",
		Steps: []workflow.StepDef{
			{
				ID: "gather", Kind: workflow.StepKindParallel,
				Steps: []workflow.StepDef{
					{ID: "web", Kind: workflow.StepKindTool},
					{ID: "docs", Kind: workflow.StepKindTool},
				},
			},
			{ID: "merge", Kind: workflow.StepKindLLM, DependsOn: []string{"gather"}},
		},
	})
	run := h.start(wf, nil, budget.Limits{})

	first, second := h.next(time.Second), h.next(time.Second)
	if first == nil || second == nil {
		t.Fatal("expected both parallel branches to release together")
	}
	h.complete(first, map[string]any{"hits": 3}, budget.Usage{ToolCalls: 1})

	// The container joins on all branches; merge must wait.
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("merge released before join: %v", msg.Envelope.Payload.Input["step_def_id"])
	}
	h.complete(second, map[string]any{"hits": 5}, budget.Usage{ToolCalls: 1})

	msg := h.next(time.Second)
	if msg == nil || msg.Envelope.Payload.Input["step_def_id"] != "merge" {
		t.Fatalf("expected merge, got %v", msg)
	}
	h.complete(msg, map[string]any{}, budget.Usage{})

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	gather, ok := final.Output["gather"].(map[string]any)
	if !ok || gather["web"] == nil || gather["docs"] == nil {
		t.Fatalf("gather output = %#v, want web and docs entries", final.Output["gather"])
	}
}

func TestParallelFailedDependencyBlocksDependents(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "branching-fanout",
		Steps: []workflow.StepDef{{
			ID: "par", Kind: workflow.StepKindParallel,
			Steps: []workflow.StepDef{
				{ID: "a", Kind: workflow.StepKindTool},
				{ID: "b", Kind: workflow.StepKindTool},
				{ID: "c", Kind: workflow.StepKindTool, DependsOn: []string{"a"}},
			},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	// a and b release together; c waits on a.
	byDef := map[any]*queue.Message{}
	for i := 0; i < 2; i++ {
		msg := h.next(time.Second)
		if msg == nil {
			t.Fatalf("missing envelope %d of the first layer", i)
		}
		byDef[msg.Envelope.Payload.Input["step_def_id"]] = msg
	}
	if byDef["par.a"] == nil || byDef["par.b"] == nil {
		t.Fatalf("first layer = %v, want par.a and par.b", byDef)
	}

	if err := h.report(byDef["par.a"], StepResult{
		Status: store.StepFailed, Error: "upstream gone", ErrorCode: errors.CodeFatal,
	}); err != nil {
		t.Fatalf("report = %v", err)
	}

	// The failed branch never releases its dependent.
	if msg := h.next(20 * time.Millisecond); msg != nil {
		t.Fatalf("released %v after its dependency failed", msg.Envelope.Payload.Input["step_def_id"])
	}
	h.complete(byDef["par.b"], map[string]any{"hits": 1}, budget.Usage{ToolCalls: 1})

	final := h.run(run.ID)
	if final.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	steps, _ := h.store.ListStepsByRun(context.Background(), run.ID)
	for _, s := range steps {
		if s.StepDefID == "par.c" {
			t.Fatalf("dependent of the failed branch has an execution: %+v", s)
		}
	}
}

func TestLoopInnerFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "fragile-loop",
		Steps: []workflow.StepDef{{
			ID: "work", Kind: workflow.StepKindLoop, MaxIterations: 5,
			Steps: []workflow.StepDef{{ID: "inner", Kind: workflow.StepKindTool}},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	msg := h.next(time.Second)
	if err := h.report(msg, StepResult{Status: store.StepFailed, Error: "tool exploded", ErrorCode: errors.CodeFatal}); err != nil {
		t.Fatalf("report = %v", err)
	}

	final := h.run(run.ID)
	if final.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	// The container execution settled Failed, not just the inner attempt.
	steps, _ := h.store.ListStepsByRun(context.Background(), run.ID)
	var container *store.StepExecution
	for _, s := range steps {
		if s.StepDefID == "work" {
			container = s
		}
	}
	if container == nil || container.Status != store.StepFailed {
		t.Fatalf("container = %+v, want failed", container)
	}
}

func TestCompositeStateRestoredAfterRestart(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "durable-loop",
		Steps: []workflow.StepDef{{
			ID: "refine", Kind: workflow.StepKindLoop, MaxIterations: 2,
			Steps: []workflow.StepDef{{ID: "draft", Kind: workflow.StepKindLLM}},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})
	h.complete(h.next(time.Second), map[string]any{"version": 1}, budget.Usage{})

	// A new kernel over the same store adopts the run mid-loop.
	k2 := New(Config{
		Store:  h.store,
		Queue:  h.queue,
		IDs:    h.ids,
		Logger: h.kernel.logger,
	})
	defer k2.Close()

	msg := h.next(time.Second)
	if msg == nil {
		t.Fatal("no envelope for iteration 1")
	}
	if err := k2.HandleStepResult(context.Background(), run.ID, msg.Envelope.Payload.StepID, StepResult{
		Status: store.StepCompleted,
		Output: map[string]any{"version": 2},
	}); err != nil {
		t.Fatalf("HandleStepResult on adopted run = %v", err)
	}

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (error %q)", final.Status, final.Error)
	}
	out := final.Output["refine"].(map[string]any)
	if out["count"] != 2 {
		t.Errorf("count = %v, want 2 after restore", out["count"])
	}
	iters := out["iterations"].([]map[string]any)
	first, _ := iters[0]["draft"].(map[string]any)
	if first["version"] != 1 {
		t.Errorf("restored iteration 0 = %#v", iters[0])
	}
}
