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

package e2e

import (
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/test/e2e/harness"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

// TestParallelFanIn checks the diamond: both branches are released
// together after start, in lexicographic order, and end is held back
// until the last branch settles.
func TestParallelFanIn(t *testing.T) {
	h := harness.New(t)

	wf := h.RegisterWorkflow(&workflow.Definition{
		Name: "diamond",
		Steps: []workflow.StepDef{
			llmStep("start"),
			llmStep("branch_a", "start"),
			llmStep("branch_b", "start"),
			llmStep("end", "branch_a", "branch_b"),
		},
	})
	run := h.StartRun(wf.ID, nil, nil)

	start := h.NextEnvelope(2 * time.Second)
	if start == nil || stepDefOf(start) != "start" {
		t.Fatalf("first envelope = %v, want start", start)
	}
	h.CompleteStep(start, map[string]any{"content": "ok"}, okUsage())

	// Both branches release off one completion, branch_a first.
	a := h.NextEnvelope(2 * time.Second)
	b := h.NextEnvelope(2 * time.Second)
	if a == nil || b == nil {
		t.Fatal("expected two branch envelopes after start completed")
	}
	if stepDefOf(a) != "branch_a" || stepDefOf(b) != "branch_b" {
		t.Fatalf("branch order: got %q, %q; want branch_a, branch_b", stepDefOf(a), stepDefOf(b))
	}
	if extra := h.NextEnvelope(100 * time.Millisecond); extra != nil {
		t.Fatalf("%q released before both branches completed", stepDefOf(extra))
	}

	h.CompleteStep(a, map[string]any{"content": "ok"}, okUsage())
	// One branch is not enough for the fan-in.
	if extra := h.NextEnvelope(100 * time.Millisecond); extra != nil {
		t.Fatalf("%q released with branch_b still pending", stepDefOf(extra))
	}
	h.CompleteStep(b, map[string]any{"content": "ok"}, okUsage())

	end := h.NextEnvelope(2 * time.Second)
	if end == nil || stepDefOf(end) != "end" {
		t.Fatalf("after both branches, envelope = %v, want end", end)
	}
	h.CompleteStep(end, map[string]any{"content": "ok"}, okUsage())

	final := h.WaitRun(run.ID, 5*time.Second)
	if final.Status != sdk.RunCompleted {
		t.Fatalf("run status = %s, want %s (error: %s)", final.Status, sdk.RunCompleted, final.Error)
	}
	if got := len(h.Steps(run.ID)); got != 4 {
		t.Fatalf("len(steps) = %d, want 4", got)
	}
}
