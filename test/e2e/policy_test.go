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
	"strings"
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/test/e2e/harness"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

// TestDenyByDefault installs a policy allowing only read_file and lets a
// real worker attempt write_file: the oracle denies, the tool never runs,
// and the run terminates PolicyBlocked with the denial on the trail.
func TestDenyByDefault(t *testing.T) {
	writeTool := &harness.StubTool{ToolName: "write_file"}
	h := harness.New(t,
		harness.WithWorker(),
		harness.WithTools(&harness.StubTool{ToolName: "read_file"}, writeTool),
	)
	h.SetPolicy([]string{"read_file"}, nil, nil)

	wf := h.RegisterWorkflow(&workflow.Definition{
		Name: "forbidden-write",
		Steps: []workflow.StepDef{
			toolStep("write", "write_file", map[string]any{"path": "/tmp/out", "content": "x"}),
		},
	})
	run := h.StartRun(wf.ID, nil, nil)

	final := h.WaitRun(run.ID, 5*time.Second)
	if final.Status != sdk.RunPolicyBlocked {
		t.Fatalf("run status = %s, want %s (error: %s)", final.Status, sdk.RunPolicyBlocked, final.Error)
	}

	steps := h.Steps(run.ID)
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
	if steps[0].Status != sdk.StepFailed {
		t.Errorf("step status = %s, want %s", steps[0].Status, sdk.StepFailed)
	}
	if !strings.Contains(steps[0].Error, "policy denied") {
		t.Errorf("step error = %q, want a policy denial", steps[0].Error)
	}

	if !h.HasAuditAction(run.ID, "policy.denied") {
		t.Error("audit trail is missing policy.denied")
	}
	if writeTool.Calls() != 0 {
		t.Errorf("write_file ran %d times despite the denial", writeTool.Calls())
	}
}
