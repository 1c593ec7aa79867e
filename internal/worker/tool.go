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

package worker

import (
	"context"
	"log/slog"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/security"
)

// runTool executes a tool step: policy check, argument sanitisation,
// schema-validated dispatch. An envelope carrying approved=true has
// already been through grant, so the oracle is skipped for exactly that
// attempt.
func (w *Worker) runTool(ctx context.Context, p *queue.Payload, report *Report) {
	name := stringOf(p.Input["tool"])
	if !security.ValidToolName(name) {
		report.Status = store.StepFailed
		report.Error = "invalid tool name " + name
		report.ErrorCode = errors.CodeValidation
		return
	}
	args, _ := p.Input["args"].(map[string]any)

	// Tool arguments often come straight out of an earlier LLM step;
	// bound them before they reach the policy oracle or the tool.
	cleaned, err := w.output.Sanitize(args)
	if err != nil {
		fail(report, err)
		return
	}
	if cleaned != nil {
		args, _ = cleaned.(map[string]any)
	}

	approved, _ := p.Input["approved"].(bool)
	if !approved {
		decision, err := w.plane.CheckTool(ctx, p.RunID, p.StepID, name, args)
		if err != nil {
			fail(report, err)
			return
		}
		switch {
		case decision.RequiresApproval:
			report.Status = store.StepWaitingApproval
			report.Output = map[string]any{"tool": name, "args": args}
			w.logger.Info("tool call held for approval",
				slog.String(log.RunIDKey, p.RunID),
				slog.String(log.StepIDKey, p.StepID),
				slog.String("tool", name))
			return
		case !decision.Allowed:
			report.Status = store.StepFailed
			report.Error = "policy denied tool " + name
			if decision.Reason != "" {
				report.Error += ": " + decision.Reason
			}
			report.ErrorCode = errors.CodePolicyDenied
			return
		}
	}

	if w.tools == nil {
		report.Status = store.StepFailed
		report.Error = "no tool registry configured"
		report.ErrorCode = errors.CodeFatal
		return
	}
	result, err := w.tools.Execute(ctx, name, args)
	if err != nil {
		fail(report, err)
		report.Usage.ToolCalls = 1
		return
	}

	report.Status = store.StepCompleted
	report.Usage.ToolCalls = 1
	if out, ok := result.(map[string]any); ok {
		report.Output = out
	} else {
		report.Output = map[string]any{"result": result}
	}
}
