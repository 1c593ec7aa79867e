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

package harness

import (
	"context"
	"errors"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/worker"
	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

// plane adapts the sdk client to the worker's control-plane interface,
// the same translation the production worker binary does.
type plane struct {
	client *sdk.Client
}

var _ worker.ControlPlane = (*plane)(nil)

func (p *plane) CheckTool(ctx context.Context, runID, stepID, tool string, args map[string]any) (*worker.ToolDecision, error) {
	dec, err := p.client.CheckTool(ctx, runID, &sdk.CheckToolRequest{
		ToolName: tool,
		StepID:   stepID,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	return &worker.ToolDecision{
		Allowed:          dec.Allowed,
		RequiresApproval: dec.RequiresApproval,
		Reason:           dec.Reason,
		DecisionID:       dec.DecisionID,
	}, nil
}

func (p *plane) ReportStepResult(ctx context.Context, runID, stepID string, report *worker.Report) error {
	err := p.client.ReportStepResult(ctx, runID, stepID, &sdk.StepResult{
		Status:       sdk.StepStatus(report.Status),
		Output:       report.Output,
		Error:        report.Error,
		ErrorCode:    report.ErrorCode,
		Usage:        sdk.Usage(report.Usage),
		StartedAt:    report.StartedAt,
		CompletedAt:  report.CompletedAt,
		ArtifactHash: report.ArtifactHash,
		TraceContext: report.TraceContext,
	})
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) && apiErr.Code == fderrors.CodeConflict {
		return &fderrors.ConflictError{Resource: "step", Reason: apiErr.Message}
	}
	return err
}
