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

// Package budget enforces per-run resource ceilings: token counts, tool
// calls, wall-clock time, and measured cost. Limits are nullable — a nil
// dimension is unlimited. The kernel prechecks before dispatch and accounts
// after every settled step; a breach kills the run.
package budget

import (
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Budget dimension names, used in audit details and error reporting.
const (
	DimInputTokens  = "input_tokens"
	DimOutputTokens = "output_tokens"
	DimTotalTokens  = "total_tokens"
	DimToolCalls    = "tool_calls"
	DimWallTimeMS   = "wall_time_ms"
	DimCostCents    = "cost_cents"
)

// Limits is the per-run budget. A nil field means unlimited in that
// dimension; set fields must be non-negative.
type Limits struct {
	MaxInputTokens  *int64 `json:"max_input_tokens,omitempty"`
	MaxOutputTokens *int64 `json:"max_output_tokens,omitempty"`
	MaxTotalTokens  *int64 `json:"max_total_tokens,omitempty"`
	MaxToolCalls    *int64 `json:"max_tool_calls,omitempty"`
	MaxWallTimeMS   *int64 `json:"max_wall_time_ms,omitempty"`
	MaxCostCents    *int64 `json:"max_cost_cents,omitempty"`
}

// Validate rejects negative limits.
func (l *Limits) Validate() error {
	for _, d := range []struct {
		name  string
		value *int64
	}{
		{DimInputTokens, l.MaxInputTokens},
		{DimOutputTokens, l.MaxOutputTokens},
		{DimTotalTokens, l.MaxTotalTokens},
		{DimToolCalls, l.MaxToolCalls},
		{DimWallTimeMS, l.MaxWallTimeMS},
		{DimCostCents, l.MaxCostCents},
	} {
		if d.value != nil && *d.value < 0 {
			return &errors.ValidationError{
				Field:      "budget.max_" + d.name,
				Message:    "budget limit must not be negative",
				Suggestion: "omit the field for an unlimited dimension",
			}
		}
	}
	return nil
}

// Unlimited reports whether no dimension is constrained.
func (l *Limits) Unlimited() bool {
	return l.MaxInputTokens == nil && l.MaxOutputTokens == nil &&
		l.MaxTotalTokens == nil && l.MaxToolCalls == nil &&
		l.MaxWallTimeMS == nil && l.MaxCostCents == nil
}

// Usage carries running sums in the same dimensions as Limits.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	ToolCalls    int64 `json:"tool_calls"`
	WallTimeMS   int64 `json:"wall_time_ms"`
	CostCents    int64 `json:"cost_cents"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens += delta.TotalTokens
	u.ToolCalls += delta.ToolCalls
	u.WallTimeMS += delta.WallTimeMS
	u.CostCents += delta.CostCents
}

// Check compares usage against limits and returns a BudgetExceededError for
// the first breached dimension, in a fixed dimension order so reporting is
// deterministic.
func Check(limits Limits, usage Usage) error {
	for _, d := range []struct {
		name   string
		limit  *int64
		actual int64
	}{
		{DimInputTokens, limits.MaxInputTokens, usage.InputTokens},
		{DimOutputTokens, limits.MaxOutputTokens, usage.OutputTokens},
		{DimTotalTokens, limits.MaxTotalTokens, usage.TotalTokens},
		{DimToolCalls, limits.MaxToolCalls, usage.ToolCalls},
		{DimWallTimeMS, limits.MaxWallTimeMS, usage.WallTimeMS},
		{DimCostCents, limits.MaxCostCents, usage.CostCents},
	} {
		if d.limit != nil && d.actual > *d.limit {
			return &errors.BudgetExceededError{
				Dimension: d.name,
				Limit:     *d.limit,
				Actual:    d.actual,
			}
		}
	}
	return nil
}

// Precheck verifies that current usage plus an estimate stays within limits.
// The kernel calls this before releasing a step: for LLM steps the estimate
// carries the configured max_tokens as output tokens, for tool steps one
// tool call.
func Precheck(limits Limits, current, estimate Usage) error {
	projected := current
	projected.Add(estimate)
	return Check(limits, projected)
}

// LLMEstimate is the pre-flight estimate for an LLM step: the model may
// produce up to maxTokens output tokens.
func LLMEstimate(maxTokens int64) Usage {
	return Usage{OutputTokens: maxTokens, TotalTokens: maxTokens}
}

// ToolEstimate is the pre-flight estimate for a tool step: one tool call.
func ToolEstimate() Usage {
	return Usage{ToolCalls: 1}
}
