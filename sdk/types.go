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

package sdk

import (
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunBudgetKilled    RunStatus = "budget_killed"
	RunPolicyBlocked   RunStatus = "policy_blocked"
	RunCancelled       RunStatus = "cancelled"
)

// StepStatus is a step execution's lifecycle state.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepCancelled       StepStatus = "cancelled"
)

// Limits caps a run per budget dimension; nil means unlimited.
type Limits struct {
	MaxInputTokens  *int64 `json:"max_input_tokens,omitempty"`
	MaxOutputTokens *int64 `json:"max_output_tokens,omitempty"`
	MaxTotalTokens  *int64 `json:"max_total_tokens,omitempty"`
	MaxToolCalls    *int64 `json:"max_tool_calls,omitempty"`
	MaxWallTimeMS   *int64 `json:"max_wall_time_ms,omitempty"`
	MaxCostCents    *int64 `json:"max_cost_cents,omitempty"`
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

// Workflow is a registered template.
type Workflow struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenant_id"`
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	Definition *workflow.Definition `json:"definition"`
	CreatedAt  time.Time            `json:"created_at"`
}

// CreateWorkflowRequest registers a template. Name defaults to the
// definition's name; Version defaults to "1".
type CreateWorkflowRequest struct {
	Name       string               `json:"name,omitempty"`
	Version    string               `json:"version,omitempty"`
	Definition *workflow.Definition `json:"definition"`
}

// Run is one execution of a workflow.
type Run struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AgentID         string         `json:"agent_id,omitempty"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion string         `json:"workflow_version,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Budget          Limits         `json:"budget"`
	CreatedAt       time.Time      `json:"created_at"`

	Status          RunStatus      `json:"status"`
	Usage           Usage          `json:"usage"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
}

// StartRunRequest starts one run.
type StartRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	AgentID    string         `json:"agent_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Budget     *Limits        `json:"budget,omitempty"`
}

// StepExecution is one attempt of one step.
type StepExecution struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	StepDefID   string         `json:"step_def_id"`
	Attempt     int            `json:"attempt"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Usage       Usage          `json:"usage"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StepResult is a worker's report for one attempt.
type StepResult struct {
	Status       StepStatus        `json:"status"`
	Output       any               `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Usage        Usage             `json:"usage"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ArtifactHash string            `json:"artifact_hash,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// CheckToolRequest asks the policy oracle about one tool call.
type CheckToolRequest struct {
	ToolName string         `json:"tool_name"`
	StepID   string         `json:"step_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// ToolDecision is the oracle's answer. The zero decision denies.
type ToolDecision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
	DecisionID       string `json:"decision_id"`
}

// ApprovalRequest resolves a waiting step. Approver defaults to the
// authenticated subject.
type ApprovalRequest struct {
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Policy is a tenant's tool policy: deny by default, with doublestar
// patterns per list. Denied beats approval beats allowed.
type Policy struct {
	ID               string   `json:"id,omitempty"`
	TenantID         string   `json:"tenant_id,omitempty"`
	Allowed          []string `json:"allowed"`
	ApprovalRequired []string `json:"approval_required"`
	Denied           []string `json:"denied"`
}

// AuditEvent is one entry of a run's append-only trail.
type AuditEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}
