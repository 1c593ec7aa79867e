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

// Package store is the transactional persistence boundary: runs, step
// executions, workflow templates, policies, and the audit trail. The store
// exclusively owns run and step rows; callers receive value copies. A
// short-lived advisory run lease serialises all mutation of one run.
package store

import (
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated         RunStatus = "created"
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunBudgetKilled    RunStatus = "budget_killed"
	RunPolicyBlocked   RunStatus = "policy_blocked"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status is sticky: once a run reaches a
// terminal status, no further status writes are accepted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunBudgetKilled, RunPolicyBlocked, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step execution attempt.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepCancelled       StepStatus = "cancelled"
)

// Terminal reports whether the step execution has settled.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Workflow is a registered workflow template, immutable once created.
type Workflow struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenant_id"`
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	Definition *workflow.Definition `json:"definition"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Run is one execution of a workflow for one tenant. Identity, input, and
// budget are immutable; status, usage, timing, output, and error mutate
// under the run lease only.
type Run struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AgentID         string         `json:"agent_id,omitempty"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion string         `json:"workflow_version,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Budget          budget.Limits  `json:"budget"`
	CreatedAt       time.Time      `json:"created_at"`

	Status          RunStatus      `json:"status"`
	Usage           budget.Usage   `json:"usage"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
}

// StepExecution is one attempt at running a step definition. Retries create
// new executions with an incremented Attempt; for a given (run, step def)
// at most one execution is non-terminal at any time.
type StepExecution struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	StepDefID   string         `json:"step_def_id"`
	Attempt     int            `json:"attempt"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Usage       budget.Usage   `json:"usage"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StepOutcome is the settled result a worker (or the kernel itself) reports
// for one execution attempt.
type StepOutcome struct {
	Status      StepStatus     `json:"status"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Usage       budget.Usage   `json:"usage"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RunMutation carries the optional field writes accompanying a status
// transition.
type RunMutation struct {
	Output      map[string]any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
