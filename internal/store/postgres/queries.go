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

package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// jsonb marshals v for a JSONB column; nil stays NULL.
func jsonb(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSONB(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateWorkflow registers a template.
func (s *Store) CreateWorkflow(ctx context.Context, wf *store.Workflow) error {
	def, err := jsonb(wf.Definition)
	if err != nil {
		return &errors.FatalError{Op: "encode workflow definition", Cause: err}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO workflows (id, tenant_id, name, version, definition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		wf.ID, wf.TenantID, wf.Name, wf.Version, def, wf.CreatedAt)
	return mapError("create workflow", "workflow", wf.ID, err)
}

type workflowRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	Name       string    `db:"name"`
	Version    string    `db:"version"`
	Definition []byte    `db:"definition"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *workflowRow) toWorkflow() (*store.Workflow, error) {
	var def workflow.Definition
	if err := fromJSONB(r.Definition, &def); err != nil {
		return nil, &errors.FatalError{Op: "decode workflow definition", Cause: err}
	}
	return &store.Workflow{
		ID: r.ID, TenantID: r.TenantID, Name: r.Name, Version: r.Version,
		Definition: &def, CreatedAt: r.CreatedAt,
	}, nil
}

// GetWorkflow fetches a tenant-scoped template.
func (s *Store) GetWorkflow(ctx context.Context, tenantID, id string) (*store.Workflow, error) {
	var row workflowRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row, `
		SELECT id, tenant_id, name, version, definition, created_at
		FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return nil, mapError("get workflow", "workflow", id, err)
	}
	return row.toWorkflow()
}

// ListWorkflows returns the tenant's templates ordered by creation time.
func (s *Store) ListWorkflows(ctx context.Context, tenantID string) ([]*store.Workflow, error) {
	var rows []workflowRow
	err := sqlx.SelectContext(ctx, s.q(ctx), &rows, `
		SELECT id, tenant_id, name, version, definition, created_at
		FROM workflows WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, mapError("list workflows", "workflow", tenantID, err)
	}
	out := make([]*store.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// CreateRun persists a new run row.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	input, err := jsonb(run.Input)
	if err != nil {
		return &errors.FatalError{Op: "encode run input", Cause: err}
	}
	bud, err := jsonb(run.Budget)
	if err != nil {
		return &errors.FatalError{Op: "encode run budget", Cause: err}
	}
	usage, err := jsonb(run.Usage)
	if err != nil {
		return &errors.FatalError{Op: "encode run usage", Cause: err}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, agent_id, workflow_id, workflow_version,
		                  input, budget, created_at, status, usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.TenantID, run.AgentID, run.WorkflowID, run.WorkflowVersion,
		input, bud, run.CreatedAt, run.Status, usage)
	return mapError("create run", "run", run.ID, err)
}

type runRow struct {
	ID              string     `db:"id"`
	TenantID        string     `db:"tenant_id"`
	AgentID         string     `db:"agent_id"`
	WorkflowID      string     `db:"workflow_id"`
	WorkflowVersion string     `db:"workflow_version"`
	Input           []byte     `db:"input"`
	Budget          []byte     `db:"budget"`
	CreatedAt       time.Time  `db:"created_at"`
	Status          string     `db:"status"`
	Usage           []byte     `db:"usage"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	Output          []byte     `db:"output"`
	Error           string     `db:"error"`
	CancelRequested bool       `db:"cancel_requested"`
}

func (r *runRow) toRun() (*store.Run, error) {
	run := &store.Run{
		ID: r.ID, TenantID: r.TenantID, AgentID: r.AgentID,
		WorkflowID: r.WorkflowID, WorkflowVersion: r.WorkflowVersion,
		CreatedAt: r.CreatedAt, Status: store.RunStatus(r.Status),
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		Error: r.Error, CancelRequested: r.CancelRequested,
	}
	if err := fromJSONB(r.Input, &run.Input); err != nil {
		return nil, &errors.FatalError{Op: "decode run input", Cause: err}
	}
	if err := fromJSONB(r.Budget, &run.Budget); err != nil {
		return nil, &errors.FatalError{Op: "decode run budget", Cause: err}
	}
	if err := fromJSONB(r.Usage, &run.Usage); err != nil {
		return nil, &errors.FatalError{Op: "decode run usage", Cause: err}
	}
	if err := fromJSONB(r.Output, &run.Output); err != nil {
		return nil, &errors.FatalError{Op: "decode run output", Cause: err}
	}
	return run, nil
}

const runColumns = `id, tenant_id, agent_id, workflow_id, workflow_version,
	input, budget, created_at, status, usage, started_at, completed_at,
	output, error, cancel_requested`

// GetRun returns a value copy of the run.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var row runRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("get run", "run", id, err)
	}
	return row.toRun()
}

// UpdateRunStatus is a compare-and-set on status; terminal is sticky. The
// WHERE clause carries both conditions, so a zero-row update distinguishes
// missing rows from CAS mismatches with a follow-up read.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, from, to store.RunStatus, mut *store.RunMutation) error {
	var (
		output []byte
		err    error
	)
	m := store.RunMutation{}
	if mut != nil {
		m = *mut
	}
	if m.Output != nil {
		if output, err = jsonb(m.Output); err != nil {
			return &errors.FatalError{Op: "encode run output", Cause: err}
		}
	}

	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE runs SET status = $1,
			output       = COALESCE($2, output),
			error        = CASE WHEN $3 <> '' THEN $3 ELSE error END,
			started_at   = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at)
		WHERE id = $6 AND status = $7
		  AND status NOT IN ('completed', 'failed', 'budget_killed', 'policy_blocked', 'cancelled')`,
		to, output, m.Error, m.StartedAt, m.CompletedAt, id, from)
	if err != nil {
		return mapError("update run status", "run", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("update run status", "run", id, err)
	}
	if n == 0 {
		current, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		return &errors.ConflictError{
			Resource: "run", ID: id,
			Reason: "status is " + string(current.Status) + ", expected " + string(from),
		}
	}
	return nil
}

// AddRunUsage accumulates usage atomically and returns the new totals.
func (s *Store) AddRunUsage(ctx context.Context, id string, delta budget.Usage) (budget.Usage, error) {
	deltaJSON, err := jsonb(delta)
	if err != nil {
		return budget.Usage{}, &errors.FatalError{Op: "encode usage delta", Cause: err}
	}
	var raw []byte
	err = sqlx.GetContext(ctx, s.q(ctx), &raw, `
		UPDATE runs SET usage = (
			SELECT jsonb_object_agg(key, COALESCE((usage->>key)::bigint, 0) + value::bigint)
			FROM jsonb_each_text($1::jsonb) AS d(key, value)
		)
		WHERE id = $2
		RETURNING usage`, deltaJSON, id)
	if err != nil {
		return budget.Usage{}, mapError("add run usage", "run", id, err)
	}
	var usage budget.Usage
	if err := fromJSONB(raw, &usage); err != nil {
		return budget.Usage{}, &errors.FatalError{Op: "decode run usage", Cause: err}
	}
	return usage, nil
}

// RequestCancel sets the cancel flag on a non-terminal run.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE runs SET cancel_requested = TRUE
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'budget_killed', 'policy_blocked', 'cancelled')`, id)
	if err != nil {
		return mapError("request cancel", "run", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("request cancel", "run", id, err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return &errors.ConflictError{Resource: "run", ID: id, Reason: "status is terminal"}
	}
	return nil
}

// CreateStep persists an execution attempt. The partial unique index on
// live executions enforces the at-most-one non-terminal invariant.
func (s *Store) CreateStep(ctx context.Context, step *store.StepExecution) error {
	input, err := jsonb(step.Input)
	if err != nil {
		return &errors.FatalError{Op: "encode step input", Cause: err}
	}
	output, err := jsonb(step.Output)
	if err != nil {
		return &errors.FatalError{Op: "encode step output", Cause: err}
	}
	usage, err := jsonb(step.Usage)
	if err != nil {
		return &errors.FatalError{Op: "encode step usage", Cause: err}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO step_executions (id, run_id, step_def_id, attempt, status,
		                             input, output, error, usage, created_at,
		                             started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		step.ID, step.RunID, step.StepDefID, step.Attempt, step.Status,
		input, output, step.Error, usage, step.CreatedAt,
		step.StartedAt, step.CompletedAt)
	return mapError("create step", "step", step.ID, err)
}

type stepRow struct {
	ID          string     `db:"id"`
	RunID       string     `db:"run_id"`
	StepDefID   string     `db:"step_def_id"`
	Attempt     int        `db:"attempt"`
	Status      string     `db:"status"`
	Input       []byte     `db:"input"`
	Output      []byte     `db:"output"`
	Error       string     `db:"error"`
	Usage       []byte     `db:"usage"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r *stepRow) toStep() (*store.StepExecution, error) {
	step := &store.StepExecution{
		ID: r.ID, RunID: r.RunID, StepDefID: r.StepDefID,
		Attempt: r.Attempt, Status: store.StepStatus(r.Status),
		Error: r.Error, CreatedAt: r.CreatedAt,
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
	if err := fromJSONB(r.Input, &step.Input); err != nil {
		return nil, &errors.FatalError{Op: "decode step input", Cause: err}
	}
	if err := fromJSONB(r.Output, &step.Output); err != nil {
		return nil, &errors.FatalError{Op: "decode step output", Cause: err}
	}
	if err := fromJSONB(r.Usage, &step.Usage); err != nil {
		return nil, &errors.FatalError{Op: "decode step usage", Cause: err}
	}
	return step, nil
}

const stepColumns = `id, run_id, step_def_id, attempt, status, input, output,
	error, usage, created_at, started_at, completed_at`

// GetStep returns a value copy of one execution.
func (s *Store) GetStep(ctx context.Context, id string) (*store.StepExecution, error) {
	var row stepRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row,
		`SELECT `+stepColumns+` FROM step_executions WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("get step", "step", id, err)
	}
	return row.toStep()
}

// ListStepsByRun returns the run's executions ordered by creation.
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*store.StepExecution, error) {
	var rows []stepRow
	err := sqlx.SelectContext(ctx, s.q(ctx), &rows,
		`SELECT `+stepColumns+` FROM step_executions WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, mapError("list steps", "step", runID, err)
	}
	out := make([]*store.StepExecution, 0, len(rows))
	for i := range rows {
		step, err := rows[i].toStep()
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

// UpdateStepResult settles one attempt. Terminal executions reject writes.
func (s *Store) UpdateStepResult(ctx context.Context, stepID string, attempt int, outcome store.StepOutcome) error {
	output, err := jsonb(outcome.Output)
	if err != nil {
		return &errors.FatalError{Op: "encode step output", Cause: err}
	}
	usage, err := jsonb(outcome.Usage)
	if err != nil {
		return &errors.FatalError{Op: "encode step usage", Cause: err}
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE step_executions SET
			status = $1, output = $2, error = $3, usage = $4,
			started_at   = COALESCE($5, started_at),
			completed_at = COALESCE($6, completed_at)
		WHERE id = $7 AND attempt = $8
		  AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')`,
		outcome.Status, output, outcome.Error, usage,
		outcome.StartedAt, outcome.CompletedAt, stepID, attempt)
	if err != nil {
		return mapError("update step result", "step", stepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("update step result", "step", stepID, err)
	}
	if n == 0 {
		if _, err := s.GetStep(ctx, stepID); err != nil {
			return err
		}
		return &errors.ConflictError{Resource: "step", ID: stepID, Reason: "status is terminal or attempt mismatch"}
	}
	return nil
}

// SetPolicy installs or replaces the tenant's policy.
func (s *Store) SetPolicy(ctx context.Context, p *policy.Policy) error {
	allowed, err := jsonb(p.Allowed)
	if err != nil {
		return &errors.FatalError{Op: "encode policy", Cause: err}
	}
	approval, err := jsonb(p.ApprovalRequired)
	if err != nil {
		return &errors.FatalError{Op: "encode policy", Cause: err}
	}
	denied, err := jsonb(p.Denied)
	if err != nil {
		return &errors.FatalError{Op: "encode policy", Cause: err}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO policies (tenant_id, id, allowed, approval_required, denied)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			id = EXCLUDED.id,
			allowed = EXCLUDED.allowed,
			approval_required = EXCLUDED.approval_required,
			denied = EXCLUDED.denied`,
		p.TenantID, p.ID, allowed, approval, denied)
	return mapError("set policy", "policy", p.TenantID, err)
}

type policyRow struct {
	TenantID         string `db:"tenant_id"`
	ID               string `db:"id"`
	Allowed          []byte `db:"allowed"`
	ApprovalRequired []byte `db:"approval_required"`
	Denied           []byte `db:"denied"`
}

// GetPolicy returns the tenant's policy.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*policy.Policy, error) {
	var row policyRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row, `
		SELECT tenant_id, id, allowed, approval_required, denied
		FROM policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, mapError("get policy", "policy", tenantID, err)
	}
	p := &policy.Policy{TenantID: row.TenantID, ID: row.ID}
	if err := fromJSONB(row.Allowed, &p.Allowed); err != nil {
		return nil, &errors.FatalError{Op: "decode policy", Cause: err}
	}
	if err := fromJSONB(row.ApprovalRequired, &p.ApprovalRequired); err != nil {
		return nil, &errors.FatalError{Op: "decode policy", Cause: err}
	}
	if err := fromJSONB(row.Denied, &p.Denied); err != nil {
		return nil, &errors.FatalError{Op: "decode policy", Cause: err}
	}
	return p, nil
}

// AppendAudit appends an event, joining the lease transaction when one is
// open so the event commits with the state change it describes.
func (s *Store) AppendAudit(ctx context.Context, event audit.Event) error {
	if !audit.Known(event.Action) {
		return &errors.ValidationError{Field: "action", Message: "unknown audit action " + string(event.Action)}
	}
	details, err := jsonb(event.Details)
	if err != nil {
		return &errors.FatalError{Op: "encode audit details", Cause: err}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO audit_events (id, run_id, step_id, action, actor, timestamp, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.RunID, event.StepID, event.Action, event.Actor, event.Timestamp, details)
	return mapError("append audit", "audit event", event.ID, err)
}

type auditRow struct {
	ID        string    `db:"id"`
	RunID     string    `db:"run_id"`
	StepID    string    `db:"step_id"`
	Action    string    `db:"action"`
	Actor     string    `db:"actor"`
	Timestamp time.Time `db:"timestamp"`
	Details   []byte    `db:"details"`
}

// ListAuditByRun returns the run's events in total order.
func (s *Store) ListAuditByRun(ctx context.Context, runID string) ([]audit.Event, error) {
	var rows []auditRow
	err := sqlx.SelectContext(ctx, s.q(ctx), &rows, `
		SELECT id, run_id, step_id, action, actor, timestamp, details
		FROM audit_events WHERE run_id = $1 ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, mapError("list audit", "audit event", runID, err)
	}
	out := make([]audit.Event, 0, len(rows))
	for i := range rows {
		e := audit.Event{
			ID: rows[i].ID, RunID: rows[i].RunID, StepID: rows[i].StepID,
			Action: audit.Action(rows[i].Action), Actor: rows[i].Actor,
			Timestamp: rows[i].Timestamp,
		}
		if err := fromJSONB(rows[i].Details, &e.Details); err != nil {
			return nil, &errors.FatalError{Op: "decode audit details", Cause: err}
		}
		out = append(out, e)
	}
	return out, nil
}
