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
	"log/slog"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/tracing"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// StepResult is the outcome a worker (or the janitor) reports for one
// execution attempt. ErrorCode classifies failures with the stable API
// error codes; ArtifactHash references the content-addressed output blob.
type StepResult struct {
	Status       store.StepStatus  `json:"status"`
	Output       any               `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Usage        budget.Usage      `json:"usage"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ArtifactHash string            `json:"artifact_hash,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`

	// Actor attributes the audit events; empty means the worker.
	Actor string `json:"-"`
}

// retryableCode reports whether a failure classification is eligible for
// scheduler-side retry.
func retryableCode(code string) bool {
	switch code {
	case errors.CodePolicyDenied, errors.CodeApprovalRejected, errors.CodeValidation,
		errors.CodeBudgetExceeded, errors.CodeInputRisk, errors.CodeFatal:
		return false
	}
	return true
}

// HandleStepResult settles one execution attempt under the run lease:
// transform, persist, audit, account usage against the budget, then drive
// the run forward (retry, composite advancement, release, settlement).
// A result for an already-settled attempt fails with ConflictError, which
// is how a late report after a janitor timeout is rejected.
func (k *Kernel) HandleStepResult(ctx context.Context, runID, stepID string, res StepResult) error {
	switch res.Status {
	case store.StepCompleted, store.StepFailed, store.StepWaitingApproval:
	default:
		return &errors.ValidationError{Field: "status", Message: "result status must be completed, failed, or waiting_approval"}
	}
	if res.Actor == "" {
		res.Actor = audit.ActorWorker
	}
	ctx = tracing.ExtractMap(ctx, res.TraceContext)

	return k.store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		run, err := k.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return &errors.ConflictError{Resource: "run", ID: runID, Reason: "run already " + string(run.Status)}
		}
		exec, err := k.store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if exec.RunID != runID {
			return &errors.NotFoundError{Resource: "step", ID: stepID}
		}
		st, err := k.state(ctx, run)
		if err != nil {
			return err
		}
		def := k.defFor(st, exec.StepDefID)

		// Transform failures demote the result: the step fails with a
		// validation classification and is never retried.
		if res.Status == store.StepCompleted && def != nil && def.Transform != "" && k.jq != nil {
			transformed, terr := k.jq.Execute(ctx, def.Transform, res.Output)
			if terr != nil {
				res.Status = store.StepFailed
				res.Error = terr.Error()
				res.ErrorCode = errors.CodeValidation
			} else {
				res.Output = transformed
			}
		}

		now := k.ids.Now()
		started := res.StartedAt
		if started == nil {
			started = &now
		}
		completed := res.CompletedAt
		if completed == nil && res.Status != store.StepWaitingApproval {
			completed = &now
		}
		if err := k.store.UpdateStepResult(ctx, stepID, exec.Attempt, store.StepOutcome{
			Status:      res.Status,
			Output:      res.Output,
			Error:       res.Error,
			Usage:       res.Usage,
			StartedAt:   started,
			CompletedAt: completed,
		}); err != nil {
			return err
		}
		if err := k.auditResult(ctx, run, exec, def, res, started, completed); err != nil {
			return err
		}
		if k.metrics != nil {
			k.metrics.QueueDepth.Dec()
			if def != nil && completed != nil {
				k.metrics.ObserveStep(string(def.Kind), string(res.Status), completed.Sub(*started))
			}
		}

		if err := k.markRunning(ctx, run, started); err != nil {
			return err
		}

		// Budget accounting before anything else advances: a breach kills
		// the run regardless of the step's own outcome.
		if res.Usage != (budget.Usage{}) {
			total, err := k.store.AddRunUsage(ctx, runID, res.Usage)
			if err != nil {
				return err
			}
			run.Usage = total
			if cerr := budget.Check(run.Budget, total); cerr != nil {
				return k.budgetKill(ctx, run, cerr)
			}
		}

		if res.Status == store.StepWaitingApproval {
			return k.suspendRun(ctx, runID)
		}

		exec.Status = res.Status
		exec.Output = res.Output
		exec.Error = res.Error

		if res.Status == store.StepFailed {
			if k.scheduleRetry(st, run, def, exec, res.ErrorCode) {
				return nil
			}
		}

		if comp, ok := st.routes[exec.StepDefID]; ok {
			if err := k.onCompositeResult(ctx, st, run, comp, exec, res.ErrorCode); err != nil {
				return err
			}
			return k.release(ctx, st, runID)
		}

		if res.Status == store.StepFailed {
			if handled, err := k.failRunFor(ctx, st, run, res.ErrorCode, res.Error); handled || err != nil {
				return err
			}
		}
		return k.release(ctx, st, runID)
	})
}

// defFor resolves a (possibly synthetic) step-def id to its definition.
func (k *Kernel) defFor(st *runState, stepDefID string) *workflow.StepDef {
	if comp, ok := st.routes[stepDefID]; ok {
		if base, ok := comp.synth[stepDefID]; ok {
			return comp.innerDef(base)
		}
	}
	return st.def.Step(stepDefID)
}

// auditResult appends the step.started event plus the outcome event for
// one reported result.
func (k *Kernel) auditResult(ctx context.Context, run *store.Run, exec *store.StepExecution, def *workflow.StepDef, res StepResult, started, completed *time.Time) error {
	if err := k.auditStep(ctx, run.ID, exec.ID, audit.StepStarted, res.Actor, *started, map[string]any{
		"step_def_id": exec.StepDefID,
		"attempt":     exec.Attempt,
	}); err != nil {
		return err
	}
	ts := k.ids.Now()
	if completed != nil {
		ts = *completed
	}
	switch res.Status {
	case store.StepCompleted:
		details := map[string]any{"step_def_id": exec.StepDefID, "attempt": exec.Attempt}
		if res.ArtifactHash != "" {
			details["artifact_hash"] = res.ArtifactHash
		}
		return k.auditStep(ctx, run.ID, exec.ID, audit.StepCompleted, res.Actor, ts, details)
	case store.StepFailed:
		return k.auditStep(ctx, run.ID, exec.ID, audit.StepFailed, res.Actor, ts, map[string]any{
			"step_def_id": exec.StepDefID,
			"attempt":     exec.Attempt,
			"error":       res.Error,
			"error_code":  res.ErrorCode,
		})
	case store.StepWaitingApproval:
		details := map[string]any{"step_def_id": exec.StepDefID}
		if res.Output != nil {
			details["parameters"] = res.Output
		}
		return k.auditStep(ctx, run.ID, exec.ID, audit.PolicyApprovalRequired, res.Actor, ts, details)
	}
	return nil
}

// markRunning transitions the run Queued -> Running on the first observed
// worker activity.
func (k *Kernel) markRunning(ctx context.Context, run *store.Run, started *time.Time) error {
	if run.Status != store.RunQueued {
		return nil
	}
	err := k.store.UpdateRunStatus(ctx, run.ID, store.RunQueued, store.RunRunning, &store.RunMutation{StartedAt: started})
	if err != nil && !errors.IsConflict(err) {
		return err
	}
	run.Status = store.RunRunning
	run.StartedAt = started
	return nil
}

// failRunFor terminates the run for a non-retryable top-level step failure
// under on_error=fail. Policy denials get their dedicated terminal status.
// Reports whether the run was terminated.
func (k *Kernel) failRunFor(ctx context.Context, st *runState, run *store.Run, errCode, errMsg string) (bool, error) {
	if errCode == errors.CodePolicyDenied {
		return true, k.finishRun(ctx, run.ID, run.Status, store.RunPolicyBlocked, errMsg, nil)
	}
	if st.def.OnError == workflow.OnErrorContinue {
		return false, nil
	}
	return true, k.finishRun(ctx, run.ID, run.Status, store.RunFailed, errMsg, nil)
}

// scheduleRetry arms a retry timer for a failed execution when the step's
// retry policy has attempts left and the failure is retryable. The next
// attempt's delay is initial_delay_ms × multiplier^(attempt-1) plus up to
// 20% jitter. Reports whether a retry was scheduled.
func (k *Kernel) scheduleRetry(st *runState, run *store.Run, def *workflow.StepDef, exec *store.StepExecution, errCode string) bool {
	if def == nil || def.Retry == nil {
		return false
	}
	if !retryableCode(errCode) {
		return false
	}
	next := exec.Attempt + 1
	if next > def.Retry.MaxAttempts {
		return false
	}

	delay := def.Retry.Delay(next)
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return false
	}
	delay += time.Duration(k.rng.Float64() * 0.2 * float64(delay))
	st.retryPending[exec.StepDefID] = true
	k.mu.Unlock()

	runID := run.ID
	stepDefID := exec.StepDefID
	k.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer k.wg.Done()
		k.mu.Lock()
		delete(st.timers, t)
		k.mu.Unlock()
		k.retryNow(runID, st, def, stepDefID, next)
	})
	k.mu.Lock()
	st.timers[t] = struct{}{}
	k.mu.Unlock()

	k.logger.Info("step retry scheduled",
		slog.String(log.RunIDKey, runID),
		slog.String(log.StepDefKey, stepDefID),
		slog.Int(log.AttemptKey, next),
		slog.Duration("delay", delay))
	return true
}

// retryNow fires when a retry timer elapses: it creates the next attempt
// and publishes its envelope. Terminal runs drop the retry silently.
func (k *Kernel) retryNow(runID string, st *runState, def *workflow.StepDef, stepDefID string, attempt int) {
	ctx := context.Background()
	err := k.store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		k.mu.Lock()
		delete(st.retryPending, stepDefID)
		k.mu.Unlock()

		run, err := k.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		if run.CancelRequested {
			return k.release(ctx, st, runID)
		}
		return k.enqueueStep(ctx, run, def, stepDefID, attempt)
	})
	if err != nil {
		k.logger.Error("step retry failed",
			slog.String(log.RunIDKey, runID),
			slog.String(log.StepDefKey, stepDefID),
			log.Error(err))
	}
}

// Grant approves a waiting step. For an approval-gate step the execution
// settles Completed; for a tool step held back by policy the execution is
// re-queued with the approval recorded, so the worker skips the policy
// check on the second pass. approver is the external principal, recorded
// verbatim in the audit trail.
func (k *Kernel) Grant(ctx context.Context, runID, stepID, approver string) error {
	return k.store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		run, err := k.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		exec, err := k.store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if exec.RunID != runID {
			return &errors.NotFoundError{Resource: "step", ID: stepID}
		}
		if exec.Status != store.StepWaitingApproval {
			return &errors.ConflictError{Resource: "step", ID: stepID, Reason: "step is not waiting for approval"}
		}
		st, err := k.state(ctx, run)
		if err != nil {
			return err
		}
		def := k.defFor(st, exec.StepDefID)

		now := k.ids.Now()
		if err := k.auditStep(ctx, runID, stepID, audit.ApprovalGranted, approver, now, map[string]any{
			"step_def_id": exec.StepDefID,
		}); err != nil {
			return err
		}

		if def != nil && def.Kind == workflow.StepKindApproval {
			if err := k.store.UpdateStepResult(ctx, stepID, exec.Attempt, store.StepOutcome{
				Status:      store.StepCompleted,
				Output:      map[string]any{"approved": true, "approver": approver},
				StartedAt:   &now,
				CompletedAt: &now,
			}); err != nil {
				return err
			}
			if err := k.auditStep(ctx, runID, stepID, audit.StepCompleted, audit.ActorKernel, now, map[string]any{
				"step_def_id": exec.StepDefID,
			}); err != nil {
				return err
			}
		} else {
			// Tool step: back to the queue with the grant attached.
			if err := k.store.UpdateStepResult(ctx, stepID, exec.Attempt, store.StepOutcome{
				Status: store.StepPending,
			}); err != nil {
				return err
			}
			if err := k.republishApproved(ctx, run, exec); err != nil {
				return err
			}
		}

		if err := k.resumeRun(ctx, runID); err != nil {
			return err
		}
		if comp, ok := st.routes[exec.StepDefID]; ok && def != nil && def.Kind == workflow.StepKindApproval {
			fresh, err := k.store.GetStep(ctx, stepID)
			if err != nil {
				return err
			}
			if err := k.onCompositeResult(ctx, st, run, comp, fresh, ""); err != nil {
				return err
			}
		}
		return k.release(ctx, st, runID)
	})
}

// Reject refuses a waiting step: the execution fails with the
// approval_rejected classification and the run fails.
func (k *Kernel) Reject(ctx context.Context, runID, stepID, approver, reason string) error {
	return k.store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		run, err := k.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		exec, err := k.store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if exec.RunID != runID {
			return &errors.NotFoundError{Resource: "step", ID: stepID}
		}
		if exec.Status != store.StepWaitingApproval {
			return &errors.ConflictError{Resource: "step", ID: stepID, Reason: "step is not waiting for approval"}
		}

		now := k.ids.Now()
		msg := "approval rejected"
		if reason != "" {
			msg = "approval rejected: " + reason
		}
		if err := k.auditStep(ctx, runID, stepID, audit.ApprovalRejected, approver, now, map[string]any{
			"step_def_id": exec.StepDefID,
			"reason":      reason,
		}); err != nil {
			return err
		}
		if err := k.store.UpdateStepResult(ctx, stepID, exec.Attempt, store.StepOutcome{
			Status:      store.StepFailed,
			Error:       msg,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		if err := k.auditStep(ctx, runID, stepID, audit.StepFailed, audit.ActorKernel, now, map[string]any{
			"step_def_id": exec.StepDefID,
			"error":       msg,
			"error_code":  errors.CodeApprovalRejected,
		}); err != nil {
			return err
		}
		return k.finishRun(ctx, runID, run.Status, store.RunFailed, msg, nil)
	})
}

// resumeRun lifts a run out of WaitingApproval.
func (k *Kernel) resumeRun(ctx context.Context, runID string) error {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunWaitingApproval {
		return nil
	}
	to := store.RunRunning
	if run.StartedAt == nil {
		to = store.RunQueued
	}
	err = k.store.UpdateRunStatus(ctx, runID, store.RunWaitingApproval, to, nil)
	if errors.IsConflict(err) {
		return nil
	}
	return err
}

// republishApproved publishes a fresh envelope for an approved tool step.
// The approval flag rides in the input, so the executing worker skips the
// policy oracle for exactly this attempt.
func (k *Kernel) republishApproved(ctx context.Context, run *store.Run, exec *store.StepExecution) error {
	input := make(map[string]any, len(exec.Input)+1)
	for key, v := range exec.Input {
		input[key] = v
	}
	input["approved"] = true
	env := queue.Envelope{
		ID: k.ids.NewID(ident.PrefixMessage),
		Payload: queue.Payload{
			RunID:    run.ID,
			StepID:   exec.ID,
			StepType: string(workflow.StepKindTool),
			Input:    input,
			Context: queue.Context{
				TenantID:     run.TenantID,
				AgentID:      run.AgentID,
				TraceContext: tracing.InjectMap(ctx),
			},
		},
	}
	if _, err := k.queue.Publish(ctx, env); err != nil {
		return err
	}
	if k.metrics != nil {
		k.metrics.StepsDispatched.WithLabelValues(string(workflow.StepKindTool)).Inc()
		k.metrics.QueueDepth.Inc()
	}
	return k.auditStep(ctx, run.ID, exec.ID, audit.StepQueued, audit.ActorKernel, k.ids.Now(), map[string]any{
		"step_def_id": exec.StepDefID,
		"attempt":     exec.Attempt,
		"approved":    true,
	})
}
