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

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/artifact"
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

// release is the step-release pass: it loads the run's executions, finds
// every releasable step definition, and releases them. Condition-false
// steps settle Skipped immediately and condition-kind steps settle inline,
// both of which can unlock dependents, so the pass repeats to a fixpoint
// before checking settlement. Callers hold the run lease.
func (k *Kernel) release(ctx context.Context, st *runState, runID string) error {
	for {
		run, err := k.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() || run.Status == store.RunWaitingApproval {
			return nil
		}
		if run.CancelRequested {
			return k.observeCancel(ctx, st, run)
		}

		steps, err := k.store.ListStepsByRun(ctx, runID)
		if err != nil {
			return err
		}
		byDef := groupByDef(steps)
		wctx := k.buildContext(st, run, byDef)

		progressed := false
		for _, layer := range st.plan.Layers {
			for i := range layer {
				def := &layer[i]
				if len(byDef[def.ID]) > 0 || st.retryPending[def.ID] {
					continue
				}
				if !depsSettled(def, byDef) {
					continue
				}
				if !workflow.EvaluateCondition(def.Condition, wctx) {
					if err := k.skipStep(ctx, run, def); err != nil {
						return err
					}
					progressed = true
					continue
				}
				if err := budget.Precheck(run.Budget, run.Usage, stepEstimate(def)); err != nil {
					return k.budgetKill(ctx, run, err)
				}
				released, err := k.releaseStep(ctx, st, run, def, wctx)
				if err != nil {
					return err
				}
				progressed = progressed || released
				// An approval gate suspends the whole run; stop releasing.
				fresh, err := k.store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				if fresh.Status == store.RunWaitingApproval || fresh.Status.Terminal() {
					return nil
				}
			}
		}
		if !progressed {
			return k.maybeSettle(ctx, st, run)
		}
	}
}

// groupByDef indexes executions by their step-def id.
func groupByDef(steps []*store.StepExecution) map[string][]*store.StepExecution {
	byDef := make(map[string][]*store.StepExecution, len(steps))
	for _, s := range steps {
		byDef[s.StepDefID] = append(byDef[s.StepDefID], s)
	}
	return byDef
}

// depsSettled reports whether every dependency has a Completed or Skipped
// execution.
func depsSettled(def *workflow.StepDef, byDef map[string][]*store.StepExecution) bool {
	for _, dep := range def.DependsOn {
		ok := false
		for _, s := range byDef[dep] {
			if s.Status == store.StepCompleted || s.Status == store.StepSkipped {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// buildContext assembles the condition-evaluation context: run input under
// "input", each settled top-level step's output under its id, and partial
// composite progress for in-flight loops.
func (k *Kernel) buildContext(st *runState, run *store.Run, byDef map[string][]*store.StepExecution) workflow.Context {
	wctx := workflow.NewContext(run.Input, nil)
	for _, layer := range st.plan.Layers {
		for i := range layer {
			id := layer[i].ID
			for _, s := range byDef[id] {
				if s.Status == store.StepCompleted {
					wctx.SetStepOutput(id, s.Output)
				}
			}
		}
	}
	for parentID, comp := range st.composites {
		wctx.SetStepOutput(parentID, comp.partialOutput())
	}
	return wctx
}

// skipStep settles a condition-false step as Skipped without ever queuing
// it.
func (k *Kernel) skipStep(ctx context.Context, run *store.Run, def *workflow.StepDef) error {
	now := k.ids.Now()
	exec := &store.StepExecution{
		ID:          k.ids.NewID(ident.PrefixStep),
		RunID:       run.ID,
		StepDefID:   def.ID,
		Attempt:     1,
		Status:      store.StepSkipped,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return err
	}
	return k.auditStep(ctx, run.ID, exec.ID, audit.StepSkipped, audit.ActorKernel, now, map[string]any{
		"step_def_id": def.ID,
		"condition":   def.Condition,
	})
}

// releaseStep creates and dispatches one execution for def. Queue-bound
// kinds (llm, tool) publish an envelope; condition steps settle inline;
// approval steps suspend the run; loops and parallels start their
// composite driver. Reports whether the pass made progress that can
// unlock dependents immediately.
func (k *Kernel) releaseStep(ctx context.Context, st *runState, run *store.Run, def *workflow.StepDef, wctx workflow.Context) (bool, error) {
	switch def.Kind {
	case workflow.StepKindLLM, workflow.StepKindTool:
		return false, k.enqueueStep(ctx, run, def, def.ID, 1)

	case workflow.StepKindCondition:
		return true, k.completeConditionStep(ctx, run, def, def.ID, wctx)

	case workflow.StepKindApproval:
		return false, k.suspendForApproval(ctx, run, def, def.ID)

	case workflow.StepKindLoop, workflow.StepKindParallel:
		comp, err := k.startComposite(ctx, st, run, def)
		if err != nil {
			return false, err
		}
		st.composites[def.ID] = comp
		return false, nil

	default:
		return false, &errors.FatalError{Op: "release step", Message: "unknown step kind " + string(def.Kind)}
	}
}

// enqueueStep creates a Pending execution and publishes its envelope.
// stepDefID may be a synthetic composite-inner id.
func (k *Kernel) enqueueStep(ctx context.Context, run *store.Run, def *workflow.StepDef, stepDefID string, attempt int) error {
	now := k.ids.Now()
	input := envelopeInput(def, stepDefID, attempt)
	exec := &store.StepExecution{
		ID:        k.ids.NewID(ident.PrefixStep),
		RunID:     run.ID,
		StepDefID: stepDefID,
		Attempt:   attempt,
		Status:    store.StepPending,
		Input:     input,
		CreatedAt: now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return err
	}
	if err := k.publish(ctx, run, def, exec); err != nil {
		return err
	}
	return k.auditStep(ctx, run.ID, exec.ID, audit.StepQueued, audit.ActorKernel, now, map[string]any{
		"step_def_id": stepDefID,
		"kind":        string(def.Kind),
		"attempt":     attempt,
	})
}

// publish sends the execution's envelope to the step queue.
func (k *Kernel) publish(ctx context.Context, run *store.Run, def *workflow.StepDef, exec *store.StepExecution) error {
	hash, err := artifact.HashValue(def.Config)
	if err != nil {
		return &errors.FatalError{Op: "publish step", Message: "config not hashable", Cause: err}
	}
	env := queue.Envelope{
		ID: k.ids.NewID(ident.PrefixMessage),
		Payload: queue.Payload{
			RunID:     run.ID,
			StepID:    exec.ID,
			StepType:  string(def.Kind),
			Input:     exec.Input,
			InputHash: hash,
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
		k.metrics.StepsDispatched.WithLabelValues(string(def.Kind)).Inc()
		k.metrics.QueueDepth.Inc()
	}
	log.Trace(k.logger, "step envelope published",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.StepIDKey, exec.ID),
		slog.String(log.StepDefKey, exec.StepDefID))
	return nil
}

// envelopeInput builds the worker-facing input: the step config plus the
// dispatch metadata the worker needs (timeout, replay key parts).
func envelopeInput(def *workflow.StepDef, stepDefID string, attempt int) map[string]any {
	input := make(map[string]any, len(def.Config)+3)
	for key, v := range def.Config {
		input[key] = v
	}
	input["timeout_ms"] = def.Timeout().Milliseconds()
	input["step_def_id"] = stepDefID
	input["attempt"] = attempt
	return input
}

// completeConditionStep evaluates a condition-kind step inline and settles
// it Completed with the boolean result.
func (k *Kernel) completeConditionStep(ctx context.Context, run *store.Run, def *workflow.StepDef, stepDefID string, wctx workflow.Context) error {
	expr, _ := def.Config["expression"].(string)
	result := workflow.EvaluateCondition(expr, wctx)
	now := k.ids.Now()
	exec := &store.StepExecution{
		ID:          k.ids.NewID(ident.PrefixStep),
		RunID:       run.ID,
		StepDefID:   stepDefID,
		Attempt:     1,
		Status:      store.StepCompleted,
		Output:      map[string]any{"result": result},
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return err
	}
	return k.auditStep(ctx, run.ID, exec.ID, audit.StepCompleted, audit.ActorKernel, now, map[string]any{
		"step_def_id": stepDefID,
		"result":      result,
	})
}

// suspendForApproval releases an approval-gate step: the execution waits
// and the run suspends until an external grant or reject.
func (k *Kernel) suspendForApproval(ctx context.Context, run *store.Run, def *workflow.StepDef, stepDefID string) error {
	now := k.ids.Now()
	exec := &store.StepExecution{
		ID:        k.ids.NewID(ident.PrefixStep),
		RunID:     run.ID,
		StepDefID: stepDefID,
		Attempt:   1,
		Status:    store.StepWaitingApproval,
		Input:     def.Config,
		CreatedAt: now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return err
	}
	if err := k.auditStep(ctx, run.ID, exec.ID, audit.PolicyApprovalRequired, audit.ActorKernel, now, map[string]any{
		"step_def_id": stepDefID,
		"gate":        def.Name,
	}); err != nil {
		return err
	}
	return k.suspendRun(ctx, run.ID)
}

// suspendRun moves a Queued or Running run to WaitingApproval.
func (k *Kernel) suspendRun(ctx context.Context, runID string) error {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunWaitingApproval:
		return nil
	case store.RunQueued, store.RunCreated, store.RunRunning:
		err := k.store.UpdateRunStatus(ctx, runID, run.Status, store.RunWaitingApproval, nil)
		if errors.IsConflict(err) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// budgetKill records the breach and terminates the run as BudgetKilled.
func (k *Kernel) budgetKill(ctx context.Context, run *store.Run, cause error) error {
	var be *errors.BudgetExceededError
	details := map[string]any{}
	if errors.As(cause, &be) {
		details["dimension"] = be.Dimension
		details["limit"] = be.Limit
		details["actual"] = be.Actual
	}
	now := k.ids.Now()
	if err := k.store.AppendAudit(ctx, audit.Event{
		ID:        k.ids.NewID(ident.PrefixEvent),
		RunID:     run.ID,
		Action:    audit.BudgetExceeded,
		Actor:     audit.ActorKernel,
		Timestamp: now,
		Details:   details,
	}); err != nil {
		return err
	}
	fresh, err := k.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if fresh.Status.Terminal() {
		return nil
	}
	return k.finishRun(ctx, run.ID, fresh.Status, store.RunBudgetKilled, cause.Error(), nil)
}

// observeCancel handles a cancel flag noticed at a release point.
func (k *Kernel) observeCancel(ctx context.Context, st *runState, run *store.Run) error {
	steps, err := k.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	anyRunning := false
	for _, s := range steps {
		switch s.Status {
		case store.StepRunning:
			anyRunning = true
		case store.StepPending, store.StepWaitingApproval:
			if err := k.cancelStep(ctx, s); err != nil {
				return err
			}
		}
	}
	if anyRunning {
		return nil
	}
	return k.finishRun(ctx, run.ID, run.Status, store.RunCancelled, "", nil)
}

// maybeSettle completes the run once nothing is pending, running, waiting,
// or scheduled for retry. With on_error=continue a run completes even when
// steps failed; with on_error=fail the failure path has already
// terminated the run before settlement is reached.
func (k *Kernel) maybeSettle(ctx context.Context, st *runState, run *store.Run) error {
	k.mu.Lock()
	retryOutstanding := len(st.retryPending) > 0
	compositesActive := len(st.composites) > 0
	k.mu.Unlock()
	if retryOutstanding || compositesActive {
		return nil
	}

	steps, err := k.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	byDef := groupByDef(steps)
	anyFailed := false
	for _, layer := range st.plan.Layers {
		for i := range layer {
			execs := byDef[layer[i].ID]
			if len(execs) == 0 {
				// Unreleased but not releasable: dependencies failed under
				// on_error=continue. Treated as settled-unrun.
				continue
			}
			// A retried step leaves one execution row per attempt; the
			// step as a whole failed only if no attempt ever succeeded.
			succeeded, failed := false, false
			for _, s := range execs {
				switch s.Status {
				case store.StepCompleted, store.StepSkipped:
					succeeded = true
				case store.StepFailed:
					failed = true
				case store.StepCancelled:
				default:
					return nil // still in flight
				}
			}
			if failed && !succeeded {
				anyFailed = true
			}
		}
	}

	status := store.RunCompleted
	var errMsg string
	if anyFailed && st.def.OnError == workflow.OnErrorFail {
		status = store.RunFailed
		errMsg = "one or more steps failed"
	}
	output := make(map[string]any)
	for _, layer := range st.plan.Layers {
		for i := range layer {
			id := layer[i].ID
			for _, s := range byDef[id] {
				if s.Status == store.StepCompleted {
					output[id] = s.Output
				}
			}
		}
	}
	return k.finishRun(ctx, run.ID, run.Status, status, errMsg, output)
}

// auditStep appends one step-scoped audit event.
func (k *Kernel) auditStep(ctx context.Context, runID, stepID string, action audit.Action, actor string, ts time.Time, details map[string]any) error {
	return k.store.AppendAudit(ctx, audit.Event{
		ID:        k.ids.NewID(ident.PrefixEvent),
		RunID:     runID,
		StepID:    stepID,
		Action:    action,
		Actor:     actor,
		Timestamp: ts,
		Details:   details,
	})
}
