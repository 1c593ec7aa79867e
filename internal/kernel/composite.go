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
	"fmt"
	"strings"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// composite drives one loop or parallel step. The container step execution
// stays Running while the driver releases inner steps under synthetic
// step-def ids; when the block settles, the container settles with the
// aggregated output. All access happens under the run lease.
type composite struct {
	def    *workflow.StepDef
	prefix string // qualified container id; equals def.ID at top level
	execID string // container execution id
	layers []workflow.Layer

	maxIter    int
	iteration  int              // 0-based, loops only
	iterations []map[string]any // settled per-iteration outputs, loops only

	current  map[string]any  // inner base id -> output, current iteration
	released map[string]bool // inner base ids with an execution this iteration
	failed   map[string]bool // inner base ids that settled failed or cancelled
	synth    map[string]string // synthetic id -> inner base id

	failedMsg  string
	failedCode string
	done       bool // early termination requested by an inner `done: true`

	// onFinish settles the container. Top-level composites settle their
	// execution row directly; nested ones additionally report into their
	// parent driver.
	onFinish func(ctx context.Context, status store.StepStatus, output any, errMsg, errCode string) error
}

// innerID builds the synthetic step-def id for an inner step.
func (c *composite) innerID(base string) string {
	if c.def.Kind == workflow.StepKindLoop {
		return fmt.Sprintf("%s.iterations[%d].%s", c.prefix, c.iteration, base)
	}
	return c.prefix + "." + base
}

// inFlight reports whether any released inner step has not settled yet.
func (c *composite) inFlight() bool {
	for base := range c.released {
		if _, ok := c.current[base]; !ok {
			return true
		}
	}
	return false
}

// blockSettled reports whether every inner step of the current iteration
// has settled (or can never release because its deps failed).
func (c *composite) blockSettled() bool {
	for _, layer := range c.layers {
		for i := range layer {
			base := layer[i].ID
			if !c.released[base] {
				return false
			}
			if _, ok := c.current[base]; !ok {
				return false
			}
		}
	}
	return true
}

// innerDef returns the inner step definition with the given base id.
func (c *composite) innerDef(base string) *workflow.StepDef {
	for _, layer := range c.layers {
		for i := range layer {
			if layer[i].ID == base {
				return &layer[i]
			}
		}
	}
	return nil
}

// partialOutput is the container's in-progress view exposed to top-level
// conditions while the composite is still running.
func (c *composite) partialOutput() map[string]any {
	if c.def.Kind == workflow.StepKindLoop {
		return map[string]any{"iterations": c.iterations, "count": len(c.iterations)}
	}
	out := make(map[string]any, len(c.current))
	for base, v := range c.current {
		out[base] = v
	}
	return out
}

// finalOutput aggregates the settled block into the container output.
func (c *composite) finalOutput() map[string]any {
	if c.def.Kind == workflow.StepKindLoop {
		return map[string]any{"iterations": c.iterations, "count": len(c.iterations)}
	}
	return c.partialOutput()
}

// effectiveMaxIterations resolves the loop bound: the step's own value,
// then the workflow-wide default.
func effectiveMaxIterations(def *workflow.StepDef, wf *workflow.Definition) int {
	if def.MaxIterations > 0 {
		return def.MaxIterations
	}
	if wf != nil && wf.MaxIterations > 0 {
		return wf.MaxIterations
	}
	return workflow.DefaultMaxIterations
}

// startComposite creates the container execution for a top-level loop or
// parallel step and releases its first inner layer.
func (k *Kernel) startComposite(ctx context.Context, st *runState, run *store.Run, def *workflow.StepDef) (*composite, error) {
	now := k.ids.Now()
	exec := &store.StepExecution{
		ID:        k.ids.NewID(ident.PrefixStep),
		RunID:     run.ID,
		StepDefID: def.ID,
		Attempt:   1,
		Status:    store.StepRunning,
		Input:     def.Config,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return nil, err
	}
	if err := k.auditStep(ctx, run.ID, exec.ID, audit.StepStarted, audit.ActorKernel, now, map[string]any{
		"step_def_id": def.ID,
		"kind":        string(def.Kind),
	}); err != nil {
		return nil, err
	}

	comp := k.newComposite(st, def, def.ID, exec.ID)
	comp.onFinish = k.topLevelFinish(st, run.ID, def.ID, comp)
	if err := k.advanceComposite(ctx, st, run, comp); err != nil {
		return nil, err
	}
	return comp, nil
}

// topLevelFinish settles a top-level container and, for policy denials,
// terminates the run with its dedicated status before the settlement pass
// would mark it plain Failed.
func (k *Kernel) topLevelFinish(st *runState, runID, defID string, comp *composite) func(context.Context, store.StepStatus, any, string, string) error {
	return func(ctx context.Context, status store.StepStatus, output any, errMsg, errCode string) error {
		k.dropComposite(st, comp)
		delete(st.composites, defID)
		if err := k.settleContainer(ctx, runID, comp, status, output, errMsg, errCode); err != nil {
			return err
		}
		if status == store.StepFailed && errCode == errors.CodePolicyDenied {
			run, err := k.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			if !run.Status.Terminal() {
				return k.finishRun(ctx, runID, run.Status, store.RunPolicyBlocked, errMsg, nil)
			}
		}
		return nil
	}
}

// newComposite builds a driver for def under the given qualified prefix.
func (k *Kernel) newComposite(st *runState, def *workflow.StepDef, prefix, execID string) *composite {
	return &composite{
		def:      def,
		prefix:   prefix,
		execID:   execID,
		layers:   workflow.CompileBlock(def.Steps),
		maxIter:  effectiveMaxIterations(def, st.def),
		current:  make(map[string]any),
		released: make(map[string]bool),
		failed:   make(map[string]bool),
		synth:    make(map[string]string),
	}
}

// dropComposite unregisters every route pointing at comp.
func (k *Kernel) dropComposite(st *runState, comp *composite) {
	for synthetic := range comp.synth {
		delete(st.routes, synthetic)
	}
}

// settleContainer writes the container execution's terminal outcome and
// its audit event.
func (k *Kernel) settleContainer(ctx context.Context, runID string, comp *composite, status store.StepStatus, output any, errMsg, errCode string) error {
	now := k.ids.Now()
	err := k.store.UpdateStepResult(ctx, comp.execID, 1, store.StepOutcome{
		Status:      status,
		Output:      output,
		Error:       errMsg,
		CompletedAt: &now,
	})
	if err != nil && !errors.IsConflict(err) {
		return err
	}
	action := audit.StepCompleted
	details := map[string]any{"step_def_id": comp.prefix, "kind": string(comp.def.Kind)}
	if status == store.StepFailed {
		action = audit.StepFailed
		details["error"] = errMsg
		if errCode != "" {
			details["error_code"] = errCode
		}
	}
	if comp.def.Kind == workflow.StepKindLoop {
		details["iterations"] = len(comp.iterations)
	}
	return k.auditStep(ctx, runID, comp.execID, action, audit.ActorKernel, now, details)
}

// advanceComposite is the inner release pass: it releases every releasable
// inner step of the current iteration, settles condition steps inline,
// and closes out the iteration (or the whole block) when everything has
// settled.
func (k *Kernel) advanceComposite(ctx context.Context, st *runState, run *store.Run, comp *composite) error {
	for {
		if comp.failedMsg != "" && !comp.inFlight() {
			return comp.onFinish(ctx, store.StepFailed, comp.partialOutput(), comp.failedMsg, comp.failedCode)
		}

		env := comp.innerContext(run)
		progressed := false
		for _, layer := range comp.layers {
			for i := range layer {
				inner := &layer[i]
				if comp.released[inner.ID] {
					continue
				}
				synthetic := comp.innerID(inner.ID)
				if st.retryPending[synthetic] {
					continue
				}
				if !comp.innerDepsSettled(inner) {
					continue
				}
				if !workflow.EvaluateCondition(inner.Condition, env) {
					if err := k.skipInner(ctx, run, comp, inner, synthetic); err != nil {
						return err
					}
					progressed = true
					continue
				}
				if err := budget.Precheck(run.Budget, run.Usage, stepEstimate(inner)); err != nil {
					return k.budgetKill(ctx, run, err)
				}
				p, err := k.releaseInner(ctx, st, run, comp, inner, synthetic, env)
				if err != nil {
					return err
				}
				progressed = progressed || p
			}
		}
		if progressed {
			continue
		}
		if !comp.blockSettled() || comp.inFlight() {
			return nil
		}
		return k.closeIteration(ctx, st, run, comp)
	}
}

// innerDepsSettled reports whether every dependency of an inner step has
// settled successfully in the current iteration. A failed or cancelled
// dependency never releases its dependents; the block settles around them.
func (c *composite) innerDepsSettled(inner *workflow.StepDef) bool {
	for _, dep := range inner.DependsOn {
		if _, ok := c.current[dep]; !ok {
			return false
		}
		if c.failed[dep] {
			return false
		}
	}
	return true
}

// innerContext is the evaluation context for inner conditions: the run
// input, the current iteration's settled inner outputs under their base
// ids, and the 0-based iteration index.
func (c *composite) innerContext(run *store.Run) workflow.Context {
	env := workflow.NewContext(run.Input, nil)
	for base, out := range c.current {
		env.SetStepOutput(base, out)
	}
	env["iteration"] = c.iteration
	return env
}

// skipInner settles a condition-false inner step as Skipped.
func (k *Kernel) skipInner(ctx context.Context, run *store.Run, comp *composite, inner *workflow.StepDef, synthetic string) error {
	now := k.ids.Now()
	exec := &store.StepExecution{
		ID:          k.ids.NewID(ident.PrefixStep),
		RunID:       run.ID,
		StepDefID:   synthetic,
		Attempt:     1,
		Status:      store.StepSkipped,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return err
	}
	comp.released[inner.ID] = true
	comp.current[inner.ID] = nil
	return k.auditStep(ctx, run.ID, exec.ID, audit.StepSkipped, audit.ActorKernel, now, map[string]any{
		"step_def_id": synthetic,
		"condition":   inner.Condition,
	})
}

// releaseInner dispatches one inner step. Queue-bound kinds publish an
// envelope and route the result back through the driver; conditions settle
// inline; nested composites start a child driver.
func (k *Kernel) releaseInner(ctx context.Context, st *runState, run *store.Run, comp *composite, inner *workflow.StepDef, synthetic string, env workflow.Context) (bool, error) {
	switch inner.Kind {
	case workflow.StepKindLLM, workflow.StepKindTool:
		if err := k.enqueueStep(ctx, run, inner, synthetic, 1); err != nil {
			return false, err
		}
		comp.released[inner.ID] = true
		comp.synth[synthetic] = inner.ID
		st.routes[synthetic] = comp
		return false, nil

	case workflow.StepKindCondition:
		if err := k.completeConditionStep(ctx, run, inner, synthetic, env); err != nil {
			return false, err
		}
		expr, _ := inner.Config["expression"].(string)
		comp.released[inner.ID] = true
		comp.current[inner.ID] = map[string]any{"result": workflow.EvaluateCondition(expr, env)}
		return true, nil

	case workflow.StepKindLoop, workflow.StepKindParallel:
		return false, k.startNested(ctx, st, run, comp, inner, synthetic)

	default:
		// Approval gates do not compose; validation lets them through, the
		// driver does not.
		return false, &errors.FatalError{
			Op:      "release inner step",
			Message: fmt.Sprintf("step kind %s is not allowed inside a %s block", inner.Kind, comp.def.Kind),
		}
	}
}

// startNested starts a child composite for a loop/parallel nested inside
// another block. The child's container execution carries the synthetic id
// and reports back into the parent when it settles.
func (k *Kernel) startNested(ctx context.Context, st *runState, run *store.Run, parent *composite, inner *workflow.StepDef, synthetic string) error {
	now := k.ids.Now()
	exec := &store.StepExecution{
		ID:        k.ids.NewID(ident.PrefixStep),
		RunID:     run.ID,
		StepDefID: synthetic,
		Attempt:   1,
		Status:    store.StepRunning,
		Input:     inner.Config,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := k.store.CreateStep(ctx, exec); err != nil {
		return err
	}
	if err := k.auditStep(ctx, run.ID, exec.ID, audit.StepStarted, audit.ActorKernel, now, map[string]any{
		"step_def_id": synthetic,
		"kind":        string(inner.Kind),
	}); err != nil {
		return err
	}

	parent.released[inner.ID] = true
	parent.synth[synthetic] = inner.ID

	child := k.newComposite(st, inner, synthetic, exec.ID)
	child.onFinish = func(ctx context.Context, status store.StepStatus, output any, errMsg, errCode string) error {
		k.dropComposite(st, child)
		if err := k.settleContainer(ctx, run.ID, child, status, output, errMsg, errCode); err != nil {
			return err
		}
		parent.current[inner.ID] = output
		if status == store.StepFailed {
			parent.failed[inner.ID] = true
			if parent.failedMsg == "" {
				parent.failedMsg = errMsg
				parent.failedCode = errCode
			}
		}
		return k.advanceComposite(ctx, st, run, parent)
	}
	return k.advanceComposite(ctx, st, run, child)
}

// closeIteration runs once every inner step of the current iteration has
// settled without failure: loops record the iteration and decide whether
// to go round again; parallels settle the container.
func (k *Kernel) closeIteration(ctx context.Context, st *runState, run *store.Run, comp *composite) error {
	if comp.def.Kind == workflow.StepKindParallel {
		return comp.onFinish(ctx, store.StepCompleted, comp.finalOutput(), "", "")
	}

	iterOut := make(map[string]any, len(comp.current))
	for base, v := range comp.current {
		iterOut[base] = v
		if workflow.LoopDone(v) {
			comp.done = true
		}
	}
	comp.iterations = append(comp.iterations, iterOut)

	stop := comp.done || len(comp.iterations) >= comp.maxIter
	if !stop && comp.def.Until != "" {
		env := make(map[string]any, len(iterOut)+2)
		for base, v := range iterOut {
			env[base] = v
		}
		env["iteration"] = len(comp.iterations)
		env["iterations"] = comp.iterations
		done, err := workflow.EvaluateUntil(comp.def.Until, env)
		if err != nil {
			k.logger.Warn("loop until expression failed, terminating loop",
				log.Error(err))
		}
		stop = done
	}
	if stop {
		return comp.onFinish(ctx, store.StepCompleted, comp.finalOutput(), "", "")
	}

	comp.iteration++
	comp.current = make(map[string]any)
	comp.released = make(map[string]bool)
	comp.failed = make(map[string]bool)
	return k.advanceComposite(ctx, st, run, comp)
}

// restoreComposites rebuilds in-flight loop/parallel drivers from the
// store after a leadership change: the kernel's in-memory state is gone,
// but the container and inner executions (with their synthetic step-def
// ids) carry enough to resume. Callers hold the run lease.
func (k *Kernel) restoreComposites(ctx context.Context, st *runState, run *store.Run) error {
	steps, err := k.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	byDef := groupByDef(steps)

	var restored []*composite
	for _, layer := range st.plan.Layers {
		for i := range layer {
			def := &layer[i]
			if def.Kind != workflow.StepKindLoop && def.Kind != workflow.StepKindParallel {
				continue
			}
			container := runningContainer(byDef[def.ID])
			if container == nil {
				continue
			}
			comp := k.restoreOne(st, run, def, def.ID, container.ID, steps)
			comp.onFinish = k.topLevelFinish(st, run.ID, def.ID, comp)
			st.composites[def.ID] = comp
			restored = append(restored, comp)
		}
	}
	// Advance after registration: a composite whose last inner result
	// landed just before the crash may already be able to close out.
	for _, comp := range restored {
		if err := k.advanceComposite(ctx, st, run, comp); err != nil {
			return err
		}
	}
	return nil
}

// runningContainer picks the non-terminal container execution, if any.
func runningContainer(execs []*store.StepExecution) *store.StepExecution {
	for _, e := range execs {
		if e.Status == store.StepRunning {
			return e
		}
	}
	return nil
}

// restoreOne rebuilds a single driver (recursively for nested composites)
// from the run's execution rows.
func (k *Kernel) restoreOne(st *runState, run *store.Run, def *workflow.StepDef, prefix, execID string, steps []*store.StepExecution) *composite {
	comp := k.newComposite(st, def, prefix, execID)

	// Find the current iteration first so earlier ones can be assembled.
	maxIter := 0
	if def.Kind == workflow.StepKindLoop {
		for _, e := range steps {
			if iter, _, ok := parseInner(prefix, def.Kind, e.StepDefID); ok && iter > maxIter {
				maxIter = iter
			}
		}
		comp.iteration = maxIter
		for i := 0; i < maxIter; i++ {
			iterOut := make(map[string]any)
			for _, e := range steps {
				if iter, base, ok := parseInner(prefix, def.Kind, e.StepDefID); ok && iter == i && e.Status.Terminal() {
					iterOut[base] = e.Output
				}
			}
			comp.iterations = append(comp.iterations, iterOut)
		}
	}

	for _, e := range steps {
		iter, base, ok := parseInner(prefix, def.Kind, e.StepDefID)
		if !ok || iter != comp.iteration {
			continue
		}
		comp.released[base] = true
		comp.synth[e.StepDefID] = base
		inner := comp.innerDef(base)
		switch {
		case e.Status.Terminal():
			comp.current[base] = e.Output
			if e.Status == store.StepFailed || e.Status == store.StepCancelled {
				comp.failed[base] = true
			}
			if e.Status == store.StepFailed && comp.failedMsg == "" {
				comp.failedMsg = e.Error
			}
		case e.Status == store.StepRunning && inner != nil &&
			(inner.Kind == workflow.StepKindLoop || inner.Kind == workflow.StepKindParallel):
			child := k.restoreOne(st, run, inner, e.StepDefID, e.ID, steps)
			parent, innerID := comp, base
			child.onFinish = func(ctx context.Context, status store.StepStatus, output any, errMsg, errCode string) error {
				k.dropComposite(st, child)
				if err := k.settleContainer(ctx, run.ID, child, status, output, errMsg, errCode); err != nil {
					return err
				}
				parent.current[innerID] = output
				if status == store.StepFailed {
					parent.failed[innerID] = true
					if parent.failedMsg == "" {
						parent.failedMsg = errMsg
						parent.failedCode = errCode
					}
				}
				return k.advanceComposite(ctx, st, run, parent)
			}
		default:
			st.routes[e.StepDefID] = comp
		}
	}
	return comp
}

// parseInner decomposes a synthetic step-def id relative to a container
// prefix. For loops it returns the iteration index and inner base id; for
// parallels the iteration is always 0. Ids belonging to deeper nesting
// levels (base contains a dot) are not direct inner steps and do not match.
func parseInner(prefix string, kind workflow.StepKind, stepDefID string) (int, string, bool) {
	tail, ok := strings.CutPrefix(stepDefID, prefix+".")
	if !ok {
		return 0, "", false
	}
	if kind == workflow.StepKindLoop {
		rest, ok := strings.CutPrefix(tail, "iterations[")
		if !ok {
			return 0, "", false
		}
		close := strings.Index(rest, "].")
		if close < 0 {
			return 0, "", false
		}
		iter := 0
		if _, err := fmt.Sscanf(rest[:close], "%d", &iter); err != nil {
			return 0, "", false
		}
		base := rest[close+2:]
		if base == "" || strings.Contains(base, ".") {
			return 0, "", false
		}
		return iter, base, true
	}
	if tail == "" || strings.Contains(tail, ".") {
		return 0, "", false
	}
	return 0, tail, true
}

// onCompositeResult routes a settled inner execution back into its driver.
// Called from the result path under the run lease, after the execution row
// has been updated; errCode carries the failure classification when the
// execution failed.
func (k *Kernel) onCompositeResult(ctx context.Context, st *runState, run *store.Run, comp *composite, exec *store.StepExecution, errCode string) error {
	base, ok := comp.synth[exec.StepDefID]
	if !ok {
		base = strings.TrimPrefix(exec.StepDefID, comp.prefix+".")
	}
	switch exec.Status {
	case store.StepCompleted, store.StepSkipped:
		comp.current[base] = exec.Output
	case store.StepFailed:
		comp.current[base] = exec.Output
		comp.failed[base] = true
		if comp.failedMsg == "" {
			comp.failedMsg = exec.Error
			comp.failedCode = errCode
		}
	case store.StepCancelled:
		comp.current[base] = nil
		comp.failed[base] = true
	default:
		return nil
	}
	return k.advanceComposite(ctx, st, run, comp)
}
