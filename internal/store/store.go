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

package store

import (
	"context"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
)

// DefaultLeaseWait bounds how long WithRunLease blocks on contention
// before failing with ErrLeaseBusy.
const DefaultLeaseWait = 5 * time.Second

// Store is the transactional persistence contract. Every operation is
// atomic; list reads return snapshots ordered by creation time. Failures
// are typed: NotFoundError, ConflictError (CAS mismatch or write after
// settle), TransientError (retryable), FatalError.
type Store interface {
	// CreateWorkflow registers a template. The id must be fresh.
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow fetches a template scoped to the tenant.
	GetWorkflow(ctx context.Context, tenantID, id string) (*Workflow, error)
	// ListWorkflows returns the tenant's templates ordered by creation time.
	ListWorkflows(ctx context.Context, tenantID string) ([]*Workflow, error)

	// CreateRun persists a new run row in its initial status.
	CreateRun(ctx context.Context, run *Run) error
	// GetRun returns a value copy of the run.
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRunStatus is a compare-and-set on the current status: it fails
	// with ConflictError when the row is not in from, and unconditionally
	// when the current status is terminal. mut applies extra field writes
	// in the same transaction.
	UpdateRunStatus(ctx context.Context, id string, from, to RunStatus, mut *RunMutation) error
	// AddRunUsage accumulates usage atomically and returns the new totals.
	AddRunUsage(ctx context.Context, id string, delta budget.Usage) (budget.Usage, error)
	// RequestCancel sets the cancel flag; the kernel observes it at every
	// release point. Fails with ConflictError on terminal runs.
	RequestCancel(ctx context.Context, id string) error

	// CreateStep persists a new execution attempt. Fails with ConflictError
	// when another execution of the same (run, step def) is non-terminal.
	CreateStep(ctx context.Context, step *StepExecution) error
	// GetStep returns a value copy of one execution.
	GetStep(ctx context.Context, id string) (*StepExecution, error)
	// ListStepsByRun returns all executions of the run ordered by creation.
	ListStepsByRun(ctx context.Context, runID string) ([]*StepExecution, error)
	// UpdateStepResult settles (or re-marks) one attempt. Writing to an
	// already-terminal execution fails with ConflictError — this is what
	// rejects a late worker POST after a timeout settled the step.
	UpdateStepResult(ctx context.Context, stepID string, attempt int, outcome StepOutcome) error

	// SetPolicy installs or replaces the tenant's tool policy.
	SetPolicy(ctx context.Context, p *policy.Policy) error
	// GetPolicy returns the tenant's policy, or NotFoundError.
	GetPolicy(ctx context.Context, tenantID string) (*policy.Policy, error)

	// AppendAudit appends an event. Implementations write it inside the
	// surrounding transaction when one is open (outbox pattern).
	AppendAudit(ctx context.Context, event audit.Event) error
	// ListAuditByRun returns the run's events in total order.
	ListAuditByRun(ctx context.Context, runID string) ([]audit.Event, error)

	// WithRunLease runs fn while holding the run's advisory lock. It waits
	// up to the configured window and fails with ErrLeaseBusy on
	// contention. Only the leaseholder may transition run or step status.
	WithRunLease(ctx context.Context, runID string, fn func(ctx context.Context) error) error

	// Ping verifies connectivity for readiness probes.
	Ping(ctx context.Context) error
	// Close releases the backing connections.
	Close() error
}
