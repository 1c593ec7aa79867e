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

// Package memory is the in-memory store used by tests and single-node
// development. It implements the full Store contract including lease
// semantics, CAS status transitions, and terminal stickiness.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*store.Workflow
	runs      map[string]*store.Run
	steps     map[string]*store.StepExecution
	policies  map[string]*policy.Policy // keyed by tenant id
	events    map[string][]audit.Event  // keyed by run id

	leaseMu   sync.Mutex
	leases    map[string]chan struct{}
	leaseWait time.Duration
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*store.Workflow),
		runs:      make(map[string]*store.Run),
		steps:     make(map[string]*store.StepExecution),
		policies:  make(map[string]*policy.Policy),
		events:    make(map[string][]audit.Event),
		leases:    make(map[string]chan struct{}),
		leaseWait: store.DefaultLeaseWait,
	}
}

// SetLeaseWait overrides the lease contention window (tests).
func (s *Store) SetLeaseWait(d time.Duration) { s.leaseWait = d }

// CreateWorkflow registers a template.
func (s *Store) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return &errors.ConflictError{Resource: "workflow", ID: wf.ID, Reason: "already exists"}
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

// GetWorkflow fetches a tenant-scoped template.
func (s *Store) GetWorkflow(_ context.Context, tenantID, id string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	cp := *wf
	return &cp, nil
}

// ListWorkflows returns the tenant's templates ordered by creation time.
func (s *Store) ListWorkflows(_ context.Context, tenantID string) ([]*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Workflow
	for _, wf := range s.workflows {
		if wf.TenantID == tenantID {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateRun persists a new run.
func (s *Store) CreateRun(_ context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return &errors.ConflictError{Resource: "run", ID: run.ID, Reason: "already exists"}
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// GetRun returns a value copy.
func (s *Store) GetRun(_ context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *run
	return &cp, nil
}

// UpdateRunStatus is a CAS on the run's current status. Terminal statuses
// are sticky.
func (s *Store) UpdateRunStatus(_ context.Context, id string, from, to store.RunStatus, mut *store.RunMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	if run.Status.Terminal() {
		return &errors.ConflictError{Resource: "run", ID: id, Reason: "status is terminal"}
	}
	if run.Status != from {
		return &errors.ConflictError{
			Resource: "run", ID: id,
			Reason: "status is " + string(run.Status) + ", expected " + string(from),
		}
	}
	run.Status = to
	if mut != nil {
		if mut.Output != nil {
			run.Output = mut.Output
		}
		if mut.Error != "" {
			run.Error = mut.Error
		}
		if mut.StartedAt != nil {
			run.StartedAt = mut.StartedAt
		}
		if mut.CompletedAt != nil {
			run.CompletedAt = mut.CompletedAt
		}
	}
	return nil
}

// AddRunUsage accumulates usage and returns the new totals.
func (s *Store) AddRunUsage(_ context.Context, id string, delta budget.Usage) (budget.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return budget.Usage{}, &errors.NotFoundError{Resource: "run", ID: id}
	}
	run.Usage.Add(delta)
	return run.Usage, nil
}

// RequestCancel flags the run for cancellation.
func (s *Store) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	if run.Status.Terminal() {
		return &errors.ConflictError{Resource: "run", ID: id, Reason: "status is terminal"}
	}
	run.CancelRequested = true
	return nil
}

// CreateStep persists a new execution attempt, enforcing the at-most-one
// non-terminal invariant per (run, step def).
func (s *Store) CreateStep(_ context.Context, step *store.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[step.ID]; exists {
		return &errors.ConflictError{Resource: "step", ID: step.ID, Reason: "already exists"}
	}
	for _, existing := range s.steps {
		if existing.RunID == step.RunID && existing.StepDefID == step.StepDefID && !existing.Status.Terminal() {
			return &errors.ConflictError{
				Resource: "step", ID: existing.ID,
				Reason: "another execution of " + step.StepDefID + " is not terminal",
			}
		}
	}
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

// GetStep returns a value copy of one execution.
func (s *Store) GetStep(_ context.Context, id string) (*store.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step", ID: id}
	}
	cp := *step
	return &cp, nil
}

// ListStepsByRun returns the run's executions ordered by creation.
func (s *Store) ListStepsByRun(_ context.Context, runID string) ([]*store.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.StepExecution
	for _, step := range s.steps {
		if step.RunID == runID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateStepResult writes an attempt's outcome. Terminal executions reject
// further writes with ConflictError.
func (s *Store) UpdateStepResult(_ context.Context, stepID string, attempt int, outcome store.StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	if step.Attempt != attempt {
		return &errors.ConflictError{
			Resource: "step", ID: stepID,
			Reason: "attempt mismatch",
		}
	}
	if step.Status.Terminal() {
		return &errors.ConflictError{Resource: "step", ID: stepID, Reason: "status is terminal"}
	}
	step.Status = outcome.Status
	step.Output = outcome.Output
	step.Error = outcome.Error
	step.Usage = outcome.Usage
	if outcome.StartedAt != nil {
		step.StartedAt = outcome.StartedAt
	}
	if outcome.CompletedAt != nil {
		step.CompletedAt = outcome.CompletedAt
	}
	return nil
}

// SetPolicy installs or replaces the tenant's policy.
func (s *Store) SetPolicy(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.TenantID] = &cp
	return nil
}

// GetPolicy returns the tenant's policy.
func (s *Store) GetPolicy(_ context.Context, tenantID string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "policy", ID: tenantID}
	}
	cp := *p
	return &cp, nil
}

// AppendAudit appends an event to the run's trail.
func (s *Store) AppendAudit(_ context.Context, event audit.Event) error {
	if !audit.Known(event.Action) {
		return &errors.ValidationError{Field: "action", Message: "unknown audit action " + string(event.Action)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

// ListAuditByRun returns the run's events in total order.
func (s *Store) ListAuditByRun(_ context.Context, runID string) ([]audit.Event, error) {
	s.mu.RLock()
	events := make([]audit.Event, len(s.events[runID]))
	copy(events, s.events[runID])
	s.mu.RUnlock()
	audit.SortEvents(events)
	return events, nil
}

// WithRunLease serialises fn against other leaseholders of the same run.
// Contention beyond the wait window fails with ErrLeaseBusy.
func (s *Store) WithRunLease(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	s.leaseMu.Lock()
	lease, ok := s.leases[runID]
	if !ok {
		lease = make(chan struct{}, 1)
		s.leases[runID] = lease
	}
	s.leaseMu.Unlock()

	timer := time.NewTimer(s.leaseWait)
	defer timer.Stop()

	select {
	case lease <- struct{}{}:
	case <-timer.C:
		return errors.ErrLeaseBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lease }()

	return fn(ctx)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
