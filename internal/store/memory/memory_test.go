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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func newRun(id string) *store.Run {
	return &store.Run{
		ID:         id,
		TenantID:   "ten_1",
		WorkflowID: "wfr_1",
		Status:     store.RunCreated,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestRunStatusCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.CreateRun(ctx, newRun("run_1")); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateRunStatus(ctx, "run_1", store.RunCreated, store.RunQueued, nil); err != nil {
		t.Fatalf("CAS created->queued = %v", err)
	}
	// CAS mismatch
	if err := s.UpdateRunStatus(ctx, "run_1", store.RunCreated, store.RunRunning, nil); !fderrors.IsConflict(err) {
		t.Errorf("CAS mismatch = %v, want ConflictError", err)
	}
	if err := s.UpdateRunStatus(ctx, "run_1", store.RunQueued, store.RunRunning, nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := s.UpdateRunStatus(ctx, "run_1", store.RunRunning, store.RunCompleted, &store.RunMutation{CompletedAt: &now}); err != nil {
		t.Fatal(err)
	}

	// Terminal status is sticky.
	if err := s.UpdateRunStatus(ctx, "run_1", store.RunCompleted, store.RunRunning, nil); !fderrors.IsConflict(err) {
		t.Errorf("write after terminal = %v, want ConflictError", err)
	}
	run, err := s.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunCompleted || run.CompletedAt == nil {
		t.Errorf("run = %+v", run)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetRun(context.Background(), "run_missing"); !fderrors.IsNotFound(err) {
		t.Errorf("GetRun(missing) = %v, want NotFoundError", err)
	}
}

func TestStepNonTerminalInvariant(t *testing.T) {
	ctx := context.Background()
	s := New()
	mk := func(id string, attempt int) *store.StepExecution {
		return &store.StepExecution{
			ID: id, RunID: "run_1", StepDefID: "analyze",
			Attempt: attempt, Status: store.StepPending, CreatedAt: time.Now().UTC(),
		}
	}

	if err := s.CreateStep(ctx, mk("stp_1", 1)); err != nil {
		t.Fatal(err)
	}
	// Second non-terminal execution of the same def is rejected.
	if err := s.CreateStep(ctx, mk("stp_2", 2)); !fderrors.IsConflict(err) {
		t.Errorf("CreateStep(duplicate non-terminal) = %v, want ConflictError", err)
	}

	// Settle attempt 1, then attempt 2 is accepted.
	if err := s.UpdateStepResult(ctx, "stp_1", 1, store.StepOutcome{Status: store.StepFailed, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateStep(ctx, mk("stp_2", 2)); err != nil {
		t.Errorf("CreateStep(after settle) = %v", err)
	}
}

func TestLateResultRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	step := &store.StepExecution{
		ID: "stp_1", RunID: "run_1", StepDefID: "a",
		Attempt: 1, Status: store.StepRunning, CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStepResult(ctx, "stp_1", 1, store.StepOutcome{Status: store.StepFailed, Error: "timeout"}); err != nil {
		t.Fatal(err)
	}
	// A success arriving after the timeout settled the step conflicts.
	err := s.UpdateStepResult(ctx, "stp_1", 1, store.StepOutcome{Status: store.StepCompleted, Output: "late"})
	if !fderrors.IsConflict(err) {
		t.Errorf("late result = %v, want ConflictError", err)
	}
	// Attempt mismatch conflicts too.
	if err := s.UpdateStepResult(ctx, "stp_1", 2, store.StepOutcome{Status: store.StepCompleted}); !fderrors.IsConflict(err) {
		t.Errorf("attempt mismatch = %v, want ConflictError", err)
	}
}

func TestAddRunUsage(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.CreateRun(ctx, newRun("run_1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.AddRunUsage(ctx, "run_1", budget.Usage{InputTokens: 80, OutputTokens: 40, TotalTokens: 120})
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalTokens != 120 {
		t.Errorf("usage = %+v", got)
	}
	got, err = s.AddRunUsage(ctx, "run_1", budget.Usage{ToolCalls: 1})
	if err != nil || got.ToolCalls != 1 || got.TotalTokens != 120 {
		t.Errorf("usage = %+v, err = %v", got, err)
	}
}

func TestAuditOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Unix(1700000000, 0).UTC()
	events := []audit.Event{
		{ID: "evt_B", RunID: "run_1", Action: audit.StepQueued, Timestamp: base.Add(time.Millisecond)},
		{ID: "evt_C", RunID: "run_1", Action: audit.StepStarted, Timestamp: base.Add(time.Millisecond)},
		{ID: "evt_A", RunID: "run_1", Action: audit.RunCreated, Timestamp: base},
	}
	for _, e := range events {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListAuditByRun(ctx, "run_1")
	if err != nil {
		t.Fatal(err)
	}
	wantIDs := []string{"evt_A", "evt_B", "evt_C"}
	for i, e := range got {
		if e.ID != wantIDs[i] {
			t.Errorf("events[%d] = %s, want %s", i, e.ID, wantIDs[i])
		}
	}

	// Unknown actions are rejected.
	err = s.AppendAudit(ctx, audit.Event{ID: "evt_X", RunID: "run_1", Action: "made.up"})
	if !fderrors.IsValidation(err) {
		t.Errorf("AppendAudit(unknown action) = %v, want ValidationError", err)
	}
}

func TestRunLease(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetLeaseWait(50 * time.Millisecond)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithRunLease(ctx, "run_1", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// Contention within the wait window fails with ErrLeaseBusy.
	err := s.WithRunLease(ctx, "run_1", func(context.Context) error { return nil })
	if !fderrors.Is(err, fderrors.ErrLeaseBusy) {
		t.Errorf("contended lease = %v, want ErrLeaseBusy", err)
	}

	// A different run's lease is independent.
	if err := s.WithRunLease(ctx, "run_2", func(context.Context) error { return nil }); err != nil {
		t.Errorf("independent lease = %v", err)
	}

	close(release)
	// After release the lease is acquirable again.
	deadline := time.After(time.Second)
	for {
		if err := s.WithRunLease(ctx, "run_1", func(context.Context) error { return nil }); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("lease never released")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
