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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue/redisq"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	storemem "github.com/sattyamjjain/ferrumdeck-sub000/internal/store/memory"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// TestJanitorReclaimsOrphanedStep simulates a worker that took a message
// and died: the delivery ages past 2x the step timeout, the sweep fails
// the execution with a timeout classification, and the step's retry
// policy produces a fresh attempt.
func TestJanitorReclaimsOrphanedStep(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name: "orphanable",
		Steps: []workflow.StepDef{{
			ID: "fetch", Kind: workflow.StepKindTool,
			Retry: &workflow.RetryPolicy{MaxAttempts: 2, InitialDelayMS: 1},
		}},
	})
	run := h.start(wf, nil, budget.Limits{})

	// Deliver without acking: the worker crashed mid-step.
	msg, err := h.queue.Subscribe(context.Background(), DefaultQueueGroup, "dead-worker", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Subscribe() = %v, %v", msg, err)
	}

	// Age the delivery past the claim threshold (2 x 50ms step timeout).
	h.queue.SetClock(func() time.Time { return time.Now().Add(time.Minute) })
	h.kernel.sweep(context.Background())
	h.queue.SetClock(time.Now)

	acts := h.actions(run.ID)
	if !hasAction(acts, audit.StepFailed) {
		t.Fatalf("audit trail = %v, want step.failed from janitor", acts)
	}
	for _, e := range mustEvents(t, h, run.ID) {
		if e.Action == audit.StepFailed && e.Actor != audit.ActorJanitor {
			t.Errorf("step.failed actor = %s, want janitor", e.Actor)
		}
	}

	// The orphan's message was acked; the only delivery left is the retry.
	retry := h.next(2 * time.Second)
	if retry == nil {
		t.Fatal("no retry attempt after janitor sweep")
	}
	if got := retry.Envelope.Payload.Input["attempt"]; got != 2 {
		t.Fatalf("retry attempt = %v, want 2", got)
	}
	h.complete(retry, map[string]any{"ok": true}, budget.Usage{ToolCalls: 1})

	if got := h.run(run.ID).Status; got != store.RunCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

// TestJanitorSkipsSettledStep covers the race where the worker's POST
// landed between claim and sweep: the settle conflict is benign and the
// message is still acked.
func TestJanitorSkipsSettledStep(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(&workflow.Definition{
		Name:  "racy",
		Steps: []workflow.StepDef{{ID: "only", Kind: workflow.StepKindLLM}},
	})
	run := h.start(wf, nil, budget.Limits{})

	msg, err := h.queue.Subscribe(context.Background(), DefaultQueueGroup, "slow-worker", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Subscribe() = %v, %v", msg, err)
	}
	// The result arrives before the sweep runs.
	h.complete(msg, map[string]any{"late": false}, budget.Usage{})

	h.queue.SetClock(func() time.Time { return time.Now().Add(time.Minute) })
	h.kernel.sweep(context.Background())
	h.queue.SetClock(time.Now)

	final := h.run(run.ID)
	if final.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (janitor must not undo a settled run)", final.Status)
	}
	pending, err := h.queue.Pending(context.Background(), DefaultQueueGroup, 0)
	if err != nil {
		t.Fatalf("Pending() = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sweep = %v, want none", pending)
	}
}

// TestJanitorDropsUndecodableEntry feeds the sweep a stream entry whose
// envelope never decoded: there is no execution to settle, so the entry
// must be acked out of the pending list instead of reclaimed every sweep.
func TestJanitorDropsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := redisq.NewWithClient(client, "test:steps")
	t.Cleanup(func() { q.Close() })
	k := New(Config{
		Store:       storemem.New(),
		Queue:       q,
		IDs:         ident.New(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		StepTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(k.Close)

	// A corrupted entry lands on the stream and is delivered to a worker
	// that can do nothing with it.
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:steps",
		Values: map[string]any{"envelope": "{not an envelope"},
	}).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Subscribe(ctx, DefaultQueueGroup, "doomed-worker", time.Second); err == nil {
		t.Fatal("Subscribe decoded a corrupted entry")
	}

	mr.SetTime(time.Now().Add(time.Minute))
	k.sweep(ctx)

	pending, err := q.Pending(ctx, DefaultQueueGroup, 0)
	if err != nil {
		t.Fatalf("Pending() = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after sweep = %+v, want the entry dropped", pending)
	}
}

func mustEvents(t *testing.T, h *harness, runID string) []audit.Event {
	t.Helper()
	events, err := h.store.ListAuditByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListAuditByRun() = %v", err)
	}
	return events
}
