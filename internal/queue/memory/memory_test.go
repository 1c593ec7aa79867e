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

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
)

func env(id, stepID string) queue.Envelope {
	return queue.Envelope{
		ID: id,
		Payload: queue.Payload{
			RunID: "run_1", StepID: stepID, StepType: "llm",
			Context: queue.Context{TenantID: "ten_1"},
		},
	}
}

func TestFIFOWithinStream(t *testing.T) {
	ctx := context.Background()
	q := New()
	defer q.Close()

	for _, id := range []string{"e1", "e2", "e3"} {
		if _, err := q.Publish(ctx, env(id, "stp_"+id)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"e1", "e2", "e3"} {
		msg, err := q.Subscribe(ctx, "workers", "c1", 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil || msg.Envelope.ID != want {
			t.Fatalf("Subscribe = %+v, want envelope %s", msg, want)
		}
	}
	// Stream drained: the block window elapses empty.
	msg, err := q.Subscribe(ctx, "workers", "c1", 20*time.Millisecond)
	if err != nil || msg != nil {
		t.Errorf("Subscribe(empty) = %+v, %v", msg, err)
	}
}

func TestSubscribeWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	q := New()
	defer q.Close()

	got := make(chan *queue.Message, 1)
	go func() {
		msg, _ := q.Subscribe(ctx, "workers", "c1", time.Second)
		got <- msg
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := q.Publish(ctx, env("e1", "stp_1")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-got:
		if msg == nil || msg.Envelope.ID != "e1" {
			t.Errorf("Subscribe = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never woke")
	}
}

func TestAckAndPending(t *testing.T) {
	ctx := context.Background()
	q := New()
	defer q.Close()

	base := time.Unix(1700000000, 0)
	now := base
	q.SetClock(func() time.Time { return now })

	if _, err := q.Publish(ctx, env("e1", "stp_1")); err != nil {
		t.Fatal(err)
	}
	msg, err := q.Subscribe(ctx, "workers", "c1", 50*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("Subscribe = %+v, %v", msg, err)
	}

	// Unacked and aged: visible as pending.
	now = base.Add(time.Minute)
	pending, err := q.Pending(ctx, "workers", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Consumer != "c1" {
		t.Fatalf("Pending = %+v", pending)
	}

	if err := q.Ack(ctx, "workers", msg.ID); err != nil {
		t.Fatal(err)
	}
	pending, err = q.Pending(ctx, "workers", 0)
	if err != nil || len(pending) != 0 {
		t.Errorf("Pending after ack = %+v, %v", pending, err)
	}
	// Double ack: the message is no longer pending.
	if err := q.Ack(ctx, "workers", msg.ID); err == nil {
		t.Error("double ack succeeded")
	}
}

func TestClaimOrphans(t *testing.T) {
	ctx := context.Background()
	q := New()
	defer q.Close()

	base := time.Unix(1700000000, 0)
	now := base
	q.SetClock(func() time.Time { return now })

	if _, err := q.Publish(ctx, env("e1", "stp_1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Subscribe(ctx, "workers", "crashed", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Too fresh to claim.
	claimed, err := q.Claim(ctx, "workers", "janitor", 30*time.Second)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("Claim(fresh) = %+v, %v", claimed, err)
	}

	now = base.Add(time.Minute)
	claimed, err = q.Claim(ctx, "workers", "janitor", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].Envelope.ID != "e1" || claimed[0].Deliveries != 2 {
		t.Fatalf("Claim = %+v", claimed)
	}

	// Claiming resets idle time for the new owner.
	claimed, err = q.Claim(ctx, "workers", "janitor", 30*time.Second)
	if err != nil || len(claimed) != 0 {
		t.Errorf("Claim(just claimed) = %+v, %v", claimed, err)
	}
}

func TestIndependentGroups(t *testing.T) {
	ctx := context.Background()
	q := New()
	defer q.Close()

	if _, err := q.Publish(ctx, env("e1", "stp_1")); err != nil {
		t.Fatal(err)
	}
	for _, group := range []string{"workers", "auditors"} {
		msg, err := q.Subscribe(ctx, group, "c1", 50*time.Millisecond)
		if err != nil || msg == nil || msg.Envelope.ID != "e1" {
			t.Errorf("group %s Subscribe = %+v, %v", group, msg, err)
		}
	}
}
