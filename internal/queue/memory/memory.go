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

// Package memory is the in-process queue used by tests and single-node
// development. It mirrors the consumer-group semantics of the stream
// broker: per-group cursors, per-message pending state, idle-based claims.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

type entry struct {
	id  uint64
	env queue.Envelope
}

type pending struct {
	entry       *entry
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type group struct {
	cursor  int                 // index of the next undelivered entry
	pending map[uint64]*pending // keyed by entry id
}

// Queue is an in-memory queue.Queue implementation.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	groups  map[string]*group
	nextID  uint64
	signal  chan struct{}
	closed  bool

	// now is swappable so tests can age pending messages.
	now func() time.Time
}

// New returns an empty in-memory queue.
func New() *Queue {
	return &Queue{
		groups: make(map[string]*group),
		nextID: 1,
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// SetClock overrides the idle clock (tests).
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) group(name string) *group {
	g, ok := q.groups[name]
	if !ok {
		g = &group{pending: make(map[uint64]*pending)}
		q.groups[name] = g
	}
	return g
}

// Publish appends the envelope.
func (q *Queue) Publish(_ context.Context, env queue.Envelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", &errors.FatalError{Op: "queue publish", Cause: errClosed}
	}
	e := &entry{id: q.nextID, env: env}
	q.nextID++
	q.entries = append(q.entries, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return formatID(e.id), nil
}

// Subscribe delivers the next unassigned envelope for the group, blocking
// up to block.
func (q *Queue) Subscribe(ctx context.Context, groupName, consumer string, block time.Duration) (*queue.Message, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, &errors.FatalError{Op: "queue subscribe", Cause: errClosed}
		}
		g := q.group(groupName)
		if g.cursor < len(q.entries) {
			e := q.entries[g.cursor]
			g.cursor++
			g.pending[e.id] = &pending{entry: e, consumer: consumer, deliveredAt: q.now(), deliveries: 1}
			q.mu.Unlock()
			return &queue.Message{ID: formatID(e.id), Envelope: e.env, Deliveries: 1}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.signal:
		}
	}
}

// Ack removes the message from the group's pending set.
func (q *Queue) Ack(_ context.Context, groupName, messageID string) error {
	id, err := parseID(messageID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.group(groupName)
	if _, ok := g.pending[id]; !ok {
		return &errors.NotFoundError{Resource: "pending message", ID: messageID}
	}
	delete(g.pending, id)
	return nil
}

// Pending lists unacked messages idle at least minIdle, oldest first.
func (q *Queue) Pending(_ context.Context, groupName string, minIdle time.Duration) ([]queue.PendingInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.group(groupName)
	now := q.now()

	var out []queue.PendingInfo
	for id, p := range g.pending {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		out = append(out, queue.PendingInfo{
			MessageID:  formatID(id),
			Consumer:   p.consumer,
			Idle:       idle,
			Deliveries: p.deliveries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// Claim reassigns sufficiently idle pending messages to consumer and
// returns them, oldest first.
func (q *Queue) Claim(_ context.Context, groupName, consumer string, minIdle time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.group(groupName)
	now := q.now()

	var claimed []*pending
	for _, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			claimed = append(claimed, p)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].entry.id < claimed[j].entry.id })

	out := make([]queue.Message, 0, len(claimed))
	for _, p := range claimed {
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, queue.Message{
			ID:         formatID(p.entry.id),
			Envelope:   p.entry.env,
			Deliveries: p.deliveries,
		})
	}
	return out, nil
}

// Close wakes blocked subscribers and rejects further operations.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

var errClosed = fmt.Errorf("queue is closed")

func formatID(id uint64) string { return fmt.Sprintf("%d-0", id) }

func parseID(s string) (uint64, error) {
	var id uint64
	var seq int
	if _, err := fmt.Sscanf(s, "%d-%d", &id, &seq); err != nil {
		return 0, &errors.ValidationError{Field: "message_id", Message: "malformed message id " + s}
	}
	return id, nil
}
