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
	"log/slog"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// JanitorConsumer is the consumer name the janitor claims orphans under.
const JanitorConsumer = "janitor"

// DefaultJanitorInterval is how often the janitor sweeps for orphans.
const DefaultJanitorInterval = 30 * time.Second

// Janitor sweeps the step queue for orphaned deliveries: messages a
// worker took but never acked, idle longer than twice the step timeout.
// Each orphan's execution fails with a timeout classification (feeding
// the step's retry policy, when it has one) and the message is acked so
// it never redelivers. Blocks until ctx is cancelled.
func (k *Kernel) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.sweep(ctx)
		}
	}
}

// sweep claims and settles one batch of orphans.
func (k *Kernel) sweep(ctx context.Context) {
	minIdle := 2 * k.stepTimeout
	msgs, err := k.queue.Claim(ctx, k.group, JanitorConsumer, minIdle)
	if err != nil {
		if ctx.Err() == nil {
			k.logger.Error("janitor claim failed", log.Error(err))
		}
		return
	}
	for _, msg := range msgs {
		payload := msg.Envelope.Payload
		if payload.RunID == "" || payload.StepID == "" {
			// Undecodable entry: there is no execution to settle, and
			// redelivering it can never help. Ack it out of the stream.
			k.logger.Warn("janitor dropped undecodable queue entry",
				slog.String("message_id", msg.ID),
				slog.Int64("deliveries", msg.Deliveries))
			if err := k.queue.Ack(ctx, k.group, msg.ID); err != nil {
				k.logger.Error("janitor ack failed",
					slog.String("message_id", msg.ID),
					log.Error(err))
			}
			continue
		}
		res := StepResult{
			Status:    store.StepFailed,
			Error:     fmt.Sprintf("no result within %v, worker presumed lost", minIdle),
			ErrorCode: errors.CodeTimeout,
			Actor:     audit.ActorJanitor,
		}
		err := k.HandleStepResult(ctx, payload.RunID, payload.StepID, res)
		switch {
		case err == nil:
			k.logger.Warn("orphaned step failed by janitor",
				slog.String(log.RunIDKey, payload.RunID),
				slog.String(log.StepIDKey, payload.StepID),
				slog.Int64("deliveries", msg.Deliveries))
		case errors.IsConflict(err):
			// Settled between claim and sweep; nothing to repair.
		default:
			k.logger.Error("janitor could not settle orphan",
				slog.String(log.RunIDKey, payload.RunID),
				slog.String(log.StepIDKey, payload.StepID),
				log.Error(err))
			continue // leave unacked, retry next sweep
		}
		if err := k.queue.Ack(ctx, k.group, msg.ID); err != nil {
			k.logger.Error("janitor ack failed",
				slog.String("message_id", msg.ID),
				log.Error(err))
		}
	}
}
