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

// Package queue is the durable step dispatch boundary between the kernel
// and the workers: an append-only stream with named consumer groups,
// at-least-once delivery, and explicit acknowledgement. FIFO holds within
// the stream; there is no cross-stream ordering.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Envelope is the unit of dispatch. The id is minted by the publisher and
// survives redelivery; the broker's own message id is carried separately on
// Message.
type Envelope struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// Payload describes one step to execute. InputHash is the content hash of
// Input, keyed into the replay cache alongside the step definition id and
// attempt.
type Payload struct {
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	StepType  string         `json:"step_type"`
	Input     map[string]any `json:"input,omitempty"`
	InputHash string         `json:"input_hash,omitempty"`
	Context   Context        `json:"context"`
}

// Context carries tenancy and tracing across the queue hop.
type Context struct {
	TenantID     string            `json:"tenant_id"`
	AgentID      string            `json:"agent_id,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// Encode renders the envelope's JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes and validates a wire envelope. Failures are
// ValidationErrors so consumers can treat the message as poison rather
// than retry it.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &errors.ValidationError{Field: "envelope", Message: "malformed JSON: " + err.Error()}
	}
	switch {
	case e.ID == "":
		return nil, &errors.ValidationError{Field: "envelope.id", Message: "missing id"}
	case e.Payload.RunID == "":
		return nil, &errors.ValidationError{Field: "envelope.payload.run_id", Message: "missing run_id"}
	case e.Payload.StepID == "":
		return nil, &errors.ValidationError{Field: "envelope.payload.step_id", Message: "missing step_id"}
	case e.Payload.StepType == "":
		return nil, &errors.ValidationError{Field: "envelope.payload.step_type", Message: "missing step_type"}
	}
	return &e, nil
}

// Message is one delivery of an envelope: the broker message id plus the
// decoded envelope. Deliveries counts how many times the broker has handed
// the message out (1 on first delivery).
type Message struct {
	ID         string
	Envelope   Envelope
	Deliveries int64
}

// PendingInfo describes a delivered-but-unacked message, for orphan
// recovery.
type PendingInfo struct {
	MessageID  string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Queue is the durable step stream. Delivery is at-least-once: a message
// stays pending for its consumer until acked, survives consumer crashes,
// and can be claimed by another consumer once sufficiently idle.
type Queue interface {
	// Publish appends the envelope and returns the broker message id. It
	// returns only after the broker has durably accepted the append.
	Publish(ctx context.Context, env Envelope) (string, error)

	// Subscribe blocks up to block for the next unassigned envelope in the
	// group and delivers it to consumer. A nil Message with nil error means
	// the block window elapsed with nothing to deliver.
	Subscribe(ctx context.Context, group, consumer string, block time.Duration) (*Message, error)

	// Ack marks the message permanently delivered for the group.
	Ack(ctx context.Context, group, messageID string) error

	// Pending lists delivered-but-unacked messages idle at least minIdle.
	Pending(ctx context.Context, group string, minIdle time.Duration) ([]PendingInfo, error)

	// Claim transfers ownership of messages idle at least minIdle to
	// consumer and returns them for reprocessing.
	Claim(ctx context.Context, group, consumer string, minIdle time.Duration) ([]Message, error)

	// Close releases broker resources. Blocked Subscribe calls return.
	Close() error
}
