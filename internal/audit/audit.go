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

// Package audit defines the immutable audit trail: a fixed action
// vocabulary and the event record appended alongside every state change.
// Events are written through the store in the same transaction as the
// change they describe, so an event exists iff the change committed.
package audit

import (
	"sort"
	"time"
)

// Action is one entry of the fixed audit vocabulary.
type Action string

const (
	RunCreated             Action = "run.created"
	RunCompleted           Action = "run.completed"
	StepQueued             Action = "step.queued"
	StepStarted            Action = "step.started"
	StepCompleted          Action = "step.completed"
	StepFailed             Action = "step.failed"
	StepSkipped            Action = "step.skipped"
	PolicyAllowed          Action = "policy.allowed"
	PolicyApprovalRequired Action = "policy.approval_required"
	PolicyDenied           Action = "policy.denied"
	BudgetExceeded         Action = "budget.exceeded"
	ApprovalGranted        Action = "approval.granted"
	ApprovalRejected       Action = "approval.rejected"
)

// Known reports whether a is part of the vocabulary. The store rejects
// events carrying unknown actions.
func Known(a Action) bool {
	switch a {
	case RunCreated, RunCompleted, StepQueued, StepStarted, StepCompleted,
		StepFailed, StepSkipped, PolicyAllowed, PolicyApprovalRequired,
		PolicyDenied, BudgetExceeded, ApprovalGranted, ApprovalRejected:
		return true
	}
	return false
}

// Event is one audit record. Events for a run are totally ordered by
// Timestamp, ties broken by ID (IDs are time-sortable ULIDs).
type Event struct {
	ID        string         `json:"id" db:"id"`
	RunID     string         `json:"run_id" db:"run_id"`
	StepID    string         `json:"step_id,omitempty" db:"step_id"`
	Action    Action         `json:"action" db:"action"`
	Actor     string         `json:"actor" db:"actor"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Details   map[string]any `json:"details,omitempty" db:"-"`
}

// Actors for the Actor field. External approvers use their principal name.
const (
	ActorKernel = "kernel"
	ActorWorker = "worker"
	ActorAPI    = "api"
	ActorPolicy = "policy-engine"
	ActorJanitor = "janitor"
)

// SortEvents orders events by timestamp, breaking ties by id. Replay and
// API listings rely on this total order.
func SortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}
