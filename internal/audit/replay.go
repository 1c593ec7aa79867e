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

package audit

// ReplayRunStatus reconstructs a run's final status from its audit trail.
// Events are sorted first; the returned string matches the run status
// vocabulary ("created", "queued", "running", "waiting_approval", and the
// terminal status carried in the run.completed details).
func ReplayRunStatus(events []Event) string {
	SortEvents(events)
	status := ""
	for i := range events {
		e := &events[i]
		switch e.Action {
		case RunCreated:
			status = "created"
		case StepQueued:
			if status == "created" {
				status = "queued"
			}
		case StepStarted:
			if status == "queued" || status == "created" {
				status = "running"
			}
		case PolicyApprovalRequired:
			status = "waiting_approval"
		case ApprovalGranted:
			if status == "waiting_approval" {
				status = "running"
			}
		case RunCompleted:
			if s, ok := e.Details["status"].(string); ok {
				status = s
			}
		}
	}
	return status
}
