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

package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrLeaseBusy is returned by the store when a run lease cannot be acquired
// within the configured wait window.
var ErrLeaseBusy = errors.New("run lease busy")

// ValidationError represents user input validation failures.
// Use this for invalid workflow definitions, malformed identifiers, or
// budget limits out of range.
type ValidationError struct {
	// Field identifies which input field failed validation. For workflow
	// definitions this is the offending step id.
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "step")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a compare-and-set mismatch or a write that
// arrived after the row already settled. Surfaced verbatim to API callers.
type ConflictError struct {
	// Resource is the type of resource (e.g., "run", "step")
	Resource string

	// ID is the identifier the write targeted
	ID string

	// Reason explains the conflicting state
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: conflict: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %s: conflict", e.Resource, e.ID)
}

// TransientError represents a retryable failure: network errors,
// rate limits, 5xx responses, connection resets. Callers may retry with
// backoff; the kernel feeds exhausted transients into step-level retry.
type TransientError struct {
	// Op describes the operation that failed (e.g., "llm complete", "queue publish")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("transient failure in %s: %s", e.Op, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
	default:
		return fmt.Sprintf("transient failure in %s", e.Op)
	}
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// PolicyDeniedError represents a tool call rejected by the policy engine.
// Never retried; the step settles Failed and the run transitions
// PolicyBlocked unless on_error=continue.
type PolicyDeniedError struct {
	// Tool is the tool name the caller asked for
	Tool string

	// Rule is the matching policy entry, or "default" for deny-by-default
	Rule string

	// DecisionID correlates the error with the audited decision
	DecisionID string
}

// Error implements the error interface.
func (e *PolicyDeniedError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("policy denied tool %s (rule %s)", e.Tool, e.Rule)
	}
	return fmt.Sprintf("policy denied tool %s", e.Tool)
}

// ApprovalRequiredError suspends a step pending an external grant/reject.
type ApprovalRequiredError struct {
	// Tool is the tool name awaiting approval
	Tool string

	// ApprovalID identifies the pending approval record
	ApprovalID string
}

// Error implements the error interface.
func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("tool %s requires approval (%s)", e.Tool, e.ApprovalID)
}

// BudgetExceededError is terminal for the run: the kernel transitions the
// run to BudgetKilled and cancels outstanding steps.
type BudgetExceededError struct {
	// Dimension is the breached limit (e.g., "total_tokens", "cost_cents")
	Dimension string

	// Limit is the configured ceiling
	Limit int64

	// Actual is the usage that breached it
	Actual int64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded on %s: %d > %d", e.Dimension, e.Actual, e.Limit)
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "llm complete", "step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// FatalError represents an invariant violation or a poisoned envelope.
// Never retried; the relevant step or run transitions to Failed.
type FatalError struct {
	// Op describes where the invariant broke
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("fatal: %s: %s", e.Op, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("fatal: %s: %v", e.Op, e.Cause)
	default:
		return fmt.Sprintf("fatal: %s", e.Op)
	}
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems. Processes exit with
// code 2 when startup configuration fails.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "DATABASE_URL")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// UnauthorizedError rejects a request whose bearer credential is missing,
// malformed, or does not resolve to a tenant.
type UnauthorizedError struct {
	// Reason explains the rejection (never echoed with the credential)
	Reason string
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return "unauthorized"
}
