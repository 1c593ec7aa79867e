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

import "net/http"

// Stable error codes surfaced in API bodies as {code, message, details}.
const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeTransient        = "transient"
	CodeTimeout          = "timeout"
	CodePolicyDenied     = "policy_denied"
	CodeApprovalRequired = "approval_required"
	CodeBudgetExceeded   = "budget_exceeded"
	CodeFatal            = "fatal"
	CodeConfig           = "config_error"
	// CodeInputRisk marks a step refused by the prompt-injection screen.
	CodeInputRisk = "input_risk"
	// CodeApprovalRejected marks a step whose approval gate was rejected.
	CodeApprovalRejected = "approval_rejected"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)

// Code classifies err into one of the stable API error codes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnauthorized(err):
		return CodeUnauthorized
	case IsValidation(err):
		return CodeValidation
	case IsNotFound(err):
		return CodeNotFound
	case IsConflict(err):
		return CodeConflict
	case IsPolicyDenied(err):
		return CodePolicyDenied
	case IsApprovalRequired(err):
		return CodeApprovalRequired
	case IsBudgetExceeded(err):
		return CodeBudgetExceeded
	case IsFatal(err):
		return CodeFatal
	case IsTransient(err):
		return CodeTransient
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePolicyDenied:
		return http.StatusForbidden
	case CodeApprovalRequired:
		return http.StatusAccepted
	case CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case CodeTransient, CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
