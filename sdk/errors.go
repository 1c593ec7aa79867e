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

package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	// Status is the HTTP status code.
	Status int
	// Code is the machine-readable error code ("not_found",
	// "budget_exceeded", ...).
	Code string
	// Message is the human-readable description.
	Message string
	// Details carries code-specific context (field names, budget
	// dimensions).
	Details map[string]any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// decodeAPIError reads resp's body as the error envelope, falling back to
// the raw body when the server (or an intermediary) sent something else.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Code != "" {
		apiErr.Code = envelope.Code
		apiErr.Message = envelope.Message
		apiErr.Details = envelope.Details
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsNotFound reports whether err is a not_found API error.
func IsNotFound(err error) bool { return hasCode(err, "not_found") }

// IsConflict reports whether err is a conflict API error, e.g. a
// duplicate step result.
func IsConflict(err error) bool { return hasCode(err, "conflict") }

// IsValidation reports whether err is a validation_error API error.
func IsValidation(err error) bool { return hasCode(err, "validation_error") }

// IsPolicyDenied reports whether err is a policy_denied API error.
func IsPolicyDenied(err error) bool { return hasCode(err, "policy_denied") }

// IsBudgetExceeded reports whether err is a budget_exceeded API error.
func IsBudgetExceeded(err error) bool { return hasCode(err, "budget_exceeded") }

// IsUnauthorized reports whether err is an unauthorized API error.
func IsUnauthorized(err error) bool { return hasCode(err, "unauthorized") }
