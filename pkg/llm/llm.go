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

// Package llm provides the provider-agnostic completion interface the step
// executor calls into, plus the wrappers production deployments stack on
// top of a provider: retry with backoff, a circuit breaker, and a
// per-provider rate limit.
package llm

import (
	"context"
)

// DefaultMaxTokens bounds completion length when a step does not set one.
const DefaultMaxTokens = 4096

// Provider is a single LLM backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// Complete sends a completion request and blocks until the full
	// response is available. Retryable failures are TransientErrors.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries the parameters for one completion.
type Request struct {
	// Model is the provider-specific model ID.
	Model string `json:"model"`

	// System is the system prompt, if any.
	System string `json:"system,omitempty"`

	// Messages is the conversation including the current prompt.
	Messages []Message `json:"messages"`

	// MaxTokens caps the response length (DefaultMaxTokens when zero).
	MaxTokens int64 `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness; nil keeps the provider
	// default.
	Temperature *float64 `json:"temperature,omitempty"`

	// StopSequences halt generation when encountered.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishFilter FinishReason = "content_filter"
)

// Usage is the provider-reported token consumption for one request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Response is the settled result of a completion.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// FinishReason explains why generation stopped.
	FinishReason FinishReason `json:"finish_reason"`

	// Usage is the provider-reported token consumption.
	Usage Usage `json:"usage"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// RequestID correlates with provider-side logs.
	RequestID string `json:"request_id,omitempty"`
}
