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

// Package anthropic adapts the Anthropic Messages API to the llm.Provider
// interface.
package anthropic

import (
	"context"
	stderrors "errors"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
)

// DefaultModel is used when a step does not name one.
const DefaultModel = "claude-3-5-sonnet-20241022"

// Provider is the Anthropic llm.Provider.
type Provider struct {
	client anthropicsdk.Client
}

// New returns a provider authenticated with apiKey. Extra request options
// (base URL overrides, custom HTTP clients in tests) append to the
// defaults.
func New(apiKey string, opts ...option.RequestOption) (*Provider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{Key: "ANTHROPIC_API_KEY", Reason: "API key is required"}
	}
	options := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Provider{client: anthropicsdk.NewClient(options...)}, nil
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Complete sends the request to the Messages API.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{Field: "messages", Message: "completion request must have at least one message"}
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  make([]anthropicsdk.MessageParam, 0, len(req.Messages)),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropicsdk.Float(*req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	for _, m := range req.Messages {
		block := anthropicsdk.NewTextBlock(m.Content)
		switch m.Role {
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, anthropicsdk.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, anthropicsdk.NewUserMessage(block))
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}

	var content string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			content += text.Text
		}
	}

	usage := llm.Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		TotalTokens:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	return &llm.Response{
		Content:      content,
		FinishReason: finishReason(msg.StopReason),
		Usage:        usage,
		Model:        string(msg.Model),
		RequestID:    msg.ID,
	}, nil
}

func finishReason(stop anthropicsdk.StopReason) llm.FinishReason {
	switch stop {
	case anthropicsdk.StopReasonMaxTokens:
		return llm.FinishLength
	case anthropicsdk.StopReasonRefusal:
		return llm.FinishFilter
	default:
		return llm.FinishStop
	}
}

// mapError classifies SDK failures: 429 and 5xx are retryable, everything
// else settles the attempt.
func mapError(err error) error {
	var apiErr *anthropicsdk.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return &errors.TransientError{Op: "llm complete", Cause: err}
		case apiErr.StatusCode == http.StatusBadRequest:
			return &errors.ValidationError{Field: "request", Message: err.Error()}
		default:
			return &errors.FatalError{Op: "llm complete", Cause: err}
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return err
	}
	// Connection-level failures without an HTTP status are retryable.
	return &errors.TransientError{Op: "llm complete", Cause: err}
}
