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

// Package openai adapts the OpenAI chat completions API to the
// llm.Provider interface.
package openai

import (
	"context"
	stderrors "errors"
	"net/http"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
)

// DefaultModel is used when a step does not name one.
const DefaultModel = "gpt-4o-mini"

// Provider is the OpenAI llm.Provider.
type Provider struct {
	client *openaisdk.Client
}

// New returns a provider authenticated with apiKey. baseURL overrides the
// API endpoint (OpenAI-compatible gateways, test servers); empty keeps the
// default.
func New(apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{Key: "OPENAI_API_KEY", Reason: "API key is required"}
	}
	cfg := openaisdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{client: openaisdk.NewClientWithConfig(cfg)}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Complete sends the request to the chat completions API.
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

	apiReq := openaisdk.ChatCompletionRequest{
		Model:     model,
		MaxTokens: int(maxTokens),
		Stop:      req.StopSequences,
	}
	if req.Temperature != nil {
		apiReq.Temperature = float32(*req.Temperature)
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, openaisdk.ChatCompletionMessage{
			Role: openaisdk.ChatMessageRoleSystem, Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openaisdk.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = openaisdk.ChatMessageRoleAssistant
		}
		apiReq.Messages = append(apiReq.Messages, openaisdk.ChatCompletionMessage{
			Role: role, Content: m.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &errors.FatalError{Op: "llm complete", Message: "response carried no choices"}
	}
	choice := resp.Choices[0]

	return &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: finishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:  int64(resp.Usage.TotalTokens),
		},
		Model:     resp.Model,
		RequestID: resp.ID,
	}, nil
}

func finishReason(reason openaisdk.FinishReason) llm.FinishReason {
	switch reason {
	case openaisdk.FinishReasonLength:
		return llm.FinishLength
	case openaisdk.FinishReasonContentFilter:
		return llm.FinishFilter
	default:
		return llm.FinishStop
	}
}

// mapError classifies SDK failures: 429 and 5xx are retryable, everything
// else settles the attempt.
func mapError(err error) error {
	var apiErr *openaisdk.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500:
			return &errors.TransientError{Op: "llm complete", Cause: err}
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return &errors.ValidationError{Field: "request", Message: err.Error()}
		default:
			return &errors.FatalError{Op: "llm complete", Cause: err}
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return err
	}
	return &errors.TransientError{Op: "llm complete", Cause: err}
}
