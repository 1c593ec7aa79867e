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

package worker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/log"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
)

// runLLM executes an llm step: screen the prompt, pick the provider,
// complete, and account tokens and cost.
func (w *Worker) runLLM(ctx context.Context, p *queue.Payload, report *Report) {
	prompt, _ := p.Input["prompt"].(string)
	system, _ := p.Input["system_prompt"].(string)
	contextText, _ := p.Input["context"].(string)

	userText := prompt
	if contextText != "" {
		userText = contextText + "\n\n" + prompt
	}

	if w.input != nil {
		screened, err := w.input.Sanitize(userText)
		if err != nil {
			report.Status = store.StepFailed
			report.Error = err.Error()
			report.ErrorCode = errors.CodeInputRisk
			if screened != nil {
				report.Output = map[string]any{
					"risk_score": screened.RiskScore,
					"matched":    screened.Matched,
				}
			}
			return
		}
		userText = screened.Text
		if screened.RiskScore > 0 {
			w.logger.Warn("prompt risk detected",
				slog.String(log.RunIDKey, p.RunID),
				slog.Int("risk_score", screened.RiskScore),
				slog.String("matched", strings.Join(screened.Matched, ",")))
		}
	}

	provider, err := w.pickProvider(p.Input["provider"])
	if err != nil {
		fail(report, err)
		return
	}

	req := llm.Request{
		Model:     stringOf(p.Input["model"]),
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: userText}},
		MaxTokens: intOf(p.Input["max_tokens"]),
	}
	if temp, ok := floatOf(p.Input["temperature"]); ok {
		req.Temperature = &temp
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		fail(report, err)
		return
	}

	report.Status = store.StepCompleted
	report.Output = map[string]any{
		"content":       resp.Content,
		"finish_reason": string(resp.FinishReason),
		"model":         resp.Model,
	}
	report.Usage.InputTokens = resp.Usage.InputTokens
	report.Usage.OutputTokens = resp.Usage.OutputTokens
	report.Usage.TotalTokens = resp.Usage.TotalTokens

	if w.pricing != nil {
		if cents, ok := w.pricing.Cost(resp.Model, resp.Usage); ok {
			report.Usage.CostCents = cents
			if w.metrics != nil {
				w.metrics.LLMCostCents.Add(float64(cents))
			}
		}
	}
	if w.metrics != nil {
		w.metrics.LLMTokens.WithLabelValues(provider.Name(), "input").Add(float64(resp.Usage.InputTokens))
		w.metrics.LLMTokens.WithLabelValues(provider.Name(), "output").Add(float64(resp.Usage.OutputTokens))
	}
}

// pickProvider resolves the step's provider name, falling back to the
// configured default.
func (w *Worker) pickProvider(v any) (llm.Provider, error) {
	name := stringOf(v)
	if name == "" {
		name = w.defProv
	}
	if name == "" && len(w.providers) == 1 {
		for only := range w.providers {
			name = only
		}
	}
	p, ok := w.providers[name]
	if !ok {
		return nil, &errors.FatalError{Op: "llm step", Message: "no provider configured for " + name}
	}
	return p, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}
