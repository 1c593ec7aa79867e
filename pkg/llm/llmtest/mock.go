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

// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/llm"
)

// Result scripts one Complete call: either a response or an error.
type Result struct {
	Response *llm.Response
	Err      error
}

// Mock is a scripted provider. Each Complete call consumes the next
// scripted result; once the script runs out, the last result repeats.
// Safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	script  []Result
	cursor  int
	history []llm.Request
}

// NewMock returns a provider scripted with results. With an empty script
// every call answers "ok" with small token usage.
func NewMock(results ...Result) *Mock {
	if len(results) == 0 {
		results = []Result{{Response: OK("ok")}}
	}
	return &Mock{script: results}
}

// OK builds a minimal successful response with content.
func OK(content string) *llm.Response {
	return &llm.Response{
		Content:      content,
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		Model:        "mock-model",
	}
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Complete records the request and returns the next scripted result.
func (m *Mock) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, req)
	r := m.script[m.cursor]
	if m.cursor < len(m.script)-1 {
		m.cursor++
	}
	if r.Err != nil {
		return nil, r.Err
	}
	resp := *r.Response
	return &resp, nil
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.history))
	copy(out, m.history)
	return out
}
