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

package harness

import (
	"context"
	"sync/atomic"
)

// StubTool is a scripted tool standing in for an MCP server: fixed
// result, call counter, no side effects.
type StubTool struct {
	ToolName string
	Result   any
	Schema   map[string]any

	calls atomic.Int64
}

func (t *StubTool) Name() string { return t.ToolName }

func (t *StubTool) Description() string { return "e2e stub tool " + t.ToolName }

func (t *StubTool) InputSchema() map[string]any { return t.Schema }

func (t *StubTool) Execute(_ context.Context, args map[string]any) (any, error) {
	t.calls.Add(1)
	if t.Result != nil {
		return t.Result, nil
	}
	return map[string]any{"ok": true}, nil
}

// Calls reports how many times the tool ran.
func (t *StubTool) Calls() int64 { return t.calls.Load() }
