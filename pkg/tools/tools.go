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

// Package tools provides the registry the step executor resolves tool
// calls through. Each tool carries a JSON Schema for its arguments; the
// registry compiles the schema at registration and validates every call
// against it before execution.
package tools

import (
	"context"
	"regexp"
)

// nameRE is the allowed tool-name charset. Names outside it are rejected
// at registration and again on execution (defence against LLM-composed
// tool names).
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidName reports whether name uses only the allowed charset.
func ValidName(name string) bool {
	return name != "" && nameRE.MatchString(name)
}

// Tool is one callable function exposed to workflow steps.
type Tool interface {
	// Name returns the unique identifier (e.g., "fs.read_file",
	// "github.list_repos" for MCP-backed tools).
	Name() string

	// Description explains what the tool does, surfaced to operators.
	Description() string

	// InputSchema returns the JSON Schema for the tool's arguments as a
	// decoded document. A nil schema accepts any arguments.
	InputSchema() map[string]any

	// Execute runs the tool. Output is JSON-representable.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args map[string]any) (any, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.ToolDescription }

// InputSchema implements Tool.
func (f *Func) InputSchema() map[string]any { return f.Schema }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
