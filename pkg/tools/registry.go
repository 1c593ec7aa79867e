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

package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Registry holds registered tools and their compiled argument schemas.
// Safe for concurrent use; MCP hot-reload swaps tools at runtime.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its argument schema. Duplicate names
// conflict; invalid names or schemas are ValidationErrors.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if !ValidName(name) {
		return &errors.ValidationError{
			Field:      "tool",
			Message:    "invalid tool name " + name,
			Suggestion: "tool names may use letters, digits, underscore, dot, and hyphen",
		}
	}

	var schema *jsonschema.Schema
	if doc := tool.InputSchema(); doc != nil {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", doc); err != nil {
			return &errors.ValidationError{Field: "tool " + name, Message: "invalid input schema: " + err.Error()}
		}
		compiled, err := compiler.Compile(name + ".json")
		if err != nil {
			return &errors.ValidationError{Field: "tool " + name, Message: "invalid input schema: " + err.Error()}
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return &errors.ConflictError{Resource: "tool", ID: name, Reason: "already registered"}
	}
	r.tools[name] = tool
	if schema != nil {
		r.compiled[name] = schema
	}
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return &errors.NotFoundError{Resource: "tool", ID: name}
	}
	delete(r.tools, name)
	delete(r.compiled, name)
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}
	return tool, nil
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute validates args against the tool's schema, then runs it.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if !ValidName(name) {
		return nil, &errors.ValidationError{Field: "tool", Message: "invalid tool name " + name}
	}
	r.mu.RLock()
	tool, exists := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()
	if !exists {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}
	if schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		if err := schema.Validate(normalize(args)); err != nil {
			return nil, &errors.ValidationError{
				Field:   "tool " + name,
				Message: "arguments do not match schema: " + err.Error(),
			}
		}
	}
	return tool.Execute(ctx, args)
}

// normalize rewrites Go-native values into the JSON data model the schema
// validator expects (map[string]any, []any, float64, ...).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
