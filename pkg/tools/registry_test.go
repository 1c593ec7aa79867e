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
	"testing"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func echoTool(name string) *Func {
	return &Func{
		ToolName:        name,
		ToolDescription: "echoes its arguments",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"count":   map[string]any{"type": "integer", "minimum": float64(0)},
			},
			"required": []any{"message"},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("util.echo")); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), "util.echo", map[string]any{"message": "hi", "count": 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.(map[string]any)["message"]; got != "hi" {
		t.Errorf("output = %+v", out)
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("util.echo")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{"count": 1}},
		{"wrong type", map[string]any{"message": 42}},
		{"violates minimum", map[string]any{"message": "hi", "count": -1}},
		{"nil args with required field", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Execute(context.Background(), "util.echo", tt.args); !errors.IsValidation(err) {
				t.Errorf("Execute(%+v) = %v, want ValidationError", tt.args, err)
			}
		})
	}
}

func TestRegisterRejectsBadNames(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"", "has space", "semi;colon", "back`tick", "new\nline"} {
		tool := echoTool("x")
		tool.ToolName = name
		if err := r.Register(tool); !errors.IsValidation(err) {
			t.Errorf("Register(%q) = %v, want ValidationError", name, err)
		}
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("util.echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool("util.echo")); !errors.IsConflict(err) {
		t.Errorf("duplicate Register = %v, want ConflictError", err)
	}
}

func TestUnknownToolNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "util.missing", nil); !errors.IsNotFound(err) {
		t.Errorf("Execute(missing) = %v, want NotFoundError", err)
	}
	if err := r.Unregister("util.missing"); !errors.IsNotFound(err) {
		t.Errorf("Unregister(missing) = %v, want NotFoundError", err)
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c.tool", "a.tool", "b.tool"} {
		tool := echoTool(name)
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	got := r.List()
	want := []string{"a.tool", "b.tool", "c.tool"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List = %v, want %v", got, want)
		}
	}
}
