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

package jq

import (
	"context"
	"reflect"
	"testing"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func TestExecute(t *testing.T) {
	e := NewExecutor(0, 0)
	data := map[string]any{
		"items": []any{
			map[string]any{"name": "a", "n": 1},
			map[string]any{"name": "b", "n": 2},
		},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"empty passthrough", "", data},
		{"field", ".items[0].name", "a"},
		{"multiple outputs collapse to array", ".items[].name", []any{"a", "b"}},
		{"object construction", "{first: .items[0].name}", map[string]any{"first": "a"}},
		{"no output", ".items[] | select(.n > 9)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Execute(context.Background(), tt.expr, data)
			if err != nil {
				t.Fatalf("Execute() = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Execute(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExecuteInputSizeCap(t *testing.T) {
	e := NewExecutor(0, 64)
	big := map[string]any{"blob": string(make([]byte, 256))}
	_, err := e.Execute(context.Background(), ".blob", big)
	if !errors.IsValidation(err) {
		t.Errorf("Execute(oversized) = %v, want ValidationError", err)
	}
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)
	if err := e.Validate(".foo | keys"); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
	if err := e.Validate(".foo |"); !errors.IsValidation(err) {
		t.Errorf("Validate(broken) = %v, want ValidationError", err)
	}
	if err := e.Validate(""); err != nil {
		t.Errorf("Validate(empty) = %v", err)
	}
}

func TestCompileCache(t *testing.T) {
	e := NewExecutor(0, 0)
	if _, err := e.Execute(context.Background(), ".x", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}
	e.mu.RLock()
	_, cached := e.cache[".x"]
	e.mu.RUnlock()
	if !cached {
		t.Error("expression not cached after Execute")
	}
}
