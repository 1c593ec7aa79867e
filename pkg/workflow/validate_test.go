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

package workflow

import (
	"strings"
	"testing"

	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func validDefinition() *Definition {
	def := &Definition{
		Name: "test",
		Steps: []StepDef{
			{ID: "a", Kind: StepKindLLM},
			{ID: "b", Kind: StepKindLLM, DependsOn: []string{"a"}},
		},
	}
	def.ApplyDefaults()
	return def
}

func TestValidateAccepts(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantID  string
		wantMsg string
	}{
		{
			name: "duplicate step id",
			mutate: func(d *Definition) {
				d.Steps = append(d.Steps, StepDef{ID: "a", Kind: StepKindLLM})
			},
			wantID:  "a",
			wantMsg: "duplicate",
		},
		{
			name: "dangling depends_on",
			mutate: func(d *Definition) {
				d.Steps[1].DependsOn = []string{"ghost"}
			},
			wantID:  "b",
			wantMsg: "unknown step",
		},
		{
			name: "unknown kind",
			mutate: func(d *Definition) {
				d.Steps[0].Kind = "quantum"
			},
			wantID:  "a",
			wantMsg: "unknown step kind",
		},
		{
			name: "self dependency",
			mutate: func(d *Definition) {
				d.Steps[0].DependsOn = []string{"a"}
			},
			wantID:  "a",
			wantMsg: "depends on itself",
		},
		{
			name: "cycle",
			mutate: func(d *Definition) {
				d.Steps[0].DependsOn = []string{"b"}
			},
			wantMsg: "cycle",
		},
		{
			name: "bad condition",
			mutate: func(d *Definition) {
				d.Steps[0].Condition = "$.x ~= 3"
			},
			wantID:  "a",
			wantMsg: "invalid condition",
		},
		{
			name: "retry attempts below one",
			mutate: func(d *Definition) {
				d.Steps[0].Retry = &RetryPolicy{MaxAttempts: 0}
			},
			wantID:  "a",
			wantMsg: "max_attempts",
		},
		{
			name: "loop without nested steps",
			mutate: func(d *Definition) {
				d.Steps[0].Kind = StepKindLoop
			},
			wantID:  "a",
			wantMsg: "no nested steps",
		},
		{
			name: "nested steps on llm",
			mutate: func(d *Definition) {
				d.Steps[0].Steps = []StepDef{{ID: "inner", Kind: StepKindLLM}}
			},
			wantID:  "a",
			wantMsg: "nested steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := def.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			var verr *fderrors.ValidationError
			if !fderrors.IsValidation(err) || !asValidation(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if tt.wantID != "" && !strings.Contains(verr.Field, tt.wantID) {
				t.Errorf("error field %q does not cite step %q", verr.Field, tt.wantID)
			}
			if !strings.Contains(strings.ToLower(verr.Message), tt.wantMsg) {
				t.Errorf("error message %q does not contain %q", verr.Message, tt.wantMsg)
			}
		})
	}
}

func TestValidateCycleCitesAllMembers(t *testing.T) {
	def := &Definition{
		Name:    "cycle",
		OnError: OnErrorFail,
		Steps: []StepDef{
			{ID: "A", Kind: StepKindLLM, DependsOn: []string{"B"}},
			{ID: "B", Kind: StepKindLLM, DependsOn: []string{"A"}},
		},
	}
	err := def.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want cycle error")
	}
	var verr *fderrors.ValidationError
	if !asValidation(err, &verr) {
		t.Fatalf("Validate() = %T, want *ValidationError", err)
	}
	for _, id := range []string{"A", "B"} {
		if !strings.Contains(verr.Field, id) {
			t.Errorf("cycle error field %q missing member %q", verr.Field, id)
		}
	}
}

func TestValidateNestedNamespace(t *testing.T) {
	// Nested ids may shadow top-level ids; they share the parent's namespace
	// only within the nested block.
	def := &Definition{
		Name:    "nested",
		OnError: OnErrorFail,
		Steps: []StepDef{
			{ID: "fetch", Kind: StepKindLLM},
			{
				ID:   "refine",
				Kind: StepKindLoop,
				Steps: []StepDef{
					{ID: "fetch", Kind: StepKindTool},
					{ID: "check", Kind: StepKindCondition, DependsOn: []string{"fetch"}},
				},
			},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	// A nested depends_on cannot reach outside its block.
	def.Steps[1].Steps[1].DependsOn = []string{"refine"}
	if err := def.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for cross-namespace dependency")
	}
}

func asValidation(err error, out **fderrors.ValidationError) bool {
	v, ok := err.(*fderrors.ValidationError)
	if ok {
		*out = v
	}
	return ok
}
