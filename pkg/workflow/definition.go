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

// Package workflow defines declarative workflow templates: directed acyclic
// graphs of steps (LLM invocations, tool calls, approval gates, loops,
// parallel fan-outs), their validation, and compilation into a layered
// execution plan.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StepKind identifies how a step is executed.
type StepKind string

const (
	// StepKindLLM invokes an LLM provider with a composed prompt.
	StepKindLLM StepKind = "llm"
	// StepKindTool calls a registered (MCP) tool, subject to policy.
	StepKindTool StepKind = "tool"
	// StepKindApproval pauses the run until an external grant/reject.
	StepKindApproval StepKind = "approval"
	// StepKindLoop runs its nested steps repeatedly up to max_iterations.
	StepKindLoop StepKind = "loop"
	// StepKindParallel fans out its nested steps concurrently and joins on all.
	StepKindParallel StepKind = "parallel"
	// StepKindCondition evaluates its condition and records the result.
	StepKindCondition StepKind = "condition"
)

// knownKinds is the closed set of step kinds the compiler accepts.
var knownKinds = map[StepKind]bool{
	StepKindLLM:       true,
	StepKindTool:      true,
	StepKindApproval:  true,
	StepKindLoop:      true,
	StepKindParallel:  true,
	StepKindCondition: true,
}

// OnErrorPolicy controls how a run reacts to a failed step.
type OnErrorPolicy string

const (
	// OnErrorFail stops the run with status Failed on the first failed step.
	OnErrorFail OnErrorPolicy = "fail"
	// OnErrorContinue keeps releasing steps whose dependencies settled.
	OnErrorContinue OnErrorPolicy = "continue"
)

// DefaultStepTimeout applies when a StepDef carries no timeout_ms.
const DefaultStepTimeout = 30 * time.Second

// DefaultMaxIterations bounds loops that declare none of their own.
const DefaultMaxIterations = 10

// RetryPolicy describes scheduler-side retries for a failed step.
// Delays follow initial_delay_ms × backoff_multiplier^(attempt-1).
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMS    int64   `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// Delay returns the backoff before the given attempt (attempt ≥ 2).
// Jitter is applied by the caller.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelayMS)
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 1; i < attempt-1; i++ {
		d *= mult
	}
	return time.Duration(d) * time.Millisecond
}

// StepDef is one node of the workflow graph.
type StepDef struct {
	// ID is unique within its namespace (top level or one nested block).
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kind selects the executor: llm, tool, approval, loop, parallel, condition.
	Kind StepKind `json:"kind" yaml:"kind"`

	// Config is the kind-specific configuration, passed opaquely to the
	// executor (model/prompt for llm, tool name and arguments for tool, ...).
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// DependsOn lists sibling step ids that must settle first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Condition is a single comparison evaluated against the run context;
	// false skips the step. Empty means always run.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// TimeoutMS bounds one execution attempt. Zero means DefaultStepTimeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// Retry enables scheduler-side retries on failure.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Steps are the nested definitions of loop and parallel steps. Nested
	// ids share the parent's namespace only within this block.
	Steps []StepDef `json:"steps,omitempty" yaml:"steps,omitempty"`

	// MaxIterations bounds a loop step. Zero falls back to the workflow
	// default, then DefaultMaxIterations.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Until is an optional loop termination expression evaluated after each
	// iteration against the loop context.
	Until string `json:"until,omitempty" yaml:"until,omitempty"`

	// Transform is an optional jq expression applied to the step output
	// before it enters the run context.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Timeout returns the effective per-attempt timeout.
func (s *StepDef) Timeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return DefaultStepTimeout
}

// Definition is a workflow template.
type Definition struct {
	Name        string        `json:"name" yaml:"name"`
	Version     string        `json:"version,omitempty" yaml:"version,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDef     `json:"steps" yaml:"steps"`
	MaxIterations int         `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	OnError     OnErrorPolicy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// Step returns the top-level StepDef with the given id, or nil.
func (d *Definition) Step(id string) *StepDef {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ApplyDefaults fills zero values: the on_error policy and the loop
// iteration bound. The Parse helpers call it; callers decoding a
// Definition themselves must apply defaults before Validate.
func (d *Definition) ApplyDefaults() {
	if d.OnError == "" {
		d.OnError = OnErrorFail
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
}

// ParseDefinition parses a YAML (or JSON; YAML is a superset) workflow
// definition, applies defaults, and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionJSON parses a JSON workflow definition, applies defaults,
// and validates it. API requests use this path.
func ParseDefinitionJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// FromMap builds a Definition from an already-decoded JSON object,
// applying defaults and validating.
func FromMap(m map[string]any) (*Definition, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return ParseDefinitionJSON(raw)
}
