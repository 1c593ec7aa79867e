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
	"fmt"
	"sort"
	"strings"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// Validate checks structural rules for the definition and every nested
// block: unique ids, resolvable dependencies, acyclicity, known kinds, a
// valid condition grammar, and sane retry parameters. Each failure cites
// the offending step id.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "set a non-empty name",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no steps",
			Suggestion: "define at least one step",
		}
	}
	if d.OnError != OnErrorFail && d.OnError != OnErrorContinue {
		return &errors.ValidationError{
			Field:      "on_error",
			Message:    fmt.Sprintf("unknown on_error policy %q", d.OnError),
			Suggestion: `use "fail" or "continue"`,
		}
	}
	return validateBlock("", d.Steps)
}

// validateBlock validates one namespace of sibling steps. scope is the
// parent step id ("" at top level) used to qualify error fields.
func validateBlock(scope string, steps []StepDef) error {
	qualify := func(id string) string {
		if scope == "" {
			return id
		}
		return scope + "." + id
	}

	ids := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return &errors.ValidationError{
				Field:      qualify(fmt.Sprintf("steps[%d]", i)),
				Message:    "step id is required",
				Suggestion: "give every step a unique id",
			}
		}
		if ids[s.ID] {
			return &errors.ValidationError{
				Field:      qualify(s.ID),
				Message:    "duplicate step id",
				Suggestion: "step ids must be unique within their block",
			}
		}
		ids[s.ID] = true

		if !knownKinds[s.Kind] {
			return &errors.ValidationError{
				Field:      qualify(s.ID),
				Message:    fmt.Sprintf("unknown step kind %q", s.Kind),
				Suggestion: "use one of llm, tool, approval, loop, parallel, condition",
			}
		}

		if s.Condition != "" {
			if _, err := ParseCondition(s.Condition); err != nil {
				return &errors.ValidationError{
					Field:   qualify(s.ID),
					Message: fmt.Sprintf("invalid condition: %v", err),
				}
			}
		}

		if s.Retry != nil {
			if s.Retry.MaxAttempts < 1 {
				return &errors.ValidationError{
					Field:      qualify(s.ID),
					Message:    "retry.max_attempts must be at least 1",
					Suggestion: "remove the retry block to disable retries",
				}
			}
			if s.Retry.InitialDelayMS < 0 {
				return &errors.ValidationError{
					Field:   qualify(s.ID),
					Message: "retry.initial_delay_ms must not be negative",
				}
			}
		}

		if s.TimeoutMS < 0 {
			return &errors.ValidationError{
				Field:   qualify(s.ID),
				Message: "timeout_ms must not be negative",
			}
		}

		switch s.Kind {
		case StepKindLoop, StepKindParallel:
			if len(s.Steps) == 0 {
				return &errors.ValidationError{
					Field:      qualify(s.ID),
					Message:    fmt.Sprintf("%s step has no nested steps", s.Kind),
					Suggestion: "add at least one nested step",
				}
			}
			if err := validateBlock(qualify(s.ID), s.Steps); err != nil {
				return err
			}
		default:
			if len(s.Steps) > 0 {
				return &errors.ValidationError{
					Field:      qualify(s.ID),
					Message:    fmt.Sprintf("%s step must not carry nested steps", s.Kind),
					Suggestion: "nested steps are only valid for loop and parallel",
				}
			}
		}
	}

	// Dependencies resolve within the block.
	for i := range steps {
		s := &steps[i]
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &errors.ValidationError{
					Field:      qualify(s.ID),
					Message:    fmt.Sprintf("depends_on references unknown step %q", dep),
					Suggestion: "depends_on must name sibling steps in the same block",
				}
			}
			if dep == s.ID {
				return &errors.ValidationError{
					Field:   qualify(s.ID),
					Message: "step depends on itself",
				}
			}
		}
	}

	// Cycle detection: peel steps whose dependencies are all peeled. If the
	// remaining set cannot be emptied, the leftovers form a cycle.
	if cyclic := findCycle(steps); len(cyclic) > 0 {
		return &errors.ValidationError{
			Field:      qualify(strings.Join(cyclic, ", ")),
			Message:    "dependency cycle detected",
			Suggestion: "break the cycle by removing one of the depends_on edges",
		}
	}

	return nil
}

// findCycle returns the sorted ids of steps participating in a dependency
// cycle, or nil when the graph is acyclic.
func findCycle(steps []StepDef) []string {
	remaining := make(map[string][]string, len(steps))
	for i := range steps {
		remaining[steps[i].ID] = steps[i].DependsOn
	}
	for {
		var peeled []string
		for id, deps := range remaining {
			free := true
			for _, dep := range deps {
				if _, ok := remaining[dep]; ok {
					free = false
					break
				}
			}
			if free {
				peeled = append(peeled, id)
			}
		}
		if len(peeled) == 0 {
			break
		}
		for _, id := range peeled {
			delete(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	cyclic := make([]string, 0, len(remaining))
	for id := range remaining {
		cyclic = append(cyclic, id)
	}
	sort.Strings(cyclic)
	return cyclic
}
