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

// Package e2e drives the full stack through the public HTTP surface:
// workflows registered over the API, runs executed by a real worker (or
// pulled manually off the queue), outcomes asserted through the sdk.
package e2e

import (
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

// llmStep builds a minimal llm step with the given dependencies.
func llmStep(id string, deps ...string) workflow.StepDef {
	return workflow.StepDef{
		ID:   id,
		Kind: workflow.StepKindLLM,
		Config: map[string]any{
			"prompt":   "step " + id,
			"provider": "mock",
		},
		DependsOn: deps,
	}
}

// toolStep builds a tool step calling name with args.
func toolStep(id, name string, args map[string]any, deps ...string) workflow.StepDef {
	return workflow.StepDef{
		ID:   id,
		Kind: workflow.StepKindTool,
		Config: map[string]any{
			"tool": name,
			"args": args,
		},
		DependsOn: deps,
	}
}

// okUsage is the usage a manually-completed step reports.
func okUsage() sdk.Usage {
	return sdk.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
}
