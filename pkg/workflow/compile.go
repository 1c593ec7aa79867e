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

import "sort"

// Layer is a maximal set of step definitions with no dependencies among
// themselves. Steps within a layer may run in any order (or concurrently);
// layers run in sequence.
type Layer []StepDef

// IDs returns the step ids of the layer in their stored (ascending) order.
func (l Layer) IDs() []string {
	ids := make([]string, len(l))
	for i := range l {
		ids[i] = l[i].ID
	}
	return ids
}

// Plan is the compiled, layered form of a workflow definition. Every step
// appears in exactly one layer, and every dependency of a step in layer k
// lies in some layer < k.
type Plan struct {
	Workflow *Definition
	Layers   []Layer
}

// StepIDs flattens the plan back to the full step-id set, layer by layer.
func (p *Plan) StepIDs() []string {
	var ids []string
	for _, layer := range p.Layers {
		ids = append(ids, layer.IDs()...)
	}
	return ids
}

// LayerOf returns the index of the layer containing the given step id,
// or -1 when the id is not in the plan.
func (p *Plan) LayerOf(id string) int {
	for k, layer := range p.Layers {
		for i := range layer {
			if layer[i].ID == id {
				return k
			}
		}
	}
	return -1
}

// Compile validates the definition and produces its layered plan. The
// topological choice is deterministic: within a layer, steps are ordered
// by id ascending.
func Compile(def *Definition) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	layers := layerSteps(def.Steps)
	return &Plan{Workflow: def, Layers: layers}, nil
}

// CompileBlock layers a nested block (loop or parallel body). The block is
// assumed validated as part of the parent definition.
func CompileBlock(steps []StepDef) []Layer {
	return layerSteps(steps)
}

// layerSteps peels the graph into layers: layer k holds every step whose
// dependencies were all placed in layers < k. Validation guarantees the
// peel terminates.
func layerSteps(steps []StepDef) []Layer {
	byID := make(map[string]*StepDef, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	placed := make(map[string]bool, len(steps))
	var layers []Layer
	for len(placed) < len(steps) {
		var ready []string
		for i := range steps {
			s := &steps[i]
			if placed[s.ID] {
				continue
			}
			ok := true
			for _, dep := range s.DependsOn {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s.ID)
			}
		}
		if len(ready) == 0 {
			// Unreachable after Validate; a cycle would have been rejected.
			break
		}
		sort.Strings(ready)
		layer := make(Layer, 0, len(ready))
		for _, id := range ready {
			layer = append(layer, *byID[id])
			placed[id] = true
		}
		layers = append(layers, layer)
	}
	return layers
}
