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
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// untilCache holds compiled loop termination expressions. Loops re-evaluate
// their `until` after every iteration, so compilation cost is paid once.
var untilCache = struct {
	sync.RWMutex
	programs map[string]*vm.Program
}{programs: make(map[string]*vm.Program)}

// CompileUntil compiles a loop `until` expression. The expression sees the
// loop context (iteration index, inner step outputs) and must yield a
// boolean.
func CompileUntil(source string) (*vm.Program, error) {
	untilCache.RLock()
	prog, ok := untilCache.programs[source]
	untilCache.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile until expression: %w", err)
	}

	untilCache.Lock()
	untilCache.programs[source] = prog
	untilCache.Unlock()
	return prog, nil
}

// EvaluateUntil runs a compiled (or cached) `until` expression against the
// loop environment. Evaluation errors terminate the loop: a broken
// expression must not spin it to max_iterations.
func EvaluateUntil(source string, env map[string]any) (bool, error) {
	prog, err := CompileUntil(source)
	if err != nil {
		return true, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return true, fmt.Errorf("evaluate until expression: %w", err)
	}
	done, ok := out.(bool)
	if !ok {
		return true, fmt.Errorf("until expression yielded %T, want bool", out)
	}
	return done, nil
}

// LoopDone reports whether an inner step output signals early termination,
// i.e. carries `done: true`.
func LoopDone(output any) bool {
	m, ok := output.(map[string]any)
	if !ok {
		return false
	}
	done, ok := m["done"].(bool)
	return ok && done
}
