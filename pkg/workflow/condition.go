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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Context is the data a condition is evaluated against: the run input under
// "input", each completed step's output under its step id, and run-scoped
// variables under "variables".
type Context map[string]any

// NewContext builds an evaluation context from the run input and variables.
func NewContext(input, variables map[string]any) Context {
	ctx := Context{}
	if input != nil {
		ctx["input"] = input
	}
	if variables != nil {
		ctx["variables"] = variables
	}
	return ctx
}

// SetStepOutput records a completed step's output under its step id.
func (c Context) SetStepOutput(stepID string, output any) {
	c[stepID] = output
}

// CompareOp is a condition comparison operator.
type CompareOp string

const (
	OpEqual        CompareOp = "=="
	OpNotEqual     CompareOp = "!="
	OpLessEqual    CompareOp = "<="
	OpGreaterEqual CompareOp = ">="
)

// Condition is one parsed comparison `lhs OP rhs`. lhs is a JSON path
// rooted at "$"; rhs is a boolean, integer, or quoted-string literal.
type Condition struct {
	Path    []segment
	Op      CompareOp
	Literal any // bool, int64, or string
	Source  string
}

// segment is one step of a JSON path: a field name and optionally an index
// into the value at that field.
type segment struct {
	field    string
	index    int
	hasIndex bool
}

// ParseCondition parses a condition expression. The grammar is a single
// comparison; compound boolean expressions are intentionally rejected.
func ParseCondition(expr string) (*Condition, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("empty condition")
	}

	op, idx := findOperator(s)
	if op == "" {
		return nil, fmt.Errorf("no comparison operator in %q (expected ==, !=, <=, or >=)", expr)
	}

	lhs := strings.TrimSpace(s[:idx])
	rhs := strings.TrimSpace(s[idx+len(op):])
	if lhs == "" || rhs == "" {
		return nil, fmt.Errorf("incomplete comparison in %q", expr)
	}

	path, err := parsePath(lhs)
	if err != nil {
		return nil, err
	}
	lit, err := parseLiteral(rhs)
	if err != nil {
		return nil, err
	}
	return &Condition{Path: path, Op: op, Literal: lit, Source: expr}, nil
}

// findOperator scans left to right for the first comparison operator
// outside quoted text, so a literal like "a==b" never splits the
// expression. Returns the operator and its byte offset, or "" when the
// expression has none.
func findOperator(s string) (CompareOp, int) {
	var quote byte
	for i := 0; i+1 < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '=', '!', '<', '>':
			if s[i+1] != '=' {
				continue
			}
			switch op := CompareOp(s[i : i+2]); op {
			case OpEqual, OpNotEqual, OpLessEqual, OpGreaterEqual:
				return op, i
			}
		}
	}
	return "", -1
}

// parsePath parses "$.a.b[3].c" into segments. The leading "$." is required.
func parsePath(s string) ([]segment, error) {
	if s == "$" {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(s, "$.")
	if !ok {
		return nil, fmt.Errorf("path %q must start with $.", s)
	}
	parts := strings.Split(rest, ".")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty path segment in %q", s)
		}
		seg := segment{field: part}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("unterminated index in %q", part)
			}
			n, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid index in %q", part)
			}
			seg.field = part[:open]
			seg.index = n
			seg.hasIndex = true
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// parseLiteral parses the rhs: true/false, a base-10 integer, or a quoted
// string (single or double quotes).
func parseLiteral(s string) (any, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("invalid literal %q (expected boolean, integer, or quoted string)", s)
}

// Evaluate resolves the path against ctx and applies the comparison.
// Absent paths resolve to null, and any comparison against null is false.
func (c *Condition) Evaluate(ctx Context) bool {
	val := resolvePath(map[string]any(ctx), c.Path)
	if val == nil {
		return false
	}
	switch c.Op {
	case OpEqual:
		return looseEqual(val, c.Literal)
	case OpNotEqual:
		return !looseEqual(val, c.Literal)
	case OpLessEqual, OpGreaterEqual:
		a, aok := asFloat(val)
		b, bok := asFloat(c.Literal)
		if !aok || !bok {
			return false
		}
		if c.Op == OpLessEqual {
			return a <= b
		}
		return a >= b
	}
	return false
}

// EvaluateCondition is the convenience form used by the scheduler: a missing
// condition is true, an unparsable one is false.
func EvaluateCondition(expr string, ctx Context) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	cond, err := ParseCondition(expr)
	if err != nil {
		return false
	}
	return cond.Evaluate(ctx)
}

func resolvePath(v any, path []segment) any {
	cur := v
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg.field]
		if !ok {
			return nil
		}
		if seg.hasIndex {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil
			}
			cur = arr[seg.index]
		}
	}
	return cur
}

// looseEqual compares a resolved context value with a literal, treating all
// numeric representations (int, int64, float64 from JSON) as one type.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
