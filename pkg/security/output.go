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

package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// toolNameRE is the only charset accepted in a tool name arriving from
// LLM output.
var toolNameRE = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidToolName reports whether an LLM-composed tool name is dispatchable.
func ValidToolName(name string) bool {
	return name != "" && toolNameRE.MatchString(name)
}

// Output sanitizer defaults.
const (
	DefaultMaxStringLen = 64 * 1024
	DefaultMaxDepth     = 16
)

// OutputSanitizer bounds LLM output before it feeds tool dispatch:
// oversized strings truncate, nesting beyond the depth limit is rejected,
// and control characters are stripped (TAB, LF, CR survive).
type OutputSanitizer struct {
	maxStringLen int
	maxDepth     int
}

// NewOutputSanitizer returns a sanitizer with the given bounds (zero
// keeps the default).
func NewOutputSanitizer(maxStringLen, maxDepth int) *OutputSanitizer {
	if maxStringLen <= 0 {
		maxStringLen = DefaultMaxStringLen
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &OutputSanitizer{maxStringLen: maxStringLen, maxDepth: maxDepth}
}

// Sanitize walks a JSON-representable value and returns the bounded copy.
func (s *OutputSanitizer) Sanitize(v any) (any, error) {
	return s.walk(v, 0)
}

func (s *OutputSanitizer) walk(v any, depth int) (any, error) {
	if depth > s.maxDepth {
		return nil, &errors.ValidationError{
			Field:   "output",
			Message: fmt.Sprintf("nesting exceeds depth limit %d", s.maxDepth),
		}
	}
	switch t := v.(type) {
	case string:
		return s.cleanString(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			cleaned, err := s.walk(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[s.cleanString(k)] = cleaned
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			cleaned, err := s.walk(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	default:
		return v, nil
	}
}

// cleanString strips control characters (preserving TAB, LF, CR) and
// truncates to the length bound.
func (s *OutputSanitizer) cleanString(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	if len(cleaned) > s.maxStringLen {
		cleaned = cleaned[:s.maxStringLen]
	}
	return cleaned
}
