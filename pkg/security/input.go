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

// Package security hardens the two data flows the executor cannot trust:
// prompt text entering an LLM (injection patterns) and LLM output entering
// tool dispatch (oversized or malformed structures, control characters,
// hostile tool names).
package security

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// InputMode selects what happens when the risk score crosses the
// threshold.
type InputMode string

const (
	// ModeWarn annotates the result but lets the step proceed.
	ModeWarn InputMode = "warn"
	// ModeBlock refuses the step above the threshold.
	ModeBlock InputMode = "block"
)

// DefaultRiskThreshold blocks inputs matching several distinct patterns.
const DefaultRiskThreshold = 50

// riskPattern is one injection marker and its score contribution.
// Patterns match case-insensitively against the NFKC-folded input, so
// homoglyph and width tricks do not dodge them.
type riskPattern struct {
	marker string
	score  int
}

// defaultPatterns covers the common prompt-injection families: role
// switches, chat-template control tokens, template expansion, and code
// execution markers.
var defaultPatterns = []riskPattern{
	{"ignore previous instructions", 40},
	{"ignore all previous", 40},
	{"disregard the above", 35},
	{"you are now", 20},
	{"system:", 20},
	{"[inst]", 30},
	{"[/inst]", 30},
	{"<|im_start|>", 35},
	{"<|im_end|>", 35},
	{"<<sys>>", 35},
	{"<</sys>>", 35},
	{"{{", 15},
	{"${", 15},
	{"<script>", 30},
	{"eval(", 25},
	{"exec(", 25},
	{"os.system", 30},
	{"subprocess", 25},
}

// InputSanitizer screens prompt text before it reaches a provider.
type InputSanitizer struct {
	mode      InputMode
	threshold int
	patterns  []riskPattern

	// wrapDelimiter, when set, fences the sanitized text so downstream
	// prompts can mark it as untrusted data.
	wrapDelimiter string
}

// InputOption configures the sanitizer.
type InputOption func(*InputSanitizer)

// WithMode sets warn or block behaviour.
func WithMode(mode InputMode) InputOption {
	return func(s *InputSanitizer) { s.mode = mode }
}

// WithThreshold overrides the blocking risk threshold.
func WithThreshold(threshold int) InputOption {
	return func(s *InputSanitizer) { s.threshold = threshold }
}

// WithPatterns replaces the default pattern set.
func WithPatterns(patterns map[string]int) InputOption {
	return func(s *InputSanitizer) {
		s.patterns = s.patterns[:0]
		for marker, score := range patterns {
			s.patterns = append(s.patterns, riskPattern{marker: strings.ToLower(marker), score: score})
		}
	}
}

// WithDelimiter wraps sanitized text in delimiter fences.
func WithDelimiter(delimiter string) InputOption {
	return func(s *InputSanitizer) { s.wrapDelimiter = delimiter }
}

// NewInputSanitizer returns a sanitizer in warn mode with the default
// pattern set.
func NewInputSanitizer(opts ...InputOption) *InputSanitizer {
	s := &InputSanitizer{
		mode:      ModeWarn,
		threshold: DefaultRiskThreshold,
		patterns:  defaultPatterns,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InputResult is the sanitized text plus its risk assessment.
type InputResult struct {
	// Text is the cleaned (and optionally fenced) input.
	Text string
	// RiskScore is the sum of matched pattern scores.
	RiskScore int
	// Matched lists the patterns that contributed.
	Matched []string
}

// Sanitize strips zero-width and null characters, folds the text to NFKC
// for pattern matching, and scores it against the pattern set. In block
// mode a score at or above the threshold fails with a ValidationError; the
// step settles Failed(input_risk).
func (s *InputSanitizer) Sanitize(text string) (*InputResult, error) {
	cleaned := stripInvisible(text)
	folded := strings.ToLower(norm.NFKC.String(cleaned))

	result := &InputResult{Text: cleaned}
	for _, p := range s.patterns {
		if strings.Contains(folded, p.marker) {
			result.RiskScore += p.score
			result.Matched = append(result.Matched, p.marker)
		}
	}

	if s.mode == ModeBlock && result.RiskScore >= s.threshold {
		return result, &errors.ValidationError{
			Field:   "input_risk",
			Message: "input rejected by injection screen",
		}
	}
	if s.wrapDelimiter != "" {
		result.Text = s.wrapDelimiter + "\n" + cleaned + "\n" + s.wrapDelimiter
	}
	return result, nil
}

// stripInvisible removes nulls, zero-width characters, and BOMs.
func stripInvisible(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case 0x0000, // NUL
			0x200B, // zero width space
			0x200C, // zero width non-joiner
			0x200D, // zero width joiner
			0x2060, // word joiner
			0xFEFF: // BOM / zero width no-break space
			return -1
		}
		return r
	}, text)
}
