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

// Package policy gates tool calls. A policy is three disjoint tool-name
// sets — denied, approval_required, allowed — matched in that order, with
// glob patterns supported; any tool matching none of them is denied.
package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Verdict is the outcome of a policy decision.
type Verdict string

const (
	// VerdictAllow permits the tool call.
	VerdictAllow Verdict = "allow"
	// VerdictApproval suspends the tool call pending an external grant.
	VerdictApproval Verdict = "approval"
	// VerdictDeny rejects the tool call.
	VerdictDeny Verdict = "deny"
)

// DefaultRule names the implicit deny that applies when no set matches.
const DefaultRule = "default"

// Policy holds the three tool-name sets. Entries may be exact names or
// doublestar glob patterns ("fs.read_*", "net.**").
type Policy struct {
	ID               string   `json:"id,omitempty"`
	TenantID         string   `json:"tenant_id,omitempty"`
	Allowed          []string `json:"allowed"`
	ApprovalRequired []string `json:"approval_required"`
	Denied           []string `json:"denied"`
}

// Decision is a policy verdict plus the rule that produced it.
type Decision struct {
	Verdict Verdict
	// Rule is the matching pattern, or DefaultRule for deny-by-default.
	Rule string
	// Tool echoes the requested tool name.
	Tool string
}

// Decide classifies a tool name against the policy. The set ordering is
// fixed: denied wins, then approval_required, then allowed; anything else
// is denied. The function is total — it returns a verdict for every input.
func Decide(toolName string, p *Policy) Decision {
	if p != nil {
		if rule, ok := matchSet(toolName, p.Denied); ok {
			return Decision{Verdict: VerdictDeny, Rule: rule, Tool: toolName}
		}
		if rule, ok := matchSet(toolName, p.ApprovalRequired); ok {
			return Decision{Verdict: VerdictApproval, Rule: rule, Tool: toolName}
		}
		if rule, ok := matchSet(toolName, p.Allowed); ok {
			return Decision{Verdict: VerdictAllow, Rule: rule, Tool: toolName}
		}
	}
	return Decision{Verdict: VerdictDeny, Rule: DefaultRule, Tool: toolName}
}

// matchSet returns the first pattern in set matching toolName. Patterns may
// carry a leading "!"; it is stripped, matching the convention of writing
// denied entries with or without it.
func matchSet(toolName string, set []string) (string, bool) {
	for _, pattern := range set {
		p := strings.TrimPrefix(pattern, "!")
		if toolName == p {
			return pattern, true
		}
		if matched, err := doublestar.Match(p, toolName); err == nil && matched {
			return pattern, true
		}
	}
	return "", false
}

// FilterAllowed returns the subset of toolNames the policy would allow
// outright. Workers use this to trim the tool list offered to LLM providers
// so the model never proposes a call that is already denied.
func FilterAllowed(p *Policy, toolNames []string) []string {
	out := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		if Decide(name, p).Verdict == VerdictAllow {
			out = append(out, name)
		}
	}
	return out
}
