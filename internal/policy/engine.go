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

package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
)

// InspectorMode selects how inspector verdicts are applied.
type InspectorMode string

const (
	// ModeEnforce lets an inspector denial override the policy verdict.
	ModeEnforce InspectorMode = "enforce"
	// ModeShadow logs inspector verdicts without acting on them.
	ModeShadow InspectorMode = "shadow"
)

// InspectorVerdict is the external risk oracle's answer for one tool call.
type InspectorVerdict struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	RiskScore        int    `json:"risk_score"` // 0..100
	ViolationType    string `json:"violation_type,omitempty"`
}

// Inspector is a pluggable decision oracle consulted after the static sets.
type Inspector interface {
	Inspect(ctx context.Context, tenantID, runID, toolName string, args map[string]any) (InspectorVerdict, error)
}

// Recorder persists an audit event in the same transaction discipline as
// the store. The engine writes every decision before the caller observes it.
type Recorder interface {
	AppendAudit(ctx context.Context, event audit.Event) error
}

// Clock mints event ids and timestamps. The ident generator satisfies it.
type Clock interface {
	NewID(prefix string) string
	Now() time.Time
}

// Engine combines the static policy sets with the optional inspector and
// records every decision to the audit trail.
type Engine struct {
	recorder  Recorder
	clock     Clock
	inspector Inspector
	mode      InspectorMode
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithInspector attaches an external risk oracle in the given mode.
func WithInspector(i Inspector, mode InspectorMode) Option {
	return func(e *Engine) {
		e.inspector = i
		e.mode = mode
	}
}

// NewEngine returns a policy engine. recorder and clock are required.
func NewEngine(recorder Recorder, clock Clock, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		recorder: recorder,
		clock:    clock,
		mode:     ModeEnforce,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is a recorded decision: the verdict, the rule that matched, and
// the audited decision id callers can cite.
type Result struct {
	Verdict    Verdict `json:"verdict"`
	Rule       string  `json:"rule"`
	DecisionID string  `json:"decision_id"`
	RiskScore  int     `json:"risk_score,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Decide evaluates toolName for the run against p, consults the inspector
// when configured, writes the decision to the audit log, and only then
// returns it.
func (e *Engine) Decide(ctx context.Context, tenantID, runID, stepID, toolName string, args map[string]any, p *Policy) (Result, error) {
	decision := Decide(toolName, p)
	res := Result{
		Verdict:    decision.Verdict,
		Rule:       decision.Rule,
		DecisionID: uuid.NewString(),
	}

	if e.inspector != nil && decision.Verdict == VerdictAllow {
		verdict, err := e.inspector.Inspect(ctx, tenantID, runID, toolName, args)
		if err != nil {
			// An unreachable inspector must not silently widen access;
			// treat enforce-mode failures as denials.
			if e.mode == ModeEnforce {
				res.Verdict = VerdictDeny
				res.Reason = "inspector unavailable"
			} else {
				e.logger.Warn("inspector unavailable in shadow mode",
					slog.String("run_id", runID),
					slog.String("tool", toolName),
					slog.Any("error", err))
			}
		} else {
			res.RiskScore = verdict.RiskScore
			switch {
			case !verdict.Allowed && e.mode == ModeEnforce:
				res.Verdict = VerdictDeny
				res.Rule = "inspector"
				res.Reason = verdict.ViolationType
			case verdict.RequiresApproval && e.mode == ModeEnforce:
				res.Verdict = VerdictApproval
				res.Rule = "inspector"
				res.Reason = verdict.ViolationType
			case !verdict.Allowed || verdict.RequiresApproval:
				e.logger.Info("inspector verdict shadowed",
					slog.String("run_id", runID),
					slog.String("tool", toolName),
					slog.Bool("allowed", verdict.Allowed),
					slog.Int("risk_score", verdict.RiskScore),
					slog.String("violation_type", verdict.ViolationType))
			}
		}
	}

	if err := e.record(ctx, runID, stepID, toolName, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// record appends the decision's audit event. The write precedes the return
// from Decide, so no caller acts on an unaudited verdict.
func (e *Engine) record(ctx context.Context, runID, stepID, toolName string, res Result) error {
	var action audit.Action
	switch res.Verdict {
	case VerdictAllow:
		action = audit.PolicyAllowed
	case VerdictApproval:
		action = audit.PolicyApprovalRequired
	default:
		action = audit.PolicyDenied
	}

	details := map[string]any{
		"tool":        toolName,
		"rule":        res.Rule,
		"decision_id": res.DecisionID,
	}
	if res.RiskScore > 0 {
		details["risk_score"] = res.RiskScore
	}
	if res.Reason != "" {
		details["reason"] = res.Reason
	}

	return e.recorder.AppendAudit(ctx, audit.Event{
		ID:        e.clock.NewID(ident.PrefixEvent),
		RunID:     runID,
		StepID:    stepID,
		Action:    action,
		Actor:     audit.ActorPolicy,
		Timestamp: e.clock.Now(),
		Details:   details,
	})
}
