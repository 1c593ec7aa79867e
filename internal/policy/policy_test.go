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
	"reflect"
	"testing"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/audit"
)

func TestDecide(t *testing.T) {
	p := &Policy{
		Allowed:          []string{"read_file", "fs.read_*"},
		ApprovalRequired: []string{"net.**"},
		Denied:           []string{"shell.run", "fs.read_secrets"},
	}

	tests := []struct {
		tool string
		want Verdict
		rule string
	}{
		{"read_file", VerdictAllow, "read_file"},
		{"fs.read_config", VerdictAllow, "fs.read_*"},
		{"net.http.get", VerdictApproval, "net.**"},
		{"shell.run", VerdictDeny, "shell.run"},
		// denied wins over allowed even when both match
		{"fs.read_secrets", VerdictDeny, "fs.read_secrets"},
		// deny-by-default
		{"write_file", VerdictDeny, DefaultRule},
		{"", VerdictDeny, DefaultRule},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got := Decide(tt.tool, p)
			if got.Verdict != tt.want {
				t.Errorf("Decide(%q) = %s, want %s", tt.tool, got.Verdict, tt.want)
			}
			if got.Rule != tt.rule {
				t.Errorf("Decide(%q).Rule = %s, want %s", tt.tool, got.Rule, tt.rule)
			}
		})
	}

	// Nil policy denies everything.
	if got := Decide("read_file", nil); got.Verdict != VerdictDeny || got.Rule != DefaultRule {
		t.Errorf("Decide(nil policy) = %+v, want default deny", got)
	}
}

func TestFilterAllowed(t *testing.T) {
	p := &Policy{Allowed: []string{"a", "b.*"}, Denied: []string{"b.secret"}}
	got := FilterAllowed(p, []string{"a", "b.read", "b.secret", "c"})
	want := []string{"a", "b.read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterAllowed() = %v, want %v", got, want)
	}
}

type fakeRecorder struct {
	events []audit.Event
}

func (r *fakeRecorder) AppendAudit(_ context.Context, e audit.Event) error {
	r.events = append(r.events, e)
	return nil
}

type fakeClock struct{ n int }

func (c *fakeClock) NewID(prefix string) string {
	c.n++
	return prefix + "_0000000000000000000000000" + string(rune('0'+c.n))
}
func (c *fakeClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type fakeInspector struct {
	verdict InspectorVerdict
	err     error
}

func (i *fakeInspector) Inspect(context.Context, string, string, string, map[string]any) (InspectorVerdict, error) {
	return i.verdict, i.err
}

func TestEngineRecordsBeforeReturning(t *testing.T) {
	rec := &fakeRecorder{}
	eng := NewEngine(rec, &fakeClock{}, slog.Default())

	p := &Policy{Allowed: []string{"read_file"}}
	res, err := eng.Decide(context.Background(), "ten_1", "run_1", "stp_1", "write_file", nil, p)
	if err != nil {
		t.Fatalf("Decide() = %v", err)
	}
	if res.Verdict != VerdictDeny {
		t.Errorf("verdict = %s, want deny", res.Verdict)
	}
	if len(rec.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.Action != audit.PolicyDenied || e.RunID != "run_1" || e.Actor != audit.ActorPolicy {
		t.Errorf("event = %+v", e)
	}
	if e.Details["decision_id"] != res.DecisionID {
		t.Error("audited decision_id does not match the returned one")
	}
}

func TestEngineInspector(t *testing.T) {
	p := &Policy{Allowed: []string{"read_file"}}

	tests := []struct {
		name    string
		mode    InspectorMode
		verdict InspectorVerdict
		err     error
		want    Verdict
	}{
		{"enforce deny", ModeEnforce, InspectorVerdict{Allowed: false, RiskScore: 88, ViolationType: "exfiltration"}, nil, VerdictDeny},
		{"enforce approval", ModeEnforce, InspectorVerdict{Allowed: true, RequiresApproval: true, RiskScore: 55}, nil, VerdictApproval},
		{"enforce pass", ModeEnforce, InspectorVerdict{Allowed: true, RiskScore: 3}, nil, VerdictAllow},
		{"shadow deny is logged only", ModeShadow, InspectorVerdict{Allowed: false, RiskScore: 90}, nil, VerdictAllow},
		{"enforce inspector failure denies", ModeEnforce, InspectorVerdict{}, context.DeadlineExceeded, VerdictDeny},
		{"shadow inspector failure allows", ModeShadow, InspectorVerdict{}, context.DeadlineExceeded, VerdictAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			eng := NewEngine(rec, &fakeClock{}, slog.Default(),
				WithInspector(&fakeInspector{verdict: tt.verdict, err: tt.err}, tt.mode))
			res, err := eng.Decide(context.Background(), "ten_1", "run_1", "", "read_file", nil, p)
			if err != nil {
				t.Fatalf("Decide() = %v", err)
			}
			if res.Verdict != tt.want {
				t.Errorf("verdict = %s, want %s", res.Verdict, tt.want)
			}
			if len(rec.events) != 1 {
				t.Errorf("recorded %d events, want 1", len(rec.events))
			}
		})
	}
}
