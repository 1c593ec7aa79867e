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

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	r := New()
	r.RunsStarted.Inc()
	r.RunsStarted.Inc()
	if got := testutil.ToFloat64(r.RunsStarted); got != 2 {
		t.Errorf("runs_started = %v", got)
	}

	r.RunsCompleted.WithLabelValues("completed").Inc()
	r.RunsCompleted.WithLabelValues("budget_killed").Inc()
	if got := testutil.ToFloat64(r.RunsCompleted.WithLabelValues("budget_killed")); got != 1 {
		t.Errorf("runs_completed{budget_killed} = %v", got)
	}

	r.PolicyDecisions.WithLabelValues("deny").Inc()
	if got := testutil.ToFloat64(r.PolicyDecisions.WithLabelValues("deny")); got != 1 {
		t.Errorf("policy_decisions{deny} = %v", got)
	}
}

func TestObserveStep(t *testing.T) {
	r := New()
	r.ObserveStep("llm", "completed", 250*time.Millisecond)
	count := testutil.CollectAndCount(r.StepLatency, "ferrumdeck_step_duration_seconds")
	if count != 1 {
		t.Errorf("step_duration series = %d", count)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.QueueDepth.Set(7)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "ferrumdeck_queue_depth 7") {
		t.Errorf("exposition missing queue depth:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("go collector not registered")
	}
}

func TestIsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.BudgetKills.Inc()
	if got := testutil.ToFloat64(b.BudgetKills); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
