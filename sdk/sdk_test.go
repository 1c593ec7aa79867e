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

package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/only"} {
		if _, err := New(raw); err == nil {
			t.Errorf("New(%q) accepted", raw)
		}
	}
}

func TestStaticTokenSentAsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"workflows": []any{}})
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken("sekrit"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListWorkflows(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer sekrit" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestTokenSourceRefreshesPerRequest(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "rotated", TokenType: "Bearer"})
	c, err := New(srv.URL, WithTokenSource(src))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer rotated" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestCreateWorkflowRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/workflows" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req CreateWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Definition == nil || req.Definition.Name != "review" {
			t.Errorf("definition = %+v", req.Definition)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Workflow{
			ID:         "wfr_01J0000000000000000000TEST",
			TenantID:   "ten_a",
			Name:       "review",
			Version:    "1",
			Definition: req.Definition,
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("t"))
	wf, err := c.CreateWorkflow(context.Background(), &CreateWorkflowRequest{
		Definition: &workflow.Definition{
			Name: "review",
			Steps: []workflow.StepDef{
				{ID: "analyze", Kind: workflow.StepKindLLM},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if wf.ID != "wfr_01J0000000000000000000TEST" || wf.Version != "1" {
		t.Errorf("workflow = %+v", wf)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "budget_exceeded",
			"message": "budget exceeded on tool_calls",
			"details": map[string]any{"dimension": "tool_calls", "limit": 0, "actual": 1},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("t"))
	_, err := c.StartRun(context.Background(), &StartRunRequest{WorkflowID: "wfr_x"})
	if err == nil {
		t.Fatal("no error")
	}
	if !IsBudgetExceeded(err) {
		t.Fatalf("IsBudgetExceeded(%v) = false", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Details["dimension"] != "tool_calls" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestNonJSONErrorBodyPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("t"))
	err := c.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T (%v)", err, err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Code != "" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestReportStepResultNoContent(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("t"))
	err := c.ReportStepResult(context.Background(), "run_1", "stp_1", &StepResult{
		Status: StepCompleted,
		Output: map[string]any{"content": "done"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/v1/runs/run_1/steps/stp_1" {
		t.Errorf("path = %s", path)
	}
}

func TestConflictPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "conflict",
			"message": "step already settled",
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("t"))
	err := c.ReportStepResult(context.Background(), "run_1", "stp_1", &StepResult{Status: StepCompleted})
	if !IsConflict(err) {
		t.Fatalf("IsConflict(%v) = false", err)
	}
	if IsNotFound(err) || IsValidation(err) {
		t.Error("predicate cross-talk")
	}
}

func TestCheckToolDecodesDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CheckToolRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ToolName != "github.merge_pr" {
			t.Errorf("tool_name = %s", req.ToolName)
		}
		json.NewEncoder(w).Encode(ToolDecision{
			RequiresApproval: true,
			DecisionID:       "evt_1",
			Reason:           "matched approval rule",
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("t"))
	dec, err := c.CheckTool(context.Background(), "run_1", &CheckToolRequest{ToolName: "github.merge_pr"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || !dec.RequiresApproval || dec.DecisionID != "evt_1" {
		t.Errorf("decision = %+v", dec)
	}
}
