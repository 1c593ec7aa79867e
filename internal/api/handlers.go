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

package api

import (
	"net/http"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/budget"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/ident"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/kernel"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/policy"
	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
)

// createWorkflowRequest registers a template.
type createWorkflowRequest struct {
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	Definition *workflow.Definition `json:"definition"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Definition == nil {
		s.writeError(w, r, &errors.ValidationError{Field: "definition", Message: "missing workflow definition"})
		return
	}
	if req.Name == "" {
		req.Name = req.Definition.Name
	}
	if req.Name == "" {
		s.writeError(w, r, &errors.ValidationError{Field: "name", Message: "missing workflow name"})
		return
	}
	// Defaults first: the definition arrives pre-decoded, outside the
	// Parse helpers. Validation covers duplicate ids, dangling
	// dependencies, cycles, and unknown kinds; a template that does not
	// compile is never stored.
	req.Definition.ApplyDefaults()
	if err := req.Definition.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := workflow.Compile(req.Definition); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Version == "" {
		req.Version = "1"
	}

	wf := &store.Workflow{
		ID:         s.ids.NewID(ident.PrefixWorkflow),
		TenantID:   identity(r).TenantID,
		Name:       req.Name,
		Version:    req.Version,
		Definition: req.Definition,
		CreatedAt:  s.ids.Now(),
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), identity(r).TenantID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.store.ListWorkflows(r.Context(), identity(r).TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wfs == nil {
		wfs = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

// startRunRequest starts one run of a registered workflow.
type startRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	AgentID    string         `json:"agent_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Budget     *budget.Limits `json:"budget,omitempty"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WorkflowID == "" {
		s.writeError(w, r, &errors.ValidationError{Field: "workflow_id", Message: "missing workflow_id"})
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), identity(r).TenantID, req.WorkflowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limits := budget.Limits{}
	if req.Budget != nil {
		limits = *req.Budget
	}
	run, err := s.kernel.StartRun(r.Context(), wf, req.AgentID, req.Input, limits)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// runForTenant loads a run and hides other tenants' runs as not-found.
func (s *Server) runForTenant(r *http.Request, runID string) (*store.Run, error) {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != identity(r).TenantID {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runForTenant(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	run, err := s.runForTenant(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.store.ListStepsByRun(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*store.StepExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	run, err := s.runForTenant(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.ListAuditByRun(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runForTenant(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.kernel.Cancel(r.Context(), run.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	fresh, err := s.store.GetRun(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

// checkToolRequest asks the policy oracle about one tool call.
type checkToolRequest struct {
	ToolName string         `json:"tool_name"`
	StepID   string         `json:"step_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// checkToolResponse is the oracle's wire answer.
type checkToolResponse struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
	DecisionID       string `json:"decision_id"`
}

func (s *Server) checkTool(w http.ResponseWriter, r *http.Request) {
	run, err := s.runForTenant(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req checkToolRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ToolName == "" {
		s.writeError(w, r, &errors.ValidationError{Field: "tool_name", Message: "missing tool_name"})
		return
	}
	res, err := s.kernel.CheckTool(r.Context(), run.ID, req.StepID, req.ToolName, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := checkToolResponse{DecisionID: res.DecisionID, Reason: res.Reason}
	switch res.Verdict {
	case policy.VerdictAllow:
		resp.Allowed = true
	case policy.VerdictApproval:
		resp.RequiresApproval = true
	case policy.VerdictDeny:
		if resp.Reason == "" {
			resp.Reason = "denied by rule " + res.Rule
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// stepResult is the worker callback: one attempt's outcome.
func (s *Server) stepResult(w http.ResponseWriter, r *http.Request) {
	run, err := s.runForTenant(r, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var res kernel.StepResult
	if err := decode(r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.kernel.HandleStepResult(r.Context(), run.ID, r.PathValue("step_id"), res); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// approvalRequest resolves a waiting step.
type approvalRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// approvalStep resolves the approval id (a step execution id) to its
// tenant-scoped run.
func (s *Server) approvalStep(r *http.Request) (*store.StepExecution, error) {
	exec, err := s.store.GetStep(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if _, err := s.runForTenant(r, exec.RunID); err != nil {
		return nil, &errors.NotFoundError{Resource: "approval", ID: exec.ID}
	}
	return exec, nil
}

func (s *Server) grantApproval(w http.ResponseWriter, r *http.Request) {
	exec, err := s.approvalStep(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Approver == "" {
		req.Approver = identity(r).Subject
	}
	if err := s.kernel.Grant(r.Context(), exec.RunID, exec.ID, req.Approver); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), exec.RunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) rejectApproval(w http.ResponseWriter, r *http.Request) {
	exec, err := s.approvalStep(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Approver == "" {
		req.Approver = identity(r).Subject
	}
	if err := s.kernel.Reject(r.Context(), exec.RunID, exec.ID, req.Approver, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), exec.RunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.TenantID = identity(r).TenantID
	if p.ID == "" {
		p.ID = s.ids.NewID(ident.PrefixPolicy)
	}
	if err := s.store.SetPolicy(r.Context(), &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPolicy(r.Context(), identity(r).TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
