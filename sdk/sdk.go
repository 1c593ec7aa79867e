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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Client talks to one FerrumDeck control plane on behalf of one tenant.
// It is safe for concurrent use.
type Client struct {
	baseURL   string
	http      *http.Client
	token     string
	source    oauth2.TokenSource
	userAgent string
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the underlying HTTP client (custom transports,
// proxies, test servers).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.http = hc
		return nil
	}
}

// WithToken authenticates every request with a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) error {
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}
		c.token = token
		return nil
	}
}

// WithTokenSource authenticates with an oauth2 token source; tokens are
// fetched per request so rotation and expiry are handled by the source.
func WithTokenSource(src oauth2.TokenSource) Option {
	return func(c *Client) error {
		if src == nil {
			return fmt.Errorf("token source cannot be nil")
		}
		c.source = src
		return nil
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// New builds a Client for the control plane at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: "ferrumdeck-go-sdk",
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	return c, nil
}

// do issues one request and decodes the response into out (when non-nil).
// Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.source != nil {
		tok, err := c.source.Token()
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		tok.SetAuthHeader(req)
		return nil
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return nil
}

// CreateWorkflow registers a workflow template. The server validates and
// compiles the definition; invalid or cyclic graphs are rejected.
func (c *Client) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", req, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow fetches one workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows lists the tenant's registered workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	var out struct {
		Workflows []*Workflow `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// StartRun starts one run of a registered workflow. A budget the first
// step cannot afford is rejected up front.
func (c *Client) StartRun(ctx context.Context, req *StartRunRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/workflow-runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/v1/workflow-runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListSteps lists a run's step executions, including retries.
func (c *Client) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	var out struct {
		Steps []*StepExecution `json:"steps"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflow-runs/"+url.PathEscape(runID)+"/steps", nil, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// ListAudit returns a run's audit trail in recording order.
func (c *Client) ListAudit(ctx context.Context, runID string) ([]*AuditEvent, error) {
	var out struct {
		Events []*AuditEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflow-runs/"+url.PathEscape(runID)+"/audit", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// CancelRun requests cancellation and returns the updated run. Steps
// already in flight finish; their results are recorded but unlock nothing.
func (c *Client) CancelRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/workflow-runs/"+url.PathEscape(runID)+"/cancel", struct{}{}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CheckTool asks the policy oracle whether a tool call may proceed. Every
// call is audited server-side, whatever the verdict.
func (c *Client) CheckTool(ctx context.Context, runID string, req *CheckToolRequest) (*ToolDecision, error) {
	var dec ToolDecision
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/check-tool", req, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// ReportStepResult posts one attempt's outcome. Reporting against a step
// that already settled returns a conflict; see IsConflict.
func (c *Client) ReportStepResult(ctx context.Context, runID, stepID string, res *StepResult) error {
	path := "/v1/runs/" + url.PathEscape(runID) + "/steps/" + url.PathEscape(stepID)
	return c.do(ctx, http.MethodPost, path, res, nil)
}

// GrantApproval approves a waiting step and returns the resumed run.
func (c *Client) GrantApproval(ctx context.Context, approvalID string, req *ApprovalRequest) (*Run, error) {
	if req == nil {
		req = &ApprovalRequest{}
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(approvalID)+"/grant", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RejectApproval rejects a waiting step; the run fails per its on_error
// policy.
func (c *Client) RejectApproval(ctx context.Context, approvalID string, req *ApprovalRequest) (*Run, error) {
	if req == nil {
		req = &ApprovalRequest{}
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(approvalID)+"/reject", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SetPolicy replaces the tenant's tool policy.
func (c *Client) SetPolicy(ctx context.Context, p *Policy) (*Policy, error) {
	var out Policy
	if err := c.do(ctx, http.MethodPut, "/v1/policy", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPolicy fetches the tenant's tool policy.
func (c *Client) GetPolicy(ctx context.Context) (*Policy, error) {
	var p Policy
	if err := c.do(ctx, http.MethodGet, "/v1/policy", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Health probes the server's readiness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil)
}
