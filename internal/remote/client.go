// Package remote provides HTTP clients for the control plane. A worker
// built on these clients is stateless: agents, policies, budgets, usage,
// and audit all live in the control plane, and the worker's runtime talks
// to them through the same interfaces the in-process services satisfy.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentplane/internal/audit"
	"agentplane/internal/model"
)

// Client calls the control-plane HTTP surface. The zero API key sends no
// auth header.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the control plane at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes the JSON response into out (when non-nil).
// A 404 returns errNotFound so callers can map it to (zero, false, nil).
func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &model.ServiceUnavailableError{Service: "control-plane", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("control plane %s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("control plane %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errNotFound = fmt.Errorf("not found")

// --- agent.OrgChecker ---

// Exists reports whether the org is registered on the control plane.
func (c *Client) Exists(orgID string) (bool, error) {
	err := c.do(http.MethodGet, "/v1/orgs/"+url.PathEscape(orgID), nil, nil)
	if err == errNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- runtime.AgentResolver ---

// Get fetches the agent under (orgID, agentID).
func (c *Client) Get(orgID, agentID string) (model.AgentIdentity, bool, error) {
	var a model.AgentIdentity
	err := c.do(http.MethodGet,
		"/v1/orgs/"+url.PathEscape(orgID)+"/agents/"+url.PathEscape(agentID), nil, &a)
	if err == errNotFound {
		return model.AgentIdentity{}, false, nil
	}
	if err != nil {
		return model.AgentIdentity{}, false, err
	}
	return a, true, nil
}

// GetByID scans orgs for an agent with the given ID. The control plane has
// no cross-org endpoint, so this walks the org list.
func (c *Client) GetByID(agentID string) (model.AgentIdentity, bool, error) {
	var orgsResp struct {
		Orgs []model.Organization `json:"orgs"`
	}
	if err := c.do(http.MethodGet, "/v1/orgs", nil, &orgsResp); err != nil {
		return model.AgentIdentity{}, false, err
	}
	for _, o := range orgsResp.Orgs {
		a, found, err := c.Get(o.OrgID, agentID)
		if err != nil {
			return model.AgentIdentity{}, false, err
		}
		if found {
			return a, true, nil
		}
	}
	return model.AgentIdentity{}, false, nil
}

// --- runtime.PolicyResolver ---

// Effective fetches the merged policy for (orgID, agentID).
func (c *Client) Effective(orgID, agentID string) (model.Policy, bool, error) {
	var p model.Policy
	err := c.do(http.MethodGet,
		"/v1/orgs/"+url.PathEscape(orgID)+"/agents/"+url.PathEscape(agentID)+"/policy/effective", nil, &p)
	if err == errNotFound {
		return model.Policy{}, false, nil
	}
	if err != nil {
		return model.Policy{}, false, err
	}
	return p, true, nil
}

// Evaluate asks the control plane for a policy decision.
func (c *Client) Evaluate(orgID, agentID, toolName string, estimatedTokens int64) (model.PolicyDecision, error) {
	var decision model.PolicyDecision
	err := c.do(http.MethodPost, "/v1/policy/evaluate", map[string]any{
		"org_id":           orgID,
		"agent_id":         agentID,
		"tool_name":        toolName,
		"estimated_tokens": estimatedTokens,
	}, &decision)
	if err != nil {
		return model.PolicyDecision{}, err
	}
	return decision, nil
}

// --- runtime.BudgetGate ---

// Check runs the pre-flight budget gate on the control plane.
func (c *Client) Check(orgID, agentID string, estimatedTokens int64) (bool, int64, string, error) {
	var resp struct {
		Allowed         bool   `json:"allowed"`
		TokensRemaining int64  `json:"tokens_remaining"`
		Reason          string `json:"reason"`
	}
	err := c.do(http.MethodPost, "/v1/budget/check", map[string]any{
		"org_id":           orgID,
		"agent_id":         agentID,
		"estimated_tokens": estimatedTokens,
	}, &resp)
	if err != nil {
		return false, 0, "", err
	}
	return resp.Allowed, resp.TokensRemaining, resp.Reason, nil
}

// Report records usage on the control plane and returns tokens remaining.
func (c *Client) Report(r model.UsageReport) (int64, error) {
	var resp struct {
		TokensRemaining int64 `json:"tokens_remaining"`
	}
	if err := c.do(http.MethodPost, "/v1/usage", r, &resp); err != nil {
		return 0, err
	}
	return resp.TokensRemaining, nil
}

// Usage queries aggregated usage.
func (c *Client) Usage(q model.UsageQuery) (model.UsageSummary, error) {
	params := url.Values{}
	if q.OrgID != "" {
		params.Set("org_id", q.OrgID)
	}
	if q.AgentID != "" {
		params.Set("agent_id", q.AgentID)
	}
	if !q.StartTime.IsZero() {
		params.Set("start_time", q.StartTime.Format(time.RFC3339))
	}
	if !q.EndTime.IsZero() {
		params.Set("end_time", q.EndTime.Format(time.RFC3339))
	}
	path := "/v1/usage"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var summary model.UsageSummary
	if err := c.do(http.MethodGet, path, nil, &summary); err != nil {
		return model.UsageSummary{}, err
	}
	return summary, nil
}

// --- runtime.Auditor ---

// Append forwards an audit entry to the control plane. Audit writes are
// best-effort from the worker's side; a delivery failure must not fail the
// execution that produced the entry.
func (c *Client) Append(entry model.AuditEntry) {
	if err := c.do(http.MethodPost, "/v1/audit", entry, nil); err != nil {
		// Keep the entry visible locally even when delivery fails.
		slog.Error("audit delivery failed",
			"org_id", entry.OrgID,
			"agent_id", entry.AgentID,
			"execution_id", entry.ExecutionID,
			"action", entry.Action,
			"result", entry.Result,
			"err", err)
	}
}

// QueryAudit fetches matching audit entries, newest first.
func (c *Client) QueryAudit(q audit.Query) ([]model.AuditEntry, error) {
	params := url.Values{}
	if q.OrgID != "" {
		params.Set("org_id", q.OrgID)
	}
	if q.AgentID != "" {
		params.Set("agent_id", q.AgentID)
	}
	if q.ExecutionID != "" {
		params.Set("execution_id", q.ExecutionID)
	}
	if q.Action != "" {
		params.Set("action", string(q.Action))
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	path := "/v1/audit"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp struct {
		Entries []model.AuditEntry `json:"entries"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
