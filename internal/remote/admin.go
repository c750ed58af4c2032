package remote

import (
	"net/http"
	"net/url"
	"time"

	"agentplane/internal/model"
)

// Admin operations used by the CLI. They mirror the control-plane surface
// one to one.

// CreateOrg registers a new organization.
func (c *Client) CreateOrg(name string, metadata map[string]any) (model.Organization, error) {
	var o model.Organization
	err := c.do(http.MethodPost, "/v1/orgs", map[string]any{
		"name":     name,
		"metadata": metadata,
	}, &o)
	return o, err
}

// ListOrgs returns all organizations in creation order.
func (c *Client) ListOrgs() ([]model.Organization, error) {
	var resp struct {
		Orgs []model.Organization `json:"orgs"`
	}
	if err := c.do(http.MethodGet, "/v1/orgs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orgs, nil
}

// DeleteOrg removes an organization.
func (c *Client) DeleteOrg(orgID string) error {
	return c.do(http.MethodDelete, "/v1/orgs/"+url.PathEscape(orgID), nil, nil)
}

// RegisterAgent creates an agent under an org.
func (c *Client) RegisterAgent(orgID, name, role, delegatedUserID string) (model.AgentIdentity, error) {
	var a model.AgentIdentity
	err := c.do(http.MethodPost, "/v1/orgs/"+url.PathEscape(orgID)+"/agents", map[string]any{
		"name":              name,
		"role":              role,
		"delegated_user_id": delegatedUserID,
	}, &a)
	return a, err
}

// ListAgents returns the agents under an org.
func (c *Client) ListAgents(orgID string) ([]model.AgentIdentity, error) {
	var resp struct {
		Agents []model.AgentIdentity `json:"agents"`
	}
	if err := c.do(http.MethodGet, "/v1/orgs/"+url.PathEscape(orgID)+"/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// DeactivateAgent marks an agent inactive and revokes its tokens.
func (c *Client) DeactivateAgent(orgID, agentID string) error {
	return c.do(http.MethodPost,
		"/v1/orgs/"+url.PathEscape(orgID)+"/agents/"+url.PathEscape(agentID)+"/deactivate", nil, nil)
}

// SetPolicy creates or replaces a policy. An empty agentID targets the org
// baseline.
func (c *Client) SetPolicy(orgID, agentID string, tools []model.ToolPermission, tokenLimit, timeoutSeconds int64) (model.Policy, error) {
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/policy"
	if agentID != "" {
		path = "/v1/orgs/" + url.PathEscape(orgID) + "/agents/" + url.PathEscape(agentID) + "/policy"
	}
	var p model.Policy
	err := c.do(http.MethodPut, path, map[string]any{
		"tools":                     tools,
		"token_limit":               tokenLimit,
		"execution_timeout_seconds": timeoutSeconds,
	}, &p)
	return p, err
}

// GetPolicy fetches the stored policy for (orgID, agentID).
func (c *Client) GetPolicy(orgID, agentID string) (model.Policy, bool, error) {
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/policy"
	if agentID != "" {
		path = "/v1/orgs/" + url.PathEscape(orgID) + "/agents/" + url.PathEscape(agentID) + "/policy"
	}
	var p model.Policy
	err := c.do(http.MethodGet, path, nil, &p)
	if err == errNotFound {
		return model.Policy{}, false, nil
	}
	if err != nil {
		return model.Policy{}, false, err
	}
	return p, true, nil
}

// SetBudget creates or replaces a budget. An empty agentID targets the org
// budget.
func (c *Client) SetBudget(orgID, agentID string, tokenLimit int64, resetPeriodDays int) (model.Budget, error) {
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/budget"
	if agentID != "" {
		path = "/v1/orgs/" + url.PathEscape(orgID) + "/agents/" + url.PathEscape(agentID) + "/budget"
	}
	var b model.Budget
	err := c.do(http.MethodPut, path, map[string]any{
		"token_limit":       tokenLimit,
		"reset_period_days": resetPeriodDays,
	}, &b)
	return b, err
}

// GetBudget fetches the budget for (orgID, agentID).
func (c *Client) GetBudget(orgID, agentID string) (model.Budget, bool, error) {
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/budget"
	if agentID != "" {
		path = "/v1/orgs/" + url.PathEscape(orgID) + "/agents/" + url.PathEscape(agentID) + "/budget"
	}
	var b model.Budget
	err := c.do(http.MethodGet, path, nil, &b)
	if err == errNotFound {
		return model.Budget{}, false, nil
	}
	if err != nil {
		return model.Budget{}, false, err
	}
	return b, true, nil
}

// ExchangeToken narrows a parent token into a tool-scoped one. A negative
// ttl leaves the lifetime to the control plane's default.
func (c *Client) ExchangeToken(parentTokenID, agentID, orgID, toolName string, scopes []string, ttl time.Duration) (model.ScopedToken, error) {
	body := map[string]any{
		"parent_token_id": parentTokenID,
		"agent_id":        agentID,
		"org_id":          orgID,
		"tool_name":       toolName,
		"scopes":          scopes,
	}
	if ttl >= 0 {
		body["ttl_seconds"] = int64(ttl / time.Second)
	}
	var t model.ScopedToken
	err := c.do(http.MethodPost, "/v1/tokens/exchange", body, &t)
	return t, err
}

// ValidateToken looks up a live token by ID.
func (c *Client) ValidateToken(tokenID string) (model.ScopedToken, bool, error) {
	var t model.ScopedToken
	err := c.do(http.MethodGet, "/v1/tokens/"+url.PathEscape(tokenID), nil, &t)
	if err == errNotFound {
		return model.ScopedToken{}, false, nil
	}
	if err != nil {
		return model.ScopedToken{}, false, err
	}
	return t, true, nil
}

// RevokeToken removes a token from the live set.
func (c *Client) RevokeToken(tokenID string) error {
	return c.do(http.MethodDelete, "/v1/tokens/"+url.PathEscape(tokenID), nil, nil)
}
