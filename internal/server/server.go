// Package server exposes the control plane over HTTP/JSON: organization
// and agent CRUD, policy and budget management, usage, audit queries, and
// token exchange.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agentplane/internal/agent"
	"agentplane/internal/audit"
	"agentplane/internal/budget"
	"agentplane/internal/model"
	"agentplane/internal/org"
	"agentplane/internal/policy"
	"agentplane/internal/token"
)

// Server wires the control-plane services behind an HTTP surface.
type Server struct {
	orgs     *org.Service
	agents   *agent.Service
	policies *policy.Service
	budgets  *budget.Service
	tokens   *token.Service
	audit    *audit.Log
	apiKey   string
}

// New creates a server. An empty apiKey disables the shared-secret check.
func New(orgs *org.Service, agents *agent.Service, policies *policy.Service, budgets *budget.Service, tokens *token.Service, auditLog *audit.Log, apiKey string) *Server {
	return &Server{
		orgs:     orgs,
		agents:   agents,
		policies: policies,
		budgets:  budgets,
		tokens:   tokens,
		audit:    auditLog,
		apiKey:   apiKey,
	}
}

// Handler returns the routed HTTP handler, with the shared-secret
// interceptor applied when a key is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/orgs", s.handleCreateOrg)
	mux.HandleFunc("GET /v1/orgs", s.handleListOrgs)
	mux.HandleFunc("GET /v1/orgs/{orgID}", s.handleGetOrg)
	mux.HandleFunc("DELETE /v1/orgs/{orgID}", s.handleDeleteOrg)

	mux.HandleFunc("POST /v1/orgs/{orgID}/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/orgs/{orgID}/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/orgs/{orgID}/agents/{agentID}", s.handleGetAgent)
	mux.HandleFunc("POST /v1/orgs/{orgID}/agents/{agentID}/deactivate", s.handleDeactivateAgent)

	mux.HandleFunc("PUT /v1/orgs/{orgID}/policy", s.handleSetPolicy)
	mux.HandleFunc("GET /v1/orgs/{orgID}/policy", s.handleGetPolicy)
	mux.HandleFunc("PUT /v1/orgs/{orgID}/agents/{agentID}/policy", s.handleSetPolicy)
	mux.HandleFunc("GET /v1/orgs/{orgID}/agents/{agentID}/policy", s.handleGetPolicy)
	mux.HandleFunc("GET /v1/orgs/{orgID}/agents/{agentID}/policy/effective", s.handleEffectivePolicy)
	mux.HandleFunc("POST /v1/policy/evaluate", s.handleEvaluatePolicy)

	mux.HandleFunc("PUT /v1/orgs/{orgID}/budget", s.handleSetBudget)
	mux.HandleFunc("GET /v1/orgs/{orgID}/budget", s.handleGetBudget)
	mux.HandleFunc("PUT /v1/orgs/{orgID}/agents/{agentID}/budget", s.handleSetBudget)
	mux.HandleFunc("GET /v1/orgs/{orgID}/agents/{agentID}/budget", s.handleGetBudget)
	mux.HandleFunc("POST /v1/budget/check", s.handleCheckBudget)

	mux.HandleFunc("POST /v1/usage", s.handleReportUsage)
	mux.HandleFunc("GET /v1/usage", s.handleQueryUsage)

	mux.HandleFunc("POST /v1/audit", s.handleAppendAudit)
	mux.HandleFunc("GET /v1/audit", s.handleQueryAudit)
	mux.HandleFunc("GET /v1/audit/chain/{executionID}", s.handleDelegationChain)

	mux.HandleFunc("POST /v1/tokens/exchange", s.handleExchangeToken)
	mux.HandleFunc("GET /v1/tokens/{tokenID}", s.handleValidateToken)
	mux.HandleFunc("DELETE /v1/tokens/{tokenID}", s.handleRevokeToken)
	mux.HandleFunc("DELETE /v1/agents/{agentID}/tokens", s.handleRevokeAgentTokens)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s.authenticate(mux)
}

// authenticate enforces the x-api-key shared secret on every request when
// one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Organizations ---

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	o, err := s.orgs.Create(req.Name, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, _ *http.Request) {
	list, err := s.orgs.List()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orgs": list})
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	o, found, err := s.orgs.Get(r.PathValue("orgID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "org not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.orgs.Delete(r.PathValue("orgID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "org not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Agents ---

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string         `json:"name"`
		Role            string         `json:"role,omitempty"`
		DelegatedUserID string         `json:"delegated_user_id,omitempty"`
		TokenClaims     map[string]any `json:"token_claims,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	a, err := s.agents.Register(r.PathValue("orgID"), req.Name, model.AgentRole(req.Role), req.DelegatedUserID, req.TokenClaims)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.agents.List(r.PathValue("orgID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, found, err := s.agents.Get(r.PathValue("orgID"), r.PathValue("agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	orgID, agentID := r.PathValue("orgID"), r.PathValue("agentID")
	ok, err := s.agents.Deactivate(orgID, agentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	// Deactivation invalidates every live token the agent holds.
	revoked := s.tokens.RevokeAllForAgent(agentID)
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true, "tokens_revoked": revoked})
}

// --- Policies ---

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tools                   []model.ToolPermission `json:"tools"`
		TokenLimit              int64                  `json:"token_limit,omitempty"`
		ExecutionTimeoutSeconds int64                  `json:"execution_timeout_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	p, err := s.policies.Set(r.PathValue("orgID"), r.PathValue("agentID"), req.Tools, req.TokenLimit, req.ExecutionTimeoutSeconds)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, found, err := s.policies.Get(r.PathValue("orgID"), r.PathValue("agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	p, found, err := s.policies.Effective(r.PathValue("orgID"), r.PathValue("agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID           string `json:"org_id"`
		AgentID         string `json:"agent_id"`
		ToolName        string `json:"tool_name"`
		EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	decision, err := s.policies.Evaluate(req.OrgID, req.AgentID, req.ToolName, req.EstimatedTokens)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- Budgets ---

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenLimit      int64 `json:"token_limit,omitempty"`
		ResetPeriodDays int   `json:"reset_period_days,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	b, err := s.budgets.Set(r.PathValue("orgID"), r.PathValue("agentID"), req.TokenLimit, req.ResetPeriodDays)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, found, err := s.budgets.Get(r.PathValue("orgID"), r.PathValue("agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "budget not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCheckBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID           string `json:"org_id"`
		AgentID         string `json:"agent_id"`
		EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	allowed, remaining, reason, err := s.budgets.Check(req.OrgID, req.AgentID, req.EstimatedTokens)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":          allowed,
		"tokens_remaining": remaining,
		"reason":           reason,
	})
}

// --- Usage ---

func (s *Server) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	var report model.UsageReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	remaining, err := s.budgets.Report(report)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"tokens_remaining": remaining})
}

func (s *Server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	q := model.UsageQuery{
		OrgID:   r.URL.Query().Get("org_id"),
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_time: "+err.Error())
			return
		}
		q.StartTime = t
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_time: "+err.Error())
			return
		}
		q.EndTime = t
	}
	summary, err := s.budgets.Usage(q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Audit ---

func (s *Server) handleAppendAudit(w http.ResponseWriter, r *http.Request) {
	var entry model.AuditEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	s.audit.Append(entry)
	writeJSON(w, http.StatusCreated, map[string]bool{"recorded": true})
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		OrgID:       r.URL.Query().Get("org_id"),
		AgentID:     r.URL.Query().Get("agent_id"),
		ExecutionID: r.URL.Query().Get("execution_id"),
		Action:      model.AuditAction(r.URL.Query().Get("action")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
			return
		}
		q.Limit = limit
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.audit.Query(q)})
}

func (s *Server) handleDelegationChain(w http.ResponseWriter, r *http.Request) {
	chain := s.audit.DelegationChain(r.PathValue("executionID"))
	writeJSON(w, http.StatusOK, map[string]any{"entries": chain})
}

// --- Tokens ---

func (s *Server) handleExchangeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentTokenID string   `json:"parent_token_id"`
		AgentID       string   `json:"agent_id"`
		OrgID         string   `json:"org_id"`
		ToolName      string   `json:"tool_name"`
		Scopes        []string `json:"scopes,omitempty"`
		TTLSeconds    *int64   `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	// Absent ttl_seconds defers to the service default; an explicit zero
	// requests a token that expires at issuance.
	ttl := -1 * time.Second
	if req.TTLSeconds != nil {
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}
	scoped, err := s.tokens.Exchange(req.ParentTokenID, req.AgentID, req.OrgID, req.ToolName, req.Scopes, ttl)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scoped)
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	scoped, ok := s.tokens.Validate(r.PathValue("tokenID"))
	if !ok {
		writeError(w, http.StatusNotFound, "token not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, scoped)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if !s.tokens.Revoke(r.PathValue("tokenID")) {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleRevokeAgentTokens(w http.ResponseWriter, r *http.Request) {
	n := s.tokens.RevokeAllForAgent(r.PathValue("agentID"))
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var status int
	var validationErr *model.ValidationError
	var capacityErr *model.TokenCapacityError
	var unavailableErr *model.ServiceUnavailableError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case isNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &capacityErr):
		status = http.StatusTooManyRequests
	case errors.As(err, &unavailableErr):
		status = http.StatusServiceUnavailable
	default:
		var invalidUsage *model.InvalidUsageError
		if errors.As(err, &invalidUsage) {
			status = http.StatusBadRequest
		} else {
			status = http.StatusInternalServerError
		}
	}
	writeError(w, status, err.Error())
}

func isNotFound(err error) bool {
	var agentErr *model.AgentNotFoundError
	var orgErr *model.OrgNotFoundError
	var policyErr *model.PolicyNotFoundError
	var toolErr *model.ToolNotFoundError
	var tokenErr *model.TokenNotFoundError
	return errors.As(err, &agentErr) || errors.As(err, &orgErr) ||
		errors.As(err, &policyErr) || errors.As(err, &toolErr) ||
		errors.As(err, &tokenErr)
}
