// Package policy implements the hierarchical policy engine: organization
// baselines merged with agent overlays under deny-wins semantics, and
// tool/limit evaluation for every call that passes the gateway.
package policy

import (
	"fmt"
	"log/slog"

	"agentplane/internal/model"
	"agentplane/internal/store"
)

// Defaults applied when a policy is set without explicit limits.
const (
	DefaultTokenLimit     = 100_000
	DefaultTimeoutSeconds = 300
)

// Service provides policy CRUD, hierarchical merge, and evaluation.
// When an external evaluator is configured, evaluation is dispatched to it
// and policy mutations are pushed as compiled Rego.
type Service struct {
	store    store.Store[model.Policy]
	external *ExternalEvaluator
}

// NewService creates a policy service. A nil store gets an in-memory one;
// external may be nil for local-only evaluation.
func NewService(s store.Store[model.Policy], external *ExternalEvaluator) *Service {
	if s == nil {
		s = store.NewMemoryStore[model.Policy]()
	}
	return &Service{store: s, external: external}
}

func policyKey(orgID, agentID string) string {
	if agentID != "" {
		return orgID + ":agent:" + agentID
	}
	return orgID + ":org"
}

// Set creates or replaces the policy for (orgID, agentID). An empty agentID
// targets the organization baseline. Replacing preserves policy_id and
// created_at and refreshes updated_at.
func (s *Service) Set(orgID, agentID string, tools []model.ToolPermission, tokenLimit, timeoutSeconds int64) (model.Policy, error) {
	if tokenLimit == 0 {
		tokenLimit = DefaultTokenLimit
	}
	if timeoutSeconds == 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	if err := model.ValidateTokenLimit(tokenLimit, "token_limit"); err != nil {
		return model.Policy{}, err
	}
	if err := model.ValidateTimeout(timeoutSeconds, "execution_timeout_seconds"); err != nil {
		return model.Policy{}, err
	}
	for _, t := range tools {
		if _, err := model.ValidateToolName(t.ToolName, "tool_name"); err != nil {
			return model.Policy{}, err
		}
		if _, err := model.ValidateEffect(string(t.Effect), "effect"); err != nil {
			return model.Policy{}, err
		}
	}

	key := policyKey(orgID, agentID)
	existing, exists, err := s.store.Get(key)
	if err != nil {
		return model.Policy{}, err
	}

	now := model.Now()
	p := model.Policy{
		PolicyID:                model.NewID(),
		OrgID:                   orgID,
		AgentID:                 agentID,
		Tools:                   tools,
		TokenLimit:              tokenLimit,
		ExecutionTimeoutSeconds: timeoutSeconds,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if exists {
		p.PolicyID = existing.PolicyID
		p.CreatedAt = existing.CreatedAt
	}
	if err := s.store.Put(key, p); err != nil {
		return model.Policy{}, err
	}

	scope := "org"
	if agentID != "" {
		scope = "agent:" + agentID
	}
	slog.Info("policy set", "org_id", orgID, "scope", scope, "policy_id", p.PolicyID)

	if s.external != nil {
		if err := s.external.Push(p); err != nil {
			slog.Warn("external policy push failed", "org_id", orgID, "err", err)
		}
	}
	return p, nil
}

// Get returns the stored policy for (orgID, agentID) without merging.
func (s *Service) Get(orgID, agentID string) (model.Policy, bool, error) {
	return s.store.Get(policyKey(orgID, agentID))
}

// Effective returns the policy governing (orgID, agentID): the merge of the
// org baseline and the agent overlay when both exist, whichever one exists
// otherwise, or none.
func (s *Service) Effective(orgID, agentID string) (model.Policy, bool, error) {
	orgPolicy, hasOrg, err := s.store.Get(policyKey(orgID, ""))
	if err != nil {
		return model.Policy{}, false, err
	}
	agentPolicy, hasAgent, err := s.store.Get(policyKey(orgID, agentID))
	if err != nil {
		return model.Policy{}, false, err
	}
	switch {
	case hasOrg && hasAgent:
		return merge(orgPolicy, agentPolicy), true, nil
	case hasAgent:
		return agentPolicy, true, nil
	case hasOrg:
		return orgPolicy, true, nil
	}
	return model.Policy{}, false, nil
}

// merge folds an agent overlay onto the org baseline. The overlay replaces
// baseline entries tool by tool, except tools the baseline denies: an org
// deny can never be overridden. Limits take the minimum of both levels.
func merge(org, agent model.Policy) model.Policy {
	orgDenied := make(map[string]bool)
	for _, p := range org.Tools {
		if p.Effect == model.EffectDeny {
			orgDenied[p.ToolName] = true
		}
	}

	merged := make([]model.ToolPermission, len(org.Tools))
	copy(merged, org.Tools)
	for _, p := range agent.Tools {
		if orgDenied[p.ToolName] {
			continue
		}
		kept := merged[:0:0]
		for _, m := range merged {
			if m.ToolName != p.ToolName {
				kept = append(kept, m)
			}
		}
		merged = append(kept, p)
	}

	return model.Policy{
		PolicyID:                agent.PolicyID,
		OrgID:                   org.OrgID,
		AgentID:                 agent.AgentID,
		Tools:                   merged,
		TokenLimit:              min(org.TokenLimit, agent.TokenLimit),
		ExecutionTimeoutSeconds: min(org.ExecutionTimeoutSeconds, agent.ExecutionTimeoutSeconds),
		CreatedAt:               agent.CreatedAt,
		UpdatedAt:               agent.UpdatedAt,
	}
}

// Evaluate decides whether (orgID, agentID) may call toolName with the
// given token estimate. A non-nil error is returned only when an external
// evaluator is configured and unreachable; a plain deny is not an error.
func (s *Service) Evaluate(orgID, agentID, toolName string, estimatedTokens int64) (model.PolicyDecision, error) {
	p, ok, err := s.Effective(orgID, agentID)
	if err != nil {
		return model.PolicyDecision{}, err
	}
	if !ok {
		return decision(false, "no policy found for org/agent", ""), nil
	}

	if s.external != nil {
		return s.external.Evaluate(p, orgID, agentID, toolName, estimatedTokens)
	}

	if estimatedTokens > p.TokenLimit {
		return decision(false,
			fmt.Sprintf("estimated tokens %d exceeds limit %d", estimatedTokens, p.TokenLimit),
			p.PolicyID), nil
	}
	return evaluateTool(p, toolName), nil
}

// evaluateTool applies the permission list: explicit deny first, then
// explicit allow, then wildcard allow, then default deny.
func evaluateTool(p model.Policy, toolName string) model.PolicyDecision {
	for _, perm := range p.Tools {
		if perm.ToolName == toolName && perm.Effect == model.EffectDeny {
			return decision(false, fmt.Sprintf("tool %q explicitly denied", toolName), p.PolicyID)
		}
	}
	for _, perm := range p.Tools {
		if perm.ToolName == toolName && perm.Effect == model.EffectAllow {
			return decision(true, fmt.Sprintf("tool %q explicitly allowed", toolName), p.PolicyID)
		}
	}
	for _, perm := range p.Tools {
		if perm.ToolName == model.Wildcard && perm.Effect == model.EffectAllow {
			return decision(true, "wildcard allow", p.PolicyID)
		}
	}
	return decision(false, fmt.Sprintf("tool %q not in allowed list (default deny)", toolName), p.PolicyID)
}

func decision(allowed bool, reason, policyID string) model.PolicyDecision {
	return model.PolicyDecision{
		Allowed:         allowed,
		Reason:          reason,
		MatchedPolicyID: policyID,
		EvaluatedAt:     model.Now(),
	}
}
