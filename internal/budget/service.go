// Package budget implements the token budget engine: per-agent and per-org
// limits, pre-flight checks, post-flight deductions, and usage aggregation.
package budget

import (
	"fmt"
	"log/slog"
	"sync"

	"agentplane/internal/model"
	"agentplane/internal/store"
)

// Defaults applied when a budget is set without explicit values.
const (
	DefaultTokenLimit      = 1_000_000
	DefaultResetPeriodDays = 30
)

// Service tracks budgets and usage. A single mutex covers every check and
// deduction so that concurrent reports against the same budget never lose
// updates, and a pre-flight check observes a consistent agent+org view.
type Service struct {
	mu      sync.Mutex
	budgets store.Store[model.Budget]
	usage   store.Store[model.UsageReport]
}

// NewService creates a budget service. Nil stores get in-memory ones.
func NewService(budgets store.Store[model.Budget], usage store.Store[model.UsageReport]) *Service {
	if budgets == nil {
		budgets = store.NewMemoryStore[model.Budget]()
	}
	if usage == nil {
		usage = store.NewMemoryStore[model.UsageReport]()
	}
	return &Service{budgets: budgets, usage: usage}
}

func budgetKey(orgID, agentID string) string {
	if agentID != "" {
		return orgID + ":agent:" + agentID
	}
	return orgID + ":org"
}

// Set creates or replaces the budget for (orgID, agentID). An empty agentID
// targets the org budget. Replacing preserves budget_id and the accumulated
// tokens_used / tool_invocations counters: changing a limit is not a reset.
func (s *Service) Set(orgID, agentID string, tokenLimit int64, resetPeriodDays int) (model.Budget, error) {
	if tokenLimit == 0 {
		tokenLimit = DefaultTokenLimit
	}
	if resetPeriodDays == 0 {
		resetPeriodDays = DefaultResetPeriodDays
	}
	if err := model.ValidateTokenLimit(tokenLimit, "token_limit"); err != nil {
		return model.Budget{}, err
	}

	key := budgetKey(orgID, agentID)
	s.mu.Lock()
	existing, exists, err := s.budgets.Get(key)
	if err != nil {
		s.mu.Unlock()
		return model.Budget{}, err
	}
	now := model.Now()
	b := model.Budget{
		BudgetID:        model.NewID(),
		OrgID:           orgID,
		AgentID:         agentID,
		TokenLimit:      tokenLimit,
		ResetPeriodDays: resetPeriodDays,
		CreatedAt:       now,
		LastResetAt:     now,
	}
	if exists {
		b.BudgetID = existing.BudgetID
		b.TokensUsed = existing.TokensUsed
		b.ToolInvocations = existing.ToolInvocations
		b.CreatedAt = existing.CreatedAt
		b.LastResetAt = existing.LastResetAt
	}
	err = s.budgets.Put(key, b)
	s.mu.Unlock()
	if err != nil {
		return model.Budget{}, err
	}

	slog.Info("budget set", "org_id", orgID, "agent_id", agentID, "token_limit", tokenLimit)
	return b, nil
}

// Get returns the stored budget for (orgID, agentID).
func (s *Service) Get(orgID, agentID string) (model.Budget, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgets.Get(budgetKey(orgID, agentID))
}

// Check is the pre-flight gate: it reports whether the agent may spend
// estimatedTokens, the tokens remaining, and a reason. The agent budget is
// checked before the org budget; the first exhausted scope denies. When
// neither scope has a budget the call is allowed with zero remaining.
func (s *Service) Check(orgID, agentID string, estimatedTokens int64) (bool, int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentBudget, hasAgent, err := s.budgets.Get(budgetKey(orgID, agentID))
	if err != nil {
		return false, 0, "", err
	}
	if hasAgent && agentBudget.TokensRemaining() < estimatedTokens {
		return false, agentBudget.TokensRemaining(),
			fmt.Sprintf("agent budget exhausted: %d remaining, %d requested",
				agentBudget.TokensRemaining(), estimatedTokens), nil
	}

	orgBudget, hasOrg, err := s.budgets.Get(budgetKey(orgID, ""))
	if err != nil {
		return false, 0, "", err
	}
	if hasOrg && orgBudget.TokensRemaining() < estimatedTokens {
		return false, orgBudget.TokensRemaining(),
			fmt.Sprintf("org budget exhausted: %d remaining, %d requested",
				orgBudget.TokensRemaining(), estimatedTokens), nil
	}

	var remaining int64
	switch {
	case hasAgent && hasOrg:
		remaining = min(agentBudget.TokensRemaining(), orgBudget.TokensRemaining())
	case hasAgent:
		remaining = agentBudget.TokensRemaining()
	case hasOrg:
		remaining = orgBudget.TokensRemaining()
	}
	return true, remaining, "budget_ok", nil
}

// Report records a usage report and deducts it from the agent and org
// budgets in one critical section. It returns the agent budget's remaining
// tokens (zero when the agent has no budget). Negative usage is rejected.
func (s *Service) Report(r model.UsageReport) (int64, error) {
	if r.TokensUsed < 0 {
		return 0, &model.InvalidUsageError{Reason: "tokens_used must not be negative"}
	}
	if r.ToolInvocations < 0 {
		return 0, &model.InvalidUsageError{Reason: "tool_invocations must not be negative"}
	}
	if r.ReportID == "" {
		r.ReportID = model.NewID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = model.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usage.Put(r.ReportID, r); err != nil {
		return 0, err
	}

	var remaining int64
	agentKey := budgetKey(r.OrgID, r.AgentID)
	if agentBudget, ok, err := s.budgets.Get(agentKey); err != nil {
		return 0, err
	} else if ok {
		agentBudget.TokensUsed += r.TokensUsed
		agentBudget.ToolInvocations += r.ToolInvocations
		if err := s.budgets.Put(agentKey, agentBudget); err != nil {
			return 0, err
		}
		remaining = agentBudget.TokensRemaining()
	}

	orgKey := budgetKey(r.OrgID, "")
	if orgBudget, ok, err := s.budgets.Get(orgKey); err != nil {
		return 0, err
	} else if ok {
		orgBudget.TokensUsed += r.TokensUsed
		orgBudget.ToolInvocations += r.ToolInvocations
		if err := s.budgets.Put(orgKey, orgBudget); err != nil {
			return 0, err
		}
	}

	slog.Info("usage reported",
		"org_id", r.OrgID,
		"agent_id", r.AgentID,
		"execution_id", r.ExecutionID,
		"tokens_used", r.TokensUsed,
		"tokens_remaining", remaining)
	return remaining, nil
}

// Usage aggregates the stored reports matching q. Zero-valued filter fields
// match everything; time bounds are inclusive.
func (s *Service) Usage(q model.UsageQuery) (model.UsageSummary, error) {
	s.mu.Lock()
	reports, err := s.usage.List("")
	s.mu.Unlock()
	if err != nil {
		return model.UsageSummary{}, err
	}

	summary := model.UsageSummary{OrgID: q.OrgID, AgentID: q.AgentID}
	for _, r := range reports {
		if q.OrgID != "" && r.OrgID != q.OrgID {
			continue
		}
		if q.AgentID != "" && r.AgentID != q.AgentID {
			continue
		}
		if !q.StartTime.IsZero() && r.Timestamp.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && r.Timestamp.After(q.EndTime) {
			continue
		}
		summary.TotalTokens += r.TokensUsed
		summary.TotalToolInvocations += r.ToolInvocations
		summary.TotalExecutionDurationMS += r.ExecutionDurationMS
		summary.ReportCount++
	}
	return summary, nil
}
