package budget

import (
	"strings"
	"sync"
	"testing"
	"time"

	"agentplane/internal/model"
)

func TestCheckAgentThenOrg(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", 1000, 0); err != nil {
		t.Fatalf("set org budget: %v", err)
	}
	if _, err := svc.Set("org-1", "agent-1", 100, 0); err != nil {
		t.Fatalf("set agent budget: %v", err)
	}

	tests := []struct {
		name        string
		estimate    int64
		wantAllowed bool
		wantScope   string
	}{
		{"within-both", 50, true, ""},
		{"agent-exhausted-first", 500, false, "agent budget exhausted"},
		{"org-gates-above-agent", 100, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, _, reason, err := svc.Check("org-1", "agent-1", tt.estimate)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v (reason %q)", allowed, tt.wantAllowed, reason)
			}
			if tt.wantScope != "" && !strings.Contains(reason, tt.wantScope) {
				t.Errorf("reason = %q, want substring %q", reason, tt.wantScope)
			}
		})
	}
}

func TestCheckOrgBudgetOnly(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", 100, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	allowed, remaining, reason, err := svc.Check("org-1", "agent-1", 500)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Error("estimate above org budget should be denied")
	}
	if remaining != 100 {
		t.Errorf("remaining = %d, want 100", remaining)
	}
	if !strings.Contains(reason, "org budget exhausted") {
		t.Errorf("reason = %q", reason)
	}
}

func TestCheckNoBudgetsConfigured(t *testing.T) {
	svc := NewService(nil, nil)
	allowed, remaining, reason, err := svc.Check("org-1", "agent-1", 1_000_000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Error("no budgets means allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0 when unbudgeted", remaining)
	}
	if reason != "budget_ok" {
		t.Errorf("reason = %q, want budget_ok", reason)
	}
}

func TestReportDeductsBothScopes(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", 1000, 0); err != nil {
		t.Fatalf("set org: %v", err)
	}
	if _, err := svc.Set("org-1", "agent-1", 500, 0); err != nil {
		t.Fatalf("set agent: %v", err)
	}

	remaining, err := svc.Report(model.UsageReport{
		OrgID:           "org-1",
		AgentID:         "agent-1",
		ExecutionID:     "exec-1",
		TokensUsed:      200,
		ToolInvocations: 3,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if remaining != 300 {
		t.Errorf("remaining = %d, want 300", remaining)
	}

	agentBudget, _, _ := svc.Get("org-1", "agent-1")
	orgBudget, _, _ := svc.Get("org-1", "")
	if agentBudget.TokensUsed != 200 || orgBudget.TokensUsed != 200 {
		t.Errorf("tokens_used agent=%d org=%d, want 200 both", agentBudget.TokensUsed, orgBudget.TokensUsed)
	}
	if agentBudget.ToolInvocations != 3 || orgBudget.ToolInvocations != 3 {
		t.Errorf("tool_invocations agent=%d org=%d, want 3 both", agentBudget.ToolInvocations, orgBudget.ToolInvocations)
	}
}

func TestReportRejectsNegativeUsage(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Report(model.UsageReport{OrgID: "o", AgentID: "a", TokensUsed: -1}); err == nil {
		t.Fatal("negative tokens_used should be rejected")
	}
	summary, err := svc.Usage(model.UsageQuery{})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if summary.ReportCount != 0 {
		t.Error("rejected report must not be stored")
	}
}

// Concurrent reports against the same budget must not lose updates.
func TestConcurrentReportsConserveTokens(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "agent-1", 1_000_000, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	const (
		goroutines = 2
		reports    = 50
		tokens     = 100
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < reports; i++ {
				if _, err := svc.Report(model.UsageReport{
					OrgID:      "org-1",
					AgentID:    "agent-1",
					TokensUsed: tokens,
				}); err != nil {
					t.Errorf("report: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	b, _, err := svc.Get("org-1", "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := int64(goroutines * reports * tokens); b.TokensUsed != want {
		t.Errorf("tokens_used = %d, want %d", b.TokensUsed, want)
	}
}

func TestSetPreservesUsage(t *testing.T) {
	svc := NewService(nil, nil)
	first, err := svc.Set("org-1", "agent-1", 1000, 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := svc.Report(model.UsageReport{OrgID: "org-1", AgentID: "agent-1", TokensUsed: 400}); err != nil {
		t.Fatalf("report: %v", err)
	}

	second, err := svc.Set("org-1", "agent-1", 2000, 0)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if second.BudgetID != first.BudgetID {
		t.Error("replace changed budget_id")
	}
	if second.TokensUsed != 400 {
		t.Errorf("tokens_used = %d, want 400 (raising a limit is not a reset)", second.TokensUsed)
	}
	if second.TokensRemaining() != 1600 {
		t.Errorf("remaining = %d, want 1600", second.TokensRemaining())
	}
}

func TestUsageQueryFilters(t *testing.T) {
	svc := NewService(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reports := []model.UsageReport{
		{OrgID: "org-1", AgentID: "a1", TokensUsed: 10, ToolInvocations: 1, Timestamp: base},
		{OrgID: "org-1", AgentID: "a2", TokensUsed: 20, Timestamp: base.Add(time.Hour)},
		{OrgID: "org-2", AgentID: "a1", TokensUsed: 40, Timestamp: base.Add(2 * time.Hour)},
	}
	for _, r := range reports {
		if _, err := svc.Report(r); err != nil {
			t.Fatalf("report: %v", err)
		}
	}

	tests := []struct {
		name       string
		query      model.UsageQuery
		wantTokens int64
		wantCount  int
	}{
		{"by-org", model.UsageQuery{OrgID: "org-1"}, 30, 2},
		{"by-org-and-agent", model.UsageQuery{OrgID: "org-1", AgentID: "a1"}, 10, 1},
		{"all", model.UsageQuery{}, 70, 3},
		{"inclusive-start", model.UsageQuery{StartTime: base.Add(time.Hour)}, 60, 2},
		{"inclusive-end", model.UsageQuery{EndTime: base.Add(time.Hour)}, 30, 2},
		{"window", model.UsageQuery{StartTime: base.Add(time.Hour), EndTime: base.Add(time.Hour)}, 20, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Usage(tt.query)
			if err != nil {
				t.Fatalf("usage: %v", err)
			}
			if got.TotalTokens != tt.wantTokens {
				t.Errorf("total tokens = %d, want %d", got.TotalTokens, tt.wantTokens)
			}
			if got.ReportCount != tt.wantCount {
				t.Errorf("report count = %d, want %d", got.ReportCount, tt.wantCount)
			}
		})
	}
}
