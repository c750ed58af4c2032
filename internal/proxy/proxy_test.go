package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"agentplane/internal/model"
	"agentplane/internal/tool"
)

// harness wires a proxy to recording stubs so each test can assert on the
// audit and usage side effects.
type harness struct {
	proxy   *Proxy
	audits  []model.AuditEntry
	usages  []model.UsageReport
	allowed bool
	reason  string

	budgetOK     bool
	budgetReason string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{allowed: true, budgetOK: true}
	policy := func(orgID, agentID, toolName string, estimatedTokens int64) (model.PolicyDecision, error) {
		return model.PolicyDecision{Allowed: h.allowed, Reason: h.reason}, nil
	}
	budget := func(orgID, agentID string, estimatedTokens int64) (bool, int64, string, error) {
		return h.budgetOK, 0, h.budgetReason, nil
	}
	usage := func(r model.UsageReport) (int64, error) {
		h.usages = append(h.usages, r)
		return 0, nil
	}
	auditFn := func(entry model.AuditEntry) {
		h.audits = append(h.audits, entry)
	}
	reg := tool.NewRegistry()
	if err := reg.RegisterFunc("echo", func(ctx context.Context, params map[string]any) (any, error) {
		return params["message"], nil
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	h.proxy = New(policy, budget, usage, auditFn, reg)
	return h
}

func req(toolName string, params map[string]any) Request {
	return Request{
		AgentID:     "agent-1",
		OrgID:       "org-1",
		ExecutionID: "exec-1",
		ToolName:    toolName,
		Parameters:  params,
	}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	res := h.proxy.Execute(context.Background(), req("echo", map[string]any{"message": "hi"}))

	if !res.Success {
		t.Fatalf("success = false: %s", res.Error)
	}
	if res.Result != "hi" {
		t.Errorf("result = %v", res.Result)
	}
	if len(h.audits) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(h.audits))
	}
	entry := h.audits[0]
	if entry.Result != model.ResultExecuted {
		t.Errorf("audit result = %q", entry.Result)
	}
	if entry.Parameters["message"] != "string" {
		t.Errorf("audit parameters = %v, want type tags only", entry.Parameters)
	}
	if len(h.usages) != 1 {
		t.Fatalf("usage reports = %d, want 1", len(h.usages))
	}
	if u := h.usages[0]; u.TokensUsed != 0 || u.ToolInvocations != 1 {
		t.Errorf("usage = tokens %d / invocations %d, want 0 / 1", u.TokensUsed, u.ToolInvocations)
	}
}

func TestExecuteParameterLimits(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		wantOK bool
	}{
		{"max-count", genParams(MaxParamCount), true},
		{"over-count", genParams(MaxParamCount + 1), false},
		{"max-value-len", map[string]any{"v": strings.Repeat("x", MaxParamStringLen)}, true},
		{"over-value-len", map[string]any{"v": strings.Repeat("x", MaxParamStringLen+1)}, false},
		{"over-key-len", map[string]any{strings.Repeat("k", MaxParamKeyLen+1): "v"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.proxy.Execute(context.Background(), req("echo", tt.params))
			if res.Success != tt.wantOK {
				t.Fatalf("success = %v, want %v (error %s)", res.Success, tt.wantOK, res.Error)
			}
			if !tt.wantOK {
				if res.ErrorType != "ToolParameterError" {
					t.Errorf("error_type = %q", res.ErrorType)
				}
				if len(h.audits) != 1 || h.audits[0].Result != model.ResultDenied {
					t.Errorf("oversized parameters should leave one denied audit entry")
				}
				if len(h.usages) != 0 {
					t.Error("denied call must not report usage")
				}
			}
		})
	}
}

func TestExecutePolicyDenied(t *testing.T) {
	h := newHarness(t)
	h.allowed = false
	h.reason = "tool \"echo\" not in allowed list"

	res := h.proxy.Execute(context.Background(), req("echo", nil))
	if res.Success {
		t.Fatal("policy-denied call should fail")
	}
	if res.ErrorType != "PolicyViolationError" {
		t.Errorf("error_type = %q", res.ErrorType)
	}
	if !strings.Contains(res.Error, "policy denied") {
		t.Errorf("error = %q", res.Error)
	}
	if len(h.audits) != 1 || h.audits[0].Result != model.ResultDenied {
		t.Error("exactly one denied audit entry expected")
	}
	if len(h.usages) != 0 {
		t.Error("denied call must not report usage")
	}
}

func TestExecuteBudgetDenied(t *testing.T) {
	h := newHarness(t)
	h.budgetOK = false
	h.budgetReason = "agent budget exhausted: 0 remaining, 0 requested"

	res := h.proxy.Execute(context.Background(), req("echo", nil))
	if res.Success {
		t.Fatal("budget-denied call should fail")
	}
	if res.ErrorType != "BudgetExhaustedError" {
		t.Errorf("error_type = %q", res.ErrorType)
	}
	if len(h.audits) != 1 || h.audits[0].Result != model.ResultDenied {
		t.Error("exactly one denied audit entry expected")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	h := newHarness(t)
	res := h.proxy.Execute(context.Background(), req("missing", nil))
	if res.Success {
		t.Fatal("unknown tool should fail")
	}
	if res.ErrorType != "ToolNotFoundError" {
		t.Errorf("error_type = %q", res.ErrorType)
	}
	if len(h.audits) != 1 || h.audits[0].Result != model.ResultFailed {
		t.Error("exactly one failed audit entry expected")
	}
}

func TestExecuteHandlerError(t *testing.T) {
	h := newHarness(t)
	if err := h.proxy.Tools().RegisterFunc("flaky", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, errors.New("upstream unavailable")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := h.proxy.Execute(context.Background(), req("flaky", nil))
	if res.Success {
		t.Fatal("handler error should fail the call")
	}
	if len(h.audits) != 1 || h.audits[0].Result != model.ResultFailed {
		t.Error("exactly one failed audit entry expected")
	}
	if len(h.usages) != 0 {
		t.Error("failed call must not report usage")
	}
}

func TestExecuteHandlerPanic(t *testing.T) {
	h := newHarness(t)
	if err := h.proxy.Tools().RegisterFunc("boom", func(ctx context.Context, params map[string]any) (any, error) {
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := h.proxy.Execute(context.Background(), req("boom", nil))
	if res.Success {
		t.Fatal("panicking handler should fail the call, not crash")
	}
	if res.ErrorType != "ToolExecutionError" {
		t.Errorf("error_type = %q", res.ErrorType)
	}
	if !strings.Contains(res.Error, "handler exploded") {
		t.Errorf("error = %q", res.Error)
	}
	if len(h.audits) != 1 {
		t.Errorf("audit entries = %d, want 1", len(h.audits))
	}
}

func genParams(n int) map[string]any {
	params := make(map[string]any, n)
	for i := 0; i < n; i++ {
		params[fmt.Sprintf("param_%d", i)] = i
	}
	return params
}
