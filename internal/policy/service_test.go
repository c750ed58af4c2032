package policy

import (
	"strings"
	"testing"

	"agentplane/internal/model"
)

func allow(tool string) model.ToolPermission {
	return model.ToolPermission{ToolName: tool, Effect: model.EffectAllow}
}

func deny(tool string) model.ToolPermission {
	return model.ToolPermission{ToolName: tool, Effect: model.EffectDeny}
}

func TestMergeAndEvaluate(t *testing.T) {
	svc := NewService(nil, nil)

	if _, err := svc.Set("org-1", "", []model.ToolPermission{allow("*"), deny("shell")}, 200_000, 0); err != nil {
		t.Fatalf("set org policy: %v", err)
	}
	if _, err := svc.Set("org-1", "agent-1", []model.ToolPermission{allow("search"), allow("calculator")}, 50_000, 0); err != nil {
		t.Fatalf("set agent policy: %v", err)
	}

	tests := []struct {
		name        string
		tool        string
		wantAllowed bool
		wantReason  string
	}{
		{"explicit-allow", "search", true, "allowed"},
		{"org-deny-wins", "shell", false, "denied"},
		{"wildcard-survives-merge", "email", true, "wildcard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := svc.Evaluate("org-1", "agent-1", tt.tool, 0)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v (reason %q)", d.Allowed, tt.wantAllowed, d.Reason)
			}
			if !strings.Contains(d.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want substring %q", d.Reason, tt.wantReason)
			}
		})
	}

	// Merged limits take the minimum of both levels.
	p, found, err := svc.Effective("org-1", "agent-1")
	if err != nil || !found {
		t.Fatalf("effective: found=%v err=%v", found, err)
	}
	if p.TokenLimit != 50_000 {
		t.Errorf("effective token limit = %d, want 50000", p.TokenLimit)
	}

	// The merged limit gates the estimate.
	d, err := svc.Evaluate("org-1", "agent-1", "search", 60_000)
	if err != nil {
		t.Fatalf("evaluate over limit: %v", err)
	}
	if d.Allowed {
		t.Error("estimate above merged limit should be denied")
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", []model.ToolPermission{allow("search")}, 0, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	d, err := svc.Evaluate("org-1", "agent-1", "email", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Error("unlisted tool should be denied")
	}
	if !strings.Contains(d.Reason, "default deny") {
		t.Errorf("reason = %q, want default deny", d.Reason)
	}
}

func TestEvaluateNoPolicy(t *testing.T) {
	svc := NewService(nil, nil)
	d, err := svc.Evaluate("org-x", "agent-x", "search", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Error("missing policy should deny")
	}
	if !strings.Contains(d.Reason, "no policy") {
		t.Errorf("reason = %q, want no-policy", d.Reason)
	}
}

func TestExplicitDenyBeatsWildcard(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", []model.ToolPermission{allow("*"), deny("shell")}, 0, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	d, err := svc.Evaluate("org-1", "agent-1", "shell", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Error("explicit deny must beat wildcard allow")
	}
}

func TestSetPreservesPolicyID(t *testing.T) {
	svc := NewService(nil, nil)
	first, err := svc.Set("org-1", "", []model.ToolPermission{allow("search")}, 0, 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := svc.Set("org-1", "", []model.ToolPermission{allow("email")}, 0, 0)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if second.PolicyID != first.PolicyID {
		t.Errorf("replace changed policy_id: %q -> %q", first.PolicyID, second.PolicyID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("replace changed created_at")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) && !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("replace should refresh updated_at")
	}
}

func TestAgentOverlayReplacesSameTool(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", []model.ToolPermission{allow("search")}, 0, 0); err != nil {
		t.Fatalf("set org: %v", err)
	}
	if _, err := svc.Set("org-1", "agent-1", []model.ToolPermission{deny("search")}, 0, 0); err != nil {
		t.Fatalf("set agent: %v", err)
	}
	d, err := svc.Evaluate("org-1", "agent-1", "search", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Error("agent overlay deny should replace org allow for the same tool")
	}
}

func TestSetRejectsInvalidInput(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.Set("org-1", "", []model.ToolPermission{allow("bad tool name!")}, 0, 0); err == nil {
		t.Error("invalid tool name should be rejected")
	}
	if _, err := svc.Set("org-1", "", nil, 100_000_001, 0); err == nil {
		t.Error("token limit above ceiling should be rejected")
	}
	if _, err := svc.Set("org-1", "", nil, 0, 3601); err == nil {
		t.Error("timeout above ceiling should be rejected")
	}
}

func TestCompileRego(t *testing.T) {
	p := model.Policy{
		OrgID:                   "org-abc",
		TokenLimit:              1000,
		ExecutionTimeoutSeconds: 60,
		Tools:                   []model.ToolPermission{allow("search"), deny("shell")},
	}
	rego := CompileRego(p)
	for _, want := range []string{
		"package agentplane.policy.org_abc",
		"default allow := false",
		"token_limit := 1000",
		`denied_tools := ["shell"]`,
		`allowed_tools := ["search"]`,
	} {
		if !strings.Contains(rego, want) {
			t.Errorf("rego missing %q:\n%s", want, rego)
		}
	}
}
