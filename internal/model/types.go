// Package model defines the core entities shared by the control plane,
// the gateway, and the execution runtime.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque identifier (UUID v4).
func NewID() string {
	return uuid.NewString()
}

// Now returns the current instant in UTC, the timezone all platform
// timestamps are recorded in.
func Now() time.Time {
	return time.Now().UTC()
}

// AgentRole classifies what an agent is for.
type AgentRole string

const (
	RoleExecutor AgentRole = "executor"
	RolePlanner  AgentRole = "planner"
	RoleReviewer AgentRole = "reviewer"
	RoleAdmin    AgentRole = "admin"
)

// PolicyEffect is the outcome a tool permission carries.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// Wildcard is the tool name that matches any tool without an explicit entry.
const Wildcard = "*"

// Organization is the top-level principal everything else hangs off.
type Organization struct {
	OrgID     string         `json:"org_id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentIdentity is a non-human principal acting under an organization,
// optionally on behalf of a human user.
type AgentIdentity struct {
	AgentID         string         `json:"agent_id"`
	OrgID           string         `json:"org_id"`
	Name            string         `json:"name"`
	Role            AgentRole      `json:"role"`
	DelegatedUserID string         `json:"delegated_user_id,omitempty"`
	TokenClaims     map[string]any `json:"token_claims,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Active          bool           `json:"active"`
}

// ToolPermission allows or denies a single tool (or the wildcard).
type ToolPermission struct {
	ToolName string       `json:"tool_name"`
	Effect   PolicyEffect `json:"effect"`
}

// Policy is an ordered tool permission list plus per-execution limits.
// AgentID empty means the organization baseline; set means an agent overlay.
type Policy struct {
	PolicyID                string           `json:"policy_id"`
	OrgID                   string           `json:"org_id"`
	AgentID                 string           `json:"agent_id,omitempty"`
	Tools                   []ToolPermission `json:"tools"`
	TokenLimit              int64            `json:"token_limit"`
	ExecutionTimeoutSeconds int64            `json:"execution_timeout_seconds"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// Budget tracks token and invocation consumption for one scope
// (organization when AgentID is empty, otherwise a single agent).
type Budget struct {
	BudgetID        string    `json:"budget_id"`
	OrgID           string    `json:"org_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	TokenLimit      int64     `json:"token_limit"`
	TokensUsed      int64     `json:"tokens_used"`
	ToolInvocations int64     `json:"tool_invocations"`
	ResetPeriodDays int       `json:"reset_period_days"`
	CreatedAt       time.Time `json:"created_at"`
	LastResetAt     time.Time `json:"last_reset_at"`
}

// TokensRemaining is the budget headroom, floored at zero.
func (b Budget) TokensRemaining() int64 {
	if b.TokensUsed >= b.TokenLimit {
		return 0
	}
	return b.TokenLimit - b.TokensUsed
}

// IsExhausted reports whether the budget has no headroom left.
func (b Budget) IsExhausted() bool {
	return b.TokensUsed >= b.TokenLimit
}

// UsageReport is the immutable record of one execution's consumption.
type UsageReport struct {
	ReportID            string    `json:"report_id"`
	OrgID               string    `json:"org_id"`
	AgentID             string    `json:"agent_id"`
	ExecutionID         string    `json:"execution_id"`
	TokensUsed          int64     `json:"tokens_used"`
	ToolInvocations     int64     `json:"tool_invocations"`
	ExecutionDurationMS int64     `json:"execution_duration_ms"`
	ToolName            string    `json:"tool_name,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// UsageQuery filters usage reports. Zero values mean "no filter";
// time bounds are inclusive.
type UsageQuery struct {
	OrgID     string    `json:"org_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// UsageSummary aggregates the reports a UsageQuery matched.
type UsageSummary struct {
	OrgID                    string `json:"org_id,omitempty"`
	AgentID                  string `json:"agent_id,omitempty"`
	TotalTokens              int64  `json:"total_tokens"`
	TotalToolInvocations     int64  `json:"total_tool_invocations"`
	TotalExecutionDurationMS int64  `json:"total_execution_duration_ms"`
	ReportCount              int    `json:"report_count"`
}

// ScopedToken is a short-lived signed token narrowed from a broader parent
// to a single tool scope (RFC 8693 token exchange).
type ScopedToken struct {
	TokenID       string         `json:"token_id"`
	ParentTokenID string         `json:"parent_token_id"`
	AgentID       string         `json:"agent_id"`
	OrgID         string         `json:"org_id"`
	ToolName      string         `json:"tool_name"`
	Scopes        []string       `json:"scopes"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"` // zero means non-expiring
	Claims        map[string]any `json:"claims,omitempty"`
	SignedToken   string         `json:"signed_token"`
}

// IsExpired reports whether the token's lifetime has passed at now.
func (t ScopedToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// AuditAction identifies what kind of operation an audit entry records.
type AuditAction string

const (
	ActionToolCall          AuditAction = "tool_call"
	ActionPolicyCheck       AuditAction = "policy_check"
	ActionBudgetCheck       AuditAction = "budget_check"
	ActionExecutionComplete AuditAction = "execution_complete"
)

// AuditResult is the recorded outcome of an audited operation.
type AuditResult string

const (
	ResultAllowed  AuditResult = "allowed"
	ResultDenied   AuditResult = "denied"
	ResultExecuted AuditResult = "executed"
	ResultFailed   AuditResult = "failed"
	ResultSuccess  AuditResult = "success"
)

// AuditEntry is one record in the append-only audit log. Parameters carry
// key -> type-tag pairs only; raw values never reach the log.
type AuditEntry struct {
	EntryID         string            `json:"entry_id"`
	OrgID           string            `json:"org_id"`
	AgentID         string            `json:"agent_id"`
	DelegatedUserID string            `json:"delegated_user_id,omitempty"`
	ExecutionID     string            `json:"execution_id"`
	Action          AuditAction       `json:"action"`
	ToolName        string            `json:"tool_name,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Result          AuditResult       `json:"result"`
	Reason          string            `json:"reason,omitempty"`
	LatencyMS       int64             `json:"latency_ms"`
	TokensUsed      int64             `json:"tokens_used"`
	Timestamp       time.Time         `json:"timestamp"`
}

// PolicyDecision is the transient outcome of one policy evaluation.
type PolicyDecision struct {
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	MatchedPolicyID string    `json:"matched_policy_id,omitempty"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// ExecutionRequest is the task envelope the runtime executes.
type ExecutionRequest struct {
	AgentID     string         `json:"agent_id"`
	OrgID       string         `json:"org_id"`
	Task        string         `json:"task"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ToolCallOutcome is one tool call's result inside an ExecutionResponse.
type ToolCallOutcome struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Success    bool           `json:"success"`
	LatencyMS  int64          `json:"latency_ms"`
}

// ExecutionResponse reports how a task execution went.
type ExecutionResponse struct {
	ExecutionID string            `json:"execution_id"`
	AgentID     string            `json:"agent_id"`
	OrgID       string            `json:"org_id"`
	Result      string            `json:"result,omitempty"`
	TokensUsed  int64             `json:"tokens_used"`
	ToolCalls   []ToolCallOutcome `json:"tool_calls,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	ErrorType   string            `json:"error_type,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}
