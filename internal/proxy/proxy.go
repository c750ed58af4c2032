// Package proxy implements the authorization proxy that sits between
// agents and tool servers: every tool call passes parameter validation,
// policy evaluation, and a budget pre-flight before the handler runs, and
// leaves exactly one audit entry behind.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentplane/internal/audit"
	"agentplane/internal/model"
	"agentplane/internal/tool"
)

// Parameter limits enforced before any policy or budget work happens.
const (
	MaxParamCount     = 50
	MaxParamKeyLen    = 256
	MaxParamStringLen = 10_000
)

// PolicyFunc evaluates whether (org, agent) may call a tool. A non-nil
// error means the policy engine itself was unavailable.
type PolicyFunc func(orgID, agentID, toolName string, estimatedTokens int64) (model.PolicyDecision, error)

// BudgetFunc is the pre-flight budget gate: (allowed, remaining, reason).
type BudgetFunc func(orgID, agentID string, estimatedTokens int64) (bool, int64, string, error)

// UsageFunc records post-flight usage and returns tokens remaining.
type UsageFunc func(r model.UsageReport) (int64, error)

// AuditFunc records one audit entry.
type AuditFunc func(entry model.AuditEntry)

// Request is one tool call arriving at the proxy.
type Request struct {
	AgentID         string         `json:"agent_id"`
	OrgID           string         `json:"org_id"`
	DelegatedUserID string         `json:"delegated_user_id,omitempty"`
	ExecutionID     string         `json:"execution_id"`
	ToolName        string         `json:"tool_name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

// Result is the proxy's verdict and, on success, the tool's output.
type Result struct {
	Success    bool             `json:"success"`
	Result     any              `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorType  string           `json:"error_type,omitempty"`
	TokensUsed int64            `json:"tokens_used"`
	LatencyMS  int64            `json:"latency_ms"`
	AuditEntry model.AuditEntry `json:"audit_entry"`
}

// Proxy enforces policy and budget on every tool call. The enforcement
// services are injected as callables so the proxy works identically against
// in-process services and remote control-plane clients.
type Proxy struct {
	checkPolicy PolicyFunc
	checkBudget BudgetFunc
	reportUsage UsageFunc
	logAudit    AuditFunc
	tools       *tool.Registry
}

// New creates a proxy. A nil registry gets an empty one; a nil audit func
// logs entries through slog only.
func New(policy PolicyFunc, budget BudgetFunc, usage UsageFunc, auditFn AuditFunc, tools *tool.Registry) *Proxy {
	if tools == nil {
		tools = tool.NewRegistry()
	}
	if auditFn == nil {
		auditFn = func(entry model.AuditEntry) {
			slog.Info("audit entry",
				"entry_id", entry.EntryID,
				"org_id", entry.OrgID,
				"agent_id", entry.AgentID,
				"action", entry.Action,
				"tool_name", entry.ToolName,
				"result", entry.Result,
				"reason", entry.Reason)
		}
	}
	return &Proxy{
		checkPolicy: policy,
		checkBudget: budget,
		reportUsage: usage,
		logAudit:    auditFn,
		tools:       tools,
	}
}

// Tools returns the proxy's tool registry for handler registration.
func (p *Proxy) Tools() *tool.Registry { return p.tools }

// validateParameters rejects oversized parameter maps before any
// enforcement work: at most MaxParamCount entries, keys at most
// MaxParamKeyLen bytes, string values at most MaxParamStringLen bytes.
func validateParameters(params map[string]any) error {
	if len(params) > MaxParamCount {
		return &model.ToolParameterError{
			Reason: fmt.Sprintf("too many parameters: %d exceeds limit of %d", len(params), MaxParamCount),
		}
	}
	for k, v := range params {
		if len(k) > MaxParamKeyLen {
			return &model.ToolParameterError{
				Field:  k,
				Reason: fmt.Sprintf("parameter key too long: %d chars", len(k)),
			}
		}
		if s, ok := v.(string); ok && len(s) > MaxParamStringLen {
			return &model.ToolParameterError{
				Field:  k,
				Reason: fmt.Sprintf("parameter value too long: %d chars (max %d)", len(s), MaxParamStringLen),
			}
		}
	}
	return nil
}

// Execute runs one tool call through the full enforcement pipeline:
// parameter validation, policy, budget, handler lookup, invocation, usage
// reporting. Exactly one audit entry is recorded per call, whatever the
// outcome; usage is reported only when the handler succeeds. A handler
// panic is converted into a failed result, never propagated.
func (p *Proxy) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	if err := validateParameters(req.Parameters); err != nil {
		return p.deny(req, model.ResultDenied, err.Error(), "ToolParameterError", start)
	}

	decision, err := p.checkPolicy(req.OrgID, req.AgentID, req.ToolName, 0)
	if err != nil {
		return p.deny(req, model.ResultDenied, err.Error(), model.ErrorType(err), start)
	}
	if !decision.Allowed {
		return p.deny(req, model.ResultDenied, "policy denied: "+decision.Reason, "PolicyViolationError", start)
	}

	ok, _, budgetReason, err := p.checkBudget(req.OrgID, req.AgentID, 0)
	if err != nil {
		return p.deny(req, model.ResultDenied, err.Error(), model.ErrorType(err), start)
	}
	if !ok {
		return p.deny(req, model.ResultDenied, "budget denied: "+budgetReason, "BudgetExhaustedError", start)
	}

	handler, found := p.tools.Lookup(req.ToolName)
	if !found {
		return p.deny(req, model.ResultFailed,
			fmt.Sprintf("tool %q not registered", req.ToolName), "ToolNotFoundError", start)
	}

	result, invokeErr := p.invoke(ctx, handler, req.Parameters)
	latency := time.Since(start).Milliseconds()

	if invokeErr != nil {
		slog.Error("tool execution failed",
			"tool_name", req.ToolName,
			"error_type", model.ErrorType(invokeErr),
			"err", invokeErr,
			"agent_id", req.AgentID,
			"org_id", req.OrgID)
		entry := p.auditEntry(req, model.ResultFailed, invokeErr.Error(), latency)
		p.logAudit(entry)
		return Result{
			Success:    false,
			Error:      invokeErr.Error(),
			ErrorType:  model.ErrorType(invokeErr),
			LatencyMS:  latency,
			AuditEntry: entry,
		}
	}

	if _, err := p.reportUsage(model.UsageReport{
		OrgID:               req.OrgID,
		AgentID:             req.AgentID,
		ExecutionID:         req.ExecutionID,
		TokensUsed:          0,
		ToolInvocations:     1,
		ExecutionDurationMS: latency,
		ToolName:            req.ToolName,
	}); err != nil {
		slog.Warn("usage report failed", "tool_name", req.ToolName, "err", err)
	}

	entry := p.auditEntry(req, model.ResultExecuted, "", latency)
	p.logAudit(entry)
	return Result{
		Success:    true,
		Result:     result,
		LatencyMS:  latency,
		AuditEntry: entry,
	}
}

// invoke runs the handler with panic recovery.
func (p *Proxy) invoke(ctx context.Context, h tool.Handler, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.ToolExecutionError{ToolName: h.Name(), Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return h.Invoke(ctx, params)
}

func (p *Proxy) deny(req Request, result model.AuditResult, reason, errorType string, start time.Time) Result {
	latency := time.Since(start).Milliseconds()
	entry := p.auditEntry(req, result, reason, latency)
	p.logAudit(entry)
	return Result{
		Success:    false,
		Error:      reason,
		ErrorType:  errorType,
		LatencyMS:  latency,
		AuditEntry: entry,
	}
}

func (p *Proxy) auditEntry(req Request, result model.AuditResult, reason string, latencyMS int64) model.AuditEntry {
	return model.AuditEntry{
		OrgID:           req.OrgID,
		AgentID:         req.AgentID,
		DelegatedUserID: req.DelegatedUserID,
		ExecutionID:     req.ExecutionID,
		Action:          model.ActionToolCall,
		ToolName:        req.ToolName,
		Parameters:      audit.TypeTags(req.Parameters),
		Result:          result,
		Reason:          reason,
		LatencyMS:       latencyMS,
	}
}
