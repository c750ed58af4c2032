// Package runtime orchestrates one task execution end to end: agent
// validation, policy and budget gates, the LLM call, proxied tool calls,
// usage reporting, and the terminal audit entry.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentplane/internal/llm"
	"agentplane/internal/logging"
	"agentplane/internal/model"
	"agentplane/internal/proxy"
)

// AgentResolver resolves agent identities for execution.
type AgentResolver interface {
	Get(orgID, agentID string) (model.AgentIdentity, bool, error)
	GetByID(agentID string) (model.AgentIdentity, bool, error)
}

// PolicyResolver fetches the effective policy for an agent.
type PolicyResolver interface {
	Effective(orgID, agentID string) (model.Policy, bool, error)
}

// BudgetGate is the pre-flight check and post-flight report pair.
type BudgetGate interface {
	Check(orgID, agentID string, estimatedTokens int64) (bool, int64, string, error)
	Report(r model.UsageReport) (int64, error)
}

// Auditor records audit entries.
type Auditor interface {
	Append(entry model.AuditEntry)
}

// Runtime is a stateless per-task orchestrator. All collaborating services
// are injected; the same runtime works against in-process services or
// remote control-plane clients.
type Runtime struct {
	agents   AgentResolver
	policies PolicyResolver
	budgets  BudgetGate
	provider llm.Provider
	proxy    *proxy.Proxy
	audit    Auditor
}

// New creates a runtime over the given collaborators.
func New(agents AgentResolver, policies PolicyResolver, budgets BudgetGate, provider llm.Provider, p *proxy.Proxy, audit Auditor) *Runtime {
	return &Runtime{
		agents:   agents,
		policies: policies,
		budgets:  budgets,
		provider: provider,
		proxy:    p,
		audit:    audit,
	}
}

// Execute runs one task through the full governance pipeline. It never
// returns an error: every failure mode is folded into the response with
// success=false and the failure's error type.
func (r *Runtime) Execute(ctx context.Context, req model.ExecutionRequest) model.ExecutionResponse {
	start := time.Now()
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = model.NewID()
	}
	log := logging.ExecutionLogger(req.OrgID, req.AgentID, executionID)

	resp, err := r.run(ctx, req, executionID, start, log)
	if err != nil {
		duration := time.Since(start).Milliseconds()
		log.Error("execution failed", "err", err)
		return model.ExecutionResponse{
			ExecutionID: executionID,
			AgentID:     req.AgentID,
			OrgID:       req.OrgID,
			Success:     false,
			Error:       err.Error(),
			ErrorType:   model.ErrorType(err),
			DurationMS:  duration,
			CompletedAt: model.Now(),
		}
	}
	return resp
}

func (r *Runtime) run(ctx context.Context, req model.ExecutionRequest, executionID string, start time.Time, log *slog.Logger) (model.ExecutionResponse, error) {
	// 1. Resolve the agent; fall back to a cross-org lookup by ID.
	agent, found, err := r.agents.Get(req.OrgID, req.AgentID)
	if err != nil {
		return model.ExecutionResponse{}, err
	}
	if !found {
		agent, found, err = r.agents.GetByID(req.AgentID)
		if err != nil {
			return model.ExecutionResponse{}, err
		}
	}
	if !found {
		return model.ExecutionResponse{}, &model.AgentNotFoundError{OrgID: req.OrgID, AgentID: req.AgentID}
	}
	if !agent.Active {
		return model.ExecutionResponse{}, &model.AgentNotFoundError{OrgID: req.OrgID, AgentID: req.AgentID, Reason: "inactive"}
	}

	// 2. The effective policy must exist before anything runs.
	policy, found, err := r.policies.Effective(req.OrgID, req.AgentID)
	if err != nil {
		return model.ExecutionResponse{}, err
	}
	if !found {
		return model.ExecutionResponse{}, &model.PolicyNotFoundError{OrgID: req.OrgID, AgentID: req.AgentID}
	}

	// 3. Budget pre-flight against the policy's per-execution ceiling.
	ok, remaining, reason, err := r.budgets.Check(req.OrgID, req.AgentID, policy.TokenLimit)
	if err != nil {
		return model.ExecutionResponse{}, err
	}
	if !ok {
		return model.ExecutionResponse{}, &model.BudgetExhaustedError{Reason: reason, TokensRemaining: remaining}
	}

	// 4. LLM call.
	completion, err := r.provider.Complete(ctx, llm.Request{
		Prompt:  req.Task,
		Context: req.Context,
	})
	if err != nil {
		return model.ExecutionResponse{}, fmt.Errorf("llm completion: %w", err)
	}

	// 5. Each requested tool call goes through the authorization proxy,
	// which enforces policy and budget per call and audits it.
	var outcomes []model.ToolCallOutcome
	for _, tc := range completion.ToolCalls {
		result := r.proxy.Execute(ctx, proxy.Request{
			AgentID:         req.AgentID,
			OrgID:           req.OrgID,
			DelegatedUserID: agent.DelegatedUserID,
			ExecutionID:     executionID,
			ToolName:        tc.ToolName,
			Parameters:      tc.Parameters,
		})
		outcome := model.ToolCallOutcome{
			ToolName:   tc.ToolName,
			Parameters: tc.Parameters,
			Error:      result.Error,
			Success:    result.Success,
			LatencyMS:  result.LatencyMS,
		}
		if result.Success {
			outcome.Result = fmt.Sprintf("%v", result.Result)
		}
		outcomes = append(outcomes, outcome)
	}

	duration := time.Since(start).Milliseconds()

	// 6. One usage report for the task: the LLM tokens only. The proxy has
	// already counted each tool invocation.
	if _, err := r.budgets.Report(model.UsageReport{
		OrgID:               req.OrgID,
		AgentID:             req.AgentID,
		ExecutionID:         executionID,
		TokensUsed:          completion.TokensUsed,
		ToolInvocations:     0,
		ExecutionDurationMS: duration,
	}); err != nil {
		return model.ExecutionResponse{}, err
	}

	// 7. Terminal audit entry.
	r.audit.Append(model.AuditEntry{
		OrgID:           req.OrgID,
		AgentID:         req.AgentID,
		DelegatedUserID: agent.DelegatedUserID,
		ExecutionID:     executionID,
		Action:          model.ActionExecutionComplete,
		Result:          model.ResultSuccess,
		LatencyMS:       duration,
		TokensUsed:      completion.TokensUsed,
	})

	log.Info("execution complete",
		"tokens_used", completion.TokensUsed,
		"tool_calls", len(outcomes),
		"duration_ms", duration)

	return model.ExecutionResponse{
		ExecutionID: executionID,
		AgentID:     req.AgentID,
		OrgID:       req.OrgID,
		Result:      completion.Content,
		TokensUsed:  completion.TokensUsed,
		ToolCalls:   outcomes,
		DurationMS:  duration,
		Success:     true,
		CompletedAt: model.Now(),
	}, nil
}
