package model

import (
	"fmt"
	"reflect"
)

// The platform error taxonomy. Every enforcement component converts its
// failures into one of these types so callers can branch with errors.As
// and so the error class name survives into error_type fields.

// AgentNotFoundError reports a missing or inactive agent.
type AgentNotFoundError struct {
	OrgID   string
	AgentID string
	Reason  string // "not found" or "inactive"
}

func (e *AgentNotFoundError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "not found"
	}
	return fmt.Sprintf("agent %s in org %s: %s", e.AgentID, e.OrgID, reason)
}

// OrgNotFoundError reports a missing organization.
type OrgNotFoundError struct {
	OrgID string
}

func (e *OrgNotFoundError) Error() string {
	return fmt.Sprintf("org %s not found", e.OrgID)
}

// PolicyNotFoundError reports that no policy covers an (org, agent) pair.
type PolicyNotFoundError struct {
	OrgID   string
	AgentID string
}

func (e *PolicyNotFoundError) Error() string {
	return fmt.Sprintf("no policy configured for org %s agent %s", e.OrgID, e.AgentID)
}

// PolicyViolationError is a deny result from policy evaluation.
type PolicyViolationError struct {
	Reason   string
	PolicyID string
}

func (e *PolicyViolationError) Error() string {
	return "policy denied: " + e.Reason
}

// BudgetExhaustedError is a deny result from a budget pre-flight check.
type BudgetExhaustedError struct {
	Reason          string
	TokensRemaining int64
}

func (e *BudgetExhaustedError) Error() string {
	return "budget denied: " + e.Reason
}

// InvalidUsageError reports a nonsensical usage report.
type InvalidUsageError struct {
	Reason string
}

func (e *InvalidUsageError) Error() string {
	return "invalid usage report: " + e.Reason
}

// TokenExpiredError reports a scoped token past its lifetime.
type TokenExpiredError struct {
	TokenID string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("token %s expired", e.TokenID)
}

// TokenNotFoundError reports a token ID that is revoked or was never issued.
type TokenNotFoundError struct {
	TokenID string
}

func (e *TokenNotFoundError) Error() string {
	return fmt.Sprintf("token %s not found", e.TokenID)
}

// TokenCapacityError reports that the live-token index is full even after
// expired entries were cleaned up.
type TokenCapacityError struct {
	Capacity int
	Cleaned  int
}

func (e *TokenCapacityError) Error() string {
	return fmt.Sprintf("token store at capacity (%d), cleaned %d expired tokens but still full", e.Capacity, e.Cleaned)
}

// ToolNotFoundError reports a tool name with no registered handler.
type ToolNotFoundError struct {
	ToolName string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not registered", e.ToolName)
}

// ToolExecutionError reports a handler failure.
type ToolExecutionError struct {
	ToolName string
	Reason   string
}

func (e *ToolExecutionError) Error() string {
	if e.ToolName == "" {
		return "tool execution failed: " + e.Reason
	}
	return fmt.Sprintf("tool %q execution failed: %s", e.ToolName, e.Reason)
}

// ToolParameterError reports a tool call parameter map that failed the
// validation floor.
type ToolParameterError struct {
	Field  string
	Reason string
}

func (e *ToolParameterError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("parameter %q: %s", e.Field, e.Reason)
}

// SSRFBlockedError reports a URL blocked by SSRF protection.
type SSRFBlockedError struct {
	URL string
}

func (e *SSRFBlockedError) Error() string {
	return "URL blocked by SSRF protection: " + e.URL
}

// StoreReadError wraps a persistence-layer read failure.
type StoreReadError struct {
	Key string
	Err error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("store read %q: %v", e.Key, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// StoreWriteError wraps a persistence-layer write failure.
type StoreWriteError struct {
	Key string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %q: %v", e.Key, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// ServiceUnavailableError reports an unreachable external dependency
// (policy engine, LLM provider, MCP server).
type ServiceUnavailableError struct {
	Service string
	Reason  string
}

func (e *ServiceUnavailableError) Error() string {
	if e.Reason == "" {
		return e.Service + " unavailable"
	}
	return e.Service + " unavailable: " + e.Reason
}

// ConfigurationError reports invalid startup configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ErrorType returns the taxonomy class name for err, suitable for the
// error_type field of tool call results and execution responses. Errors
// outside the taxonomy report their own type name so callers can still
// branch on it; anonymous errors (errors.New, fmt.Errorf) collapse to
// ToolExecutionError.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	switch name {
	case "", "errorString", "wrapError", "joinError":
		return "ToolExecutionError"
	}
	return name
}
