package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentplane/internal/model"
)

// ExternalEvaluator dispatches policy evaluation to an Open Policy Agent
// instance over its REST API. Policies are compiled to Rego and pushed on
// every mutation; evaluation queries the compiled document. All calls run
// through a circuit breaker, and a timeout counts as a failure.
type ExternalEvaluator struct {
	baseURL string
	client  *http.Client
	breaker *Breaker
}

// NewExternalEvaluator creates an adapter for the OPA instance at baseURL
// (e.g. "http://localhost:8181"). A nil breaker gets default thresholds.
func NewExternalEvaluator(baseURL string, timeout time.Duration, breaker *Breaker) *ExternalEvaluator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &ExternalEvaluator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// regoPackage derives the Rego package path for an org's policy document.
func regoPackage(orgID string) string {
	return "agentplane.policy." + strings.ReplaceAll(orgID, "-", "_")
}

// CompileRego renders a policy as a Rego module: default deny, explicit
// deny rules, explicit or wildcard allow rules, and the token limit.
func CompileRego(p model.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\n", regoPackage(p.OrgID))
	b.WriteString("default allow := false\n\n")
	fmt.Fprintf(&b, "token_limit := %d\n", p.TokenLimit)
	fmt.Fprintf(&b, "execution_timeout := %d\n\n", p.ExecutionTimeoutSeconds)

	var allowed, denied []string
	for _, perm := range p.Tools {
		switch perm.Effect {
		case model.EffectAllow:
			allowed = append(allowed, perm.ToolName)
		case model.EffectDeny:
			denied = append(denied, perm.ToolName)
		}
	}

	if len(denied) > 0 {
		fmt.Fprintf(&b, "denied_tools := %s\n\n", mustJSON(denied))
		b.WriteString("deny if {\n    input.tool_name == denied_tools[_]\n}\n\n")
	}
	if len(allowed) > 0 {
		wildcard := false
		for _, t := range allowed {
			if t == model.Wildcard {
				wildcard = true
			}
		}
		if wildcard {
			b.WriteString("allow if {\n    not deny\n}\n")
		} else {
			fmt.Fprintf(&b, "allowed_tools := %s\n\n", mustJSON(allowed))
			b.WriteString("allow if {\n    input.tool_name == allowed_tools[_]\n    not deny\n}\n")
		}
	}

	b.WriteString("\nallow if {\n    input.estimated_tokens <= token_limit\n}\n")
	return b.String()
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Push compiles p to Rego and uploads it to OPA under the org's policy name.
func (e *ExternalEvaluator) Push(p model.Policy) error {
	if !e.breaker.Allow() {
		return &model.ServiceUnavailableError{Service: "opa", Reason: "circuit open"}
	}
	name := strings.ReplaceAll(regoPackage(p.OrgID), ".", "/")
	req, err := http.NewRequest(http.MethodPut,
		e.baseURL+"/v1/policies/"+strings.ReplaceAll(p.OrgID, "-", "_"),
		strings.NewReader(CompileRego(p)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.Failure()
		return &model.ServiceUnavailableError{Service: "opa", Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.breaker.Failure()
		return &model.ServiceUnavailableError{
			Service: "opa",
			Reason:  fmt.Sprintf("policy push returned status %d", resp.StatusCode),
		}
	}
	e.breaker.Success()
	slog.Debug("policy pushed to opa", "org_id", p.OrgID, "document", name)
	return nil
}

// Evaluate queries OPA's allow rule for the effective policy. A non-nil
// error means the engine was unavailable (circuit open or request failed),
// never a plain deny.
func (e *ExternalEvaluator) Evaluate(p model.Policy, orgID, agentID, toolName string, estimatedTokens int64) (model.PolicyDecision, error) {
	if !e.breaker.Allow() {
		return model.PolicyDecision{}, &model.ServiceUnavailableError{Service: "opa", Reason: "circuit open"}
	}

	input := map[string]any{
		"input": map[string]any{
			"org_id":           orgID,
			"agent_id":         agentID,
			"tool_name":        toolName,
			"estimated_tokens": estimatedTokens,
		},
	}
	body, err := json.Marshal(input)
	if err != nil {
		return model.PolicyDecision{}, err
	}

	url := e.baseURL + "/v1/data/" + strings.ReplaceAll(regoPackage(p.OrgID), ".", "/") + "/allow"
	resp, err := e.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		e.breaker.Failure()
		return model.PolicyDecision{}, &model.ServiceUnavailableError{Service: "opa", Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.breaker.Failure()
		return model.PolicyDecision{}, &model.ServiceUnavailableError{
			Service: "opa",
			Reason:  fmt.Sprintf("evaluation returned status %d", resp.StatusCode),
		}
	}

	var result struct {
		Result bool `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		e.breaker.Failure()
		return model.PolicyDecision{}, &model.ServiceUnavailableError{Service: "opa", Reason: err.Error()}
	}
	e.breaker.Success()

	reason := "external evaluation: denied"
	if result.Result {
		reason = "external evaluation: allowed"
	}
	return decision(result.Result, reason, p.PolicyID), nil
}
