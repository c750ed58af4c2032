package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"agentplane/internal/model"
)

// MaxFetchBytes caps how much of a response body the fetch tool returns.
const MaxFetchBytes = 1 << 20

// HTTPFetch is a tool that performs a GET against a caller-supplied URL.
// Every URL passes SSRF validation before any connection is made: private
// ranges, loopback, link-local, and cloud metadata hosts are rejected.
type HTTPFetch struct {
	client *http.Client
}

// NewHTTPFetch creates the fetch tool. A nil client gets a 30s-timeout one
// with redirects disabled, so a public URL cannot bounce into a private one.
func NewHTTPFetch(client *http.Client) *HTTPFetch {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPFetch{client: client}
}

func (t *HTTPFetch) Name() string { return "http_fetch" }

// Invoke fetches params["url"] and returns the status code and body text.
func (t *HTTPFetch) Invoke(ctx context.Context, params map[string]any) (any, error) {
	raw, _ := params["url"].(string)
	if raw == "" {
		return nil, &model.ToolParameterError{Field: "url", Reason: "required string parameter"}
	}
	u, err := model.ValidateURL(raw, "url")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &model.ToolExecutionError{ToolName: t.Name(), Reason: err.Error()}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &model.ToolExecutionError{ToolName: t.Name(), Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes))
	if err != nil {
		return nil, &model.ToolExecutionError{ToolName: t.Name(), Reason: err.Error()}
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

// Echo is a local diagnostic tool that returns its parameters rendered as
// text. Useful for wiring tests and smoke checks against a live gateway.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Invoke(_ context.Context, params map[string]any) (any, error) {
	if len(params) == 0 {
		return "echo", nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return "echo " + strings.Join(parts, " "), nil
}
