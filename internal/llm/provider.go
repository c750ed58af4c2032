// Package llm defines the completion provider contract the runtime calls
// and adapters for Anthropic, OpenAI, and Gemini, plus a deterministic mock
// for tests and development.
package llm

import (
	"context"
	"strings"
	"sync/atomic"
)

// DefaultMaxTokens bounds a completion when the request does not set one.
const DefaultMaxTokens = 4096

// Request is one completion request.
type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int64
	Temperature  float64
	Context      map[string]any
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ToolName   string
	Parameters map[string]any
}

// Response is a completion result. TokensUsed covers input and output.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	TokensUsed   int64
	FinishReason string
}

// Provider is a pluggable completion backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Mock is a deterministic provider for tests. A prompt containing
// "use tool <name>" yields a single tool call for that name; anything else
// yields the canned response.
type Mock struct {
	Response string
	Tokens   int64
	calls    atomic.Int64
}

// NewMock creates a mock provider. Zero values get "Mock response" / 50.
func NewMock(response string, tokens int64) *Mock {
	if response == "" {
		response = "Mock response"
	}
	if tokens == 0 {
		tokens = 50
	}
	return &Mock{Response: response, Tokens: tokens}
}

func (m *Mock) Name() string { return "mock" }

// CallCount returns how many times Complete ran.
func (m *Mock) CallCount() int64 { return m.calls.Load() }

func (m *Mock) Complete(_ context.Context, req Request) (Response, error) {
	m.calls.Add(1)

	lower := strings.ToLower(req.Prompt)
	if idx := strings.Index(lower, "use tool"); idx >= 0 {
		rest := strings.Fields(lower[idx+len("use tool"):])
		toolName := "mock_tool"
		if len(rest) > 0 {
			toolName = rest[0]
		}
		return Response{
			ToolCalls:    []ToolCall{{ToolName: toolName, Parameters: map[string]any{}}},
			TokensUsed:   m.Tokens,
			FinishReason: "tool_use",
		}, nil
	}
	return Response{
		Content:      m.Response,
		TokensUsed:   m.Tokens,
		FinishReason: "stop",
	}, nil
}
