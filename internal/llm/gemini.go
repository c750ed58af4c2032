package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini adapts the Gemini API to the Provider interface.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed provider.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), config)
	if err != nil {
		return Response{}, fmt.Errorf("gemini completion: %w", err)
	}

	out := Response{
		Content:      resp.Text(),
		FinishReason: "stop",
	}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int64(resp.UsageMetadata.TotalTokenCount)
	}
	for _, fc := range resp.FunctionCalls() {
		params := fc.Args
		if params == nil {
			params = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ToolName: fc.Name, Parameters: params})
		out.FinishReason = "tool_use"
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" && len(out.ToolCalls) == 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}
