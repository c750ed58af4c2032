package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPConfig configures a connection to one MCP tool server over stdio.
type MCPConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// MCPToolset connects to an MCP server, discovers its tools, and exposes
// each one as a Handler so the gateway's policy, budget, and audit pipeline
// applies to MCP-served tools exactly as to local ones.
type MCPToolset struct {
	cfg    MCPConfig
	mu     sync.Mutex
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPToolset creates an unconnected toolset for cfg.
func NewMCPToolset(cfg MCPConfig) (*MCPToolset, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %q: command is required", cfg.Name)
	}
	return &MCPToolset{cfg: cfg}, nil
}

// Connect starts the server process, initializes the MCP session, and
// discovers the tool list.
func (t *MCPToolset) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	env := make([]string, 0, len(t.cfg.Env))
	for k, v := range t.cfg.Env {
		env = append(env, k+"="+v)
	}
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create mcp client for %q: %w", t.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentplane-gateway", Version: "0.1.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize mcp server %q: %w", t.cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list tools from %q: %w", t.cfg.Name, err)
	}

	t.client = mcpClient
	t.tools = listResp.Tools
	slog.Info("mcp server connected", "server", t.cfg.Name, "tools", len(t.tools))
	return nil
}

// RegisterAll adds a Handler for every discovered tool to the registry.
func (t *MCPToolset) RegisterAll(r *Registry) error {
	t.mu.Lock()
	tools := t.tools
	t.mu.Unlock()
	for _, tl := range tools {
		if err := r.Register(&mcpHandler{toolset: t, name: tl.Name}); err != nil {
			return fmt.Errorf("register mcp tool %q: %w", tl.Name, err)
		}
	}
	return nil
}

// Close shuts down the server process.
func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	slog.Info("mcp server disconnected", "server", t.cfg.Name)
	return err
}

func (t *MCPToolset) call(ctx context.Context, name string, params map[string]any) (any, error) {
	t.mu.Lock()
	mcpClient := t.client
	t.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("mcp server %q not connected", t.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params
	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %q: %w", name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("mcp tool %q: %s", name, msg)
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n"), nil
	}
	return resp.Content, nil
}

// mcpHandler exposes one discovered MCP tool as a gateway Handler.
type mcpHandler struct {
	toolset *MCPToolset
	name    string
}

func (h *mcpHandler) Name() string { return h.name }

func (h *mcpHandler) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return h.toolset.call(ctx, h.name, params)
}
