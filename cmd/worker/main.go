// Package main implements the stateless execution worker. All agent,
// policy, budget, and audit state lives in the control plane; the worker
// holds only its tool registry and LLM adapter.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentplane/internal/llm"
	"agentplane/internal/logging"
	"agentplane/internal/model"
	"agentplane/internal/proxy"
	"agentplane/internal/remote"
	"agentplane/internal/runtime"
	"agentplane/internal/tool"
)

func main() {
	remaining := logging.Init(os.Args[1:])

	var (
		listenAddr   = flag.String("listen", envOrDefault("AP_WORKER_ADDR", ":8081"), "HTTP listen address")
		controlPlane = flag.String("control-plane", envOrDefault("CONTROL_PLANE_ADDRESS", "http://localhost:8080"), "Control-plane base URL")
		providerName = flag.String("provider", envOrDefault("AP_LLM_PROVIDER", "mock"), "LLM provider: mock, anthropic, openai, gemini")
		modelName    = flag.String("model", envOrDefault("AP_LLM_MODEL", ""), "Model name override")
	)
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	client := remote.NewClient(*controlPlane, os.Getenv("AP_API_KEY"))
	slog.Info("worker connecting", "control_plane", *controlPlane)

	provider, err := buildProvider(*providerName, *modelName)
	if err != nil {
		slog.Error("failed to build LLM provider", "provider", *providerName, "err", err)
		os.Exit(1)
	}

	// Tool registry is local to this worker; every invocation still runs
	// through the proxy's policy and budget gates on the control plane.
	tools := tool.NewRegistry()
	tools.Register(tool.Echo{})            //nolint:errcheck
	tools.Register(tool.NewHTTPFetch(nil)) //nolint:errcheck
	registerMCPServers(tools)

	p := proxy.New(client.Evaluate, client.Check, client.Report, client.Append, tools)
	rt := runtime.New(client, client, client, provider, p, client)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", func(w http.ResponseWriter, r *http.Request) {
		var req model.ExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp := rt.Execute(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down worker...")
		httpServer.Shutdown(context.Background())
	}()

	slog.Info("worker started",
		"listen", *listenAddr,
		"control_plane", *controlPlane,
		"provider", provider.Name(),
		"tools", tools.Names())

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// buildProvider selects the LLM adapter by name, pulling credentials from
// the environment.
func buildProvider(name, modelName string) (llm.Provider, error) {
	switch strings.ToLower(name) {
	case "", "mock":
		return llm.NewMock("", 0), nil
	case "anthropic":
		return llm.NewAnthropic(os.Getenv("ANTHROPIC_API_KEY"), modelName)
	case "openai":
		return llm.NewOpenAI(os.Getenv("OPENAI_API_KEY"), modelName)
	case "gemini":
		return llm.NewGemini(context.Background(), os.Getenv("GEMINI_API_KEY"), modelName)
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

// registerMCPServers connects to the MCP servers named in AP_MCP_SERVERS
// (comma-separated "name=command arg arg" entries) and registers their
// tools. Connection failures are logged and skipped so a missing server
// doesn't take the worker down.
func registerMCPServers(tools *tool.Registry) {
	spec := os.Getenv("AP_MCP_SERVERS")
	if spec == "" {
		return
	}
	for _, entry := range strings.Split(spec, ",") {
		name, command, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			slog.Warn("skipping malformed MCP server entry", "entry", entry)
			continue
		}
		parts := strings.Fields(command)
		if len(parts) == 0 {
			slog.Warn("skipping MCP server with empty command", "server", name)
			continue
		}
		ts, err := tool.NewMCPToolset(tool.MCPConfig{
			Name:    name,
			Command: parts[0],
			Args:    parts[1:],
		})
		if err != nil {
			slog.Warn("skipping MCP server", "server", name, "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = ts.Connect(ctx)
		cancel()
		if err != nil {
			slog.Warn("MCP server connection failed", "server", name, "err", err)
			continue
		}
		if err := ts.RegisterAll(tools); err != nil {
			slog.Warn("MCP tool registration failed", "server", name, "err", err)
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
