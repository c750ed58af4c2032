// Package main implements the control-plane daemon: organizations, agents,
// policies, budgets, usage, audit, and token exchange behind one HTTP
// surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentplane/internal/agent"
	"agentplane/internal/audit"
	"agentplane/internal/budget"
	"agentplane/internal/config"
	"agentplane/internal/logging"
	"agentplane/internal/model"
	"agentplane/internal/org"
	"agentplane/internal/policy"
	"agentplane/internal/server"
	"agentplane/internal/store"
	"agentplane/internal/token"
)

func main() {
	// Init must run before flag.Parse so it can strip --log-level before
	// the flag package sees it.
	remaining := logging.Init(os.Args[1:])

	var (
		listenAddr = flag.String("listen", envOrDefault("AP_LISTEN_ADDR", ""), "HTTP listen address")
		configPath = flag.String("config", envOrDefault("AP_CONFIG", ""), "Path to YAML config file")
	)
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	services, closeDB, err := buildServices(cfg)
	if err != nil {
		slog.Error("failed to build services", "err", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := seed(cfg, services); err != nil {
		slog.Error("failed to seed entities", "err", err)
		os.Exit(1)
	}

	srv := server.New(services.orgs, services.agents, services.policies,
		services.budgets, services.tokens, services.audit, cfg.APIKey)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down control plane...")
		httpServer.Shutdown(context.Background())
	}()

	slog.Info("control plane starting",
		"listen", cfg.Listen,
		"database", cfg.DatabaseURL != "",
		"api_key", cfg.APIKey != "")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("control plane stopped")
}

type services struct {
	orgs     *org.Service
	agents   *agent.Service
	policies *policy.Service
	budgets  *budget.Service
	tokens   *token.Service
	audit    *audit.Log
}

// buildServices wires every control-plane service over the configured
// backend: SQL-backed stores when a DSN is set, in-memory otherwise.
func buildServices(cfg *config.Config) (*services, func(), error) {
	closeDB := func() {}

	var (
		orgStore    store.Store[model.Organization]
		agentStore  store.Store[model.AgentIdentity]
		policyStore store.Store[model.Policy]
		budgetStore store.Store[model.Budget]
		usageStore  store.Store[model.UsageReport]
	)
	if cfg.DatabaseURL != "" {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closeDB = func() { db.Close() }
		if orgStore, err = store.NewSQLStore[model.Organization](db, "orgs"); err != nil {
			return nil, nil, err
		}
		if agentStore, err = store.NewSQLStore[model.AgentIdentity](db, "agents"); err != nil {
			return nil, nil, err
		}
		if policyStore, err = store.NewSQLStore[model.Policy](db, "policies"); err != nil {
			return nil, nil, err
		}
		if budgetStore, err = store.NewSQLStore[model.Budget](db, "budgets"); err != nil {
			return nil, nil, err
		}
		if usageStore, err = store.NewSQLStore[model.UsageReport](db, "usage_reports"); err != nil {
			return nil, nil, err
		}
	} else {
		orgStore = store.NewMemoryStore[model.Organization]()
		agentStore = store.NewMemoryStore[model.AgentIdentity]()
		policyStore = store.NewMemoryStore[model.Policy]()
		budgetStore = store.NewMemoryStore[model.Budget]()
		usageStore = store.NewMemoryStore[model.UsageReport]()
	}

	var external *policy.ExternalEvaluator
	if cfg.OPAURL != "" {
		external = policy.NewExternalEvaluator(cfg.OPAURL, 10*time.Second, nil)
	}

	tokenOpts := []token.Option{}
	if cfg.Token.Issuer != "" {
		tokenOpts = append(tokenOpts, token.WithIssuer(cfg.Token.Issuer))
	}
	if cfg.Token.TTLSeconds > 0 {
		tokenOpts = append(tokenOpts, token.WithTTL(time.Duration(cfg.Token.TTLSeconds)*time.Second))
	}
	tokens, err := token.NewService(tokenOpts...)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	orgs := org.NewService(orgStore)
	return &services{
		orgs:     orgs,
		agents:   agent.NewService(agentStore, orgs),
		policies: policy.NewService(policyStore, external),
		budgets:  budget.NewService(budgetStore, usageStore),
		tokens:   tokens,
		audit:    audit.NewLog(cfg.AuditMaxEntries),
	}, closeDB, nil
}

// seed creates the orgs, agents, policies, and budgets the config declares.
// Agent names in policy and budget seeds are resolved against the agents
// created in the same org block.
func seed(cfg *config.Config, svc *services) error {
	for _, so := range cfg.Seed {
		o, err := svc.orgs.Create(so.Name, nil)
		if err != nil {
			return err
		}
		agentIDs := make(map[string]string, len(so.Agents))
		for _, sa := range so.Agents {
			a, err := svc.agents.Register(o.OrgID, sa.Name, model.AgentRole(sa.Role), sa.DelegatedUserID, nil)
			if err != nil {
				return err
			}
			agentIDs[sa.Name] = a.AgentID
		}
		for _, sp := range so.Policies {
			agentID := agentIDs[sp.Agent]
			if _, err := svc.policies.Set(o.OrgID, agentID, sp.Tools, sp.TokenLimit, sp.ExecutionTimeoutSeconds); err != nil {
				return err
			}
		}
		for _, sb := range so.Budgets {
			agentID := agentIDs[sb.Agent]
			if _, err := svc.budgets.Set(o.OrgID, agentID, sb.TokenLimit, sb.ResetPeriodDays); err != nil {
				return err
			}
		}
		slog.Info("seeded org", "org_id", o.OrgID, "name", so.Name, "agents", len(so.Agents))
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
