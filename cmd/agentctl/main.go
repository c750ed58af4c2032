// Package main implements agentctl, the admin CLI for the control plane.
//
// Usage:
//
//	agentctl org create <name>
//	agentctl org list
//	agentctl org delete <org-id>
//	agentctl agent register <org-id> <name> [-role executor] [-user id]
//	agentctl agent list <org-id>
//	agentctl agent deactivate <org-id> <agent-id>
//	agentctl policy set <org-id> [-agent id] [-allow t1,t2] [-deny t3] [-tokens n] [-timeout s]
//	agentctl policy get <org-id> [-agent id]
//	agentctl budget set <org-id> [-agent id] [-tokens n]
//	agentctl budget get <org-id> [-agent id]
//	agentctl token exchange <org-id> <agent-id> <tool> [-ttl seconds]
//	agentctl token revoke <token-id>
//	agentctl audit [-org id] [-agent id] [-execution id] [-limit n]
//
// The control plane address comes from CONTROL_PLANE_ADDRESS (default
// http://localhost:8080) and the shared secret from AP_API_KEY.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"agentplane/internal/audit"
	"agentplane/internal/logging"
	"agentplane/internal/model"
	"agentplane/internal/remote"
)

func main() {
	remaining := logging.Init(os.Args[1:])
	if len(remaining) < 1 {
		usage()
		os.Exit(1)
	}

	client := remote.NewClient(
		envOrDefault("CONTROL_PLANE_ADDRESS", "http://localhost:8080"),
		os.Getenv("AP_API_KEY"))

	var err error
	switch remaining[0] {
	case "org":
		err = runOrg(client, remaining[1:])
	case "agent":
		err = runAgent(client, remaining[1:])
	case "policy":
		err = runPolicy(client, remaining[1:])
	case "budget":
		err = runBudget(client, remaining[1:])
	case "token":
		err = runToken(client, remaining[1:])
	case "audit":
		err = runAudit(client, remaining[1:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentctl <org|agent|policy|budget|token|audit> ...")
}

func runOrg(client *remote.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentctl org <create|list|delete> ...")
	}
	switch args[0] {
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: agentctl org create <name>")
		}
		o, err := client.CreateOrg(args[1], nil)
		if err != nil {
			return err
		}
		return printJSON(o)
	case "list":
		orgs, err := client.ListOrgs()
		if err != nil {
			return err
		}
		return printJSON(orgs)
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: agentctl org delete <org-id>")
		}
		return client.DeleteOrg(args[1])
	}
	return fmt.Errorf("unknown org command %q", args[0])
}

func runAgent(client *remote.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentctl agent <register|list|deactivate> ...")
	}
	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("agent register", flag.ContinueOnError)
		role := fs.String("role", "executor", "agent role")
		user := fs.String("user", "", "delegated user ID")
		if len(args) < 3 {
			return fmt.Errorf("usage: agentctl agent register <org-id> <name> [flags]")
		}
		if err := fs.Parse(args[3:]); err != nil {
			return err
		}
		a, err := client.RegisterAgent(args[1], args[2], *role, *user)
		if err != nil {
			return err
		}
		return printJSON(a)
	case "list":
		if len(args) < 2 {
			return fmt.Errorf("usage: agentctl agent list <org-id>")
		}
		agents, err := client.ListAgents(args[1])
		if err != nil {
			return err
		}
		return printJSON(agents)
	case "deactivate":
		if len(args) < 3 {
			return fmt.Errorf("usage: agentctl agent deactivate <org-id> <agent-id>")
		}
		return client.DeactivateAgent(args[1], args[2])
	}
	return fmt.Errorf("unknown agent command %q", args[0])
}

func runPolicy(client *remote.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: agentctl policy <set|get> <org-id> [flags]")
	}
	fs := flag.NewFlagSet("policy", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent ID (empty = org baseline)")
	allow := fs.String("allow", "", "comma-separated tools to allow")
	deny := fs.String("deny", "", "comma-separated tools to deny")
	tokens := fs.Int64("tokens", 0, "token limit")
	timeout := fs.Int64("timeout", 0, "execution timeout seconds")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	orgID := args[1]

	switch args[0] {
	case "set":
		var perms []model.ToolPermission
		for _, t := range splitList(*allow) {
			perms = append(perms, model.ToolPermission{ToolName: t, Effect: model.EffectAllow})
		}
		for _, t := range splitList(*deny) {
			perms = append(perms, model.ToolPermission{ToolName: t, Effect: model.EffectDeny})
		}
		p, err := client.SetPolicy(orgID, *agentID, perms, *tokens, *timeout)
		if err != nil {
			return err
		}
		return printJSON(p)
	case "get":
		p, found, err := client.GetPolicy(orgID, *agentID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("policy not found")
		}
		return printJSON(p)
	}
	return fmt.Errorf("unknown policy command %q", args[0])
}

func runBudget(client *remote.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: agentctl budget <set|get> <org-id> [flags]")
	}
	fs := flag.NewFlagSet("budget", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent ID (empty = org budget)")
	tokens := fs.Int64("tokens", 0, "token limit")
	resetDays := fs.Int("reset-days", 0, "reset period in days")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	orgID := args[1]

	switch args[0] {
	case "set":
		b, err := client.SetBudget(orgID, *agentID, *tokens, *resetDays)
		if err != nil {
			return err
		}
		return printJSON(b)
	case "get":
		b, found, err := client.GetBudget(orgID, *agentID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("budget not found")
		}
		return printJSON(b)
	}
	return fmt.Errorf("unknown budget command %q", args[0])
}

func runToken(client *remote.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentctl token <exchange|revoke> ...")
	}
	switch args[0] {
	case "exchange":
		fs := flag.NewFlagSet("token exchange", flag.ContinueOnError)
		ttl := fs.Int64("ttl", -1, "token lifetime in seconds (-1 uses the server default)")
		parent := fs.String("parent", "", "parent token ID")
		if len(args) < 4 {
			return fmt.Errorf("usage: agentctl token exchange <org-id> <agent-id> <tool> [flags]")
		}
		if err := fs.Parse(args[4:]); err != nil {
			return err
		}
		t, err := client.ExchangeToken(*parent, args[2], args[1], args[3], nil, time.Duration(*ttl)*time.Second)
		if err != nil {
			return err
		}
		return printJSON(t)
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: agentctl token revoke <token-id>")
		}
		return client.RevokeToken(args[1])
	}
	return fmt.Errorf("unknown token command %q", args[0])
}

func runAudit(client *remote.Client, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	orgID := fs.String("org", "", "filter by org ID")
	agentID := fs.String("agent", "", "filter by agent ID")
	executionID := fs.String("execution", "", "filter by execution ID")
	limit := fs.Int("limit", 0, "max entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := client.QueryAudit(audit.Query{
		OrgID:       *orgID,
		AgentID:     *agentID,
		ExecutionID: *executionID,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
