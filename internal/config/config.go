// Package config loads the control-plane bootstrap file: listen address,
// database DSN, API key, token settings, and optional seed entities created
// at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agentplane/internal/model"
)

// SeedPolicy declares a policy created at startup. An empty agent name
// targets the org baseline.
type SeedPolicy struct {
	Agent                   string                 `yaml:"agent,omitempty"`
	Tools                   []model.ToolPermission `yaml:"tools"`
	TokenLimit              int64                  `yaml:"token_limit,omitempty"`
	ExecutionTimeoutSeconds int64                  `yaml:"execution_timeout_seconds,omitempty"`
}

// SeedBudget declares a budget created at startup.
type SeedBudget struct {
	Agent           string `yaml:"agent,omitempty"`
	TokenLimit      int64  `yaml:"token_limit,omitempty"`
	ResetPeriodDays int    `yaml:"reset_period_days,omitempty"`
}

// SeedAgent declares an agent registered at startup.
type SeedAgent struct {
	Name            string `yaml:"name"`
	Role            string `yaml:"role,omitempty"`
	DelegatedUserID string `yaml:"delegated_user_id,omitempty"`
}

// SeedOrg declares an organization and its children created at startup.
type SeedOrg struct {
	Name     string       `yaml:"name"`
	Agents   []SeedAgent  `yaml:"agents,omitempty"`
	Policies []SeedPolicy `yaml:"policies,omitempty"`
	Budgets  []SeedBudget `yaml:"budgets,omitempty"`
}

// Token configures the exchange service.
type Token struct {
	Issuer     string `yaml:"issuer,omitempty"`
	TTLSeconds int64  `yaml:"ttl_seconds,omitempty"`
}

// Config is the control-plane bootstrap configuration. Every field has a
// sane zero value; a missing file yields defaults.
type Config struct {
	Listen          string    `yaml:"listen,omitempty"`
	DatabaseURL     string    `yaml:"database_url,omitempty"`
	APIKey          string    `yaml:"api_key,omitempty"`
	AuditMaxEntries int       `yaml:"audit_max_entries,omitempty"`
	OPAURL          string    `yaml:"opa_url,omitempty"`
	Token           Token     `yaml:"token,omitempty"`
	Seed            []SeedOrg `yaml:"seed,omitempty"`
}

// Default returns the configuration used when no file is given, with the
// environment overrides applied.
func Default() *Config {
	cfg := &Config{Listen: ":8080"}
	cfg.applyEnv()
	return cfg
}

// LoadFile reads and parses a YAML config file. Environment variables in
// the file are expanded, and DATABASE_URL / AP_API_KEY override the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Load(data)
}

// Load parses YAML config data.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("AP_API_KEY"); v != "" {
		c.APIKey = v
	}
}
