package model

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// Boundary validation for user-supplied names, limits, and URLs.
// Identifiers minted by the platform itself (UUIDs) skip these checks.

const (
	// MaxTokenLimit bounds policy and budget token limits.
	MaxTokenLimit = 100_000_000
	// MaxTimeoutSeconds bounds execution timeouts.
	MaxTimeoutSeconds = 3600
)

var (
	namePattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_. ]{0,127}$`)
	toolNamePattern = regexp.MustCompile(`^(\*|[a-zA-Z][a-zA-Z0-9_]{0,63})$`)
)

// ValidationError reports a boundary input that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateName checks a human-readable name (org name, agent name) and
// returns it trimmed.
func ValidateName(name, field string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: field, Message: "cannot be empty"}
	}
	if !namePattern.MatchString(name) {
		return "", &ValidationError{
			Field:   field,
			Message: "must be 1-128 chars, start with alphanumeric, contain only alphanumeric/hyphens/underscores/dots/spaces",
		}
	}
	return name, nil
}

// ValidateToolName checks a tool name: an identifier of letters, digits and
// underscores starting with a letter, or the wildcard "*".
func ValidateToolName(name, field string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: field, Message: "cannot be empty"}
	}
	if !toolNamePattern.MatchString(name) {
		return "", &ValidationError{
			Field:   field,
			Message: "must be 1-64 chars, start with letter, contain only alphanumeric/underscores (or '*' for wildcard)",
		}
	}
	return name, nil
}

// ValidateTokenLimit checks a token limit is positive and within bounds.
func ValidateTokenLimit(limit int64, field string) error {
	if limit <= 0 {
		return &ValidationError{Field: field, Message: "must be a positive integer"}
	}
	if limit > MaxTokenLimit {
		return &ValidationError{Field: field, Message: fmt.Sprintf("cannot exceed %d", int64(MaxTokenLimit))}
	}
	return nil
}

// ValidateTimeout checks an execution timeout in seconds.
func ValidateTimeout(seconds int64, field string) error {
	if seconds <= 0 {
		return &ValidationError{Field: field, Message: "must be a positive integer"}
	}
	if seconds > MaxTimeoutSeconds {
		return &ValidationError{Field: field, Message: fmt.Sprintf("cannot exceed %d seconds", MaxTimeoutSeconds)}
	}
	return nil
}

// Address ranges tool handlers must never reach: loopback, RFC 1918,
// link-local (cloud metadata), and their IPv6 equivalents.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var blockedHostnames = map[string]bool{
	"localhost":                  true,
	"metadata.google.internal":   true,
	"metadata.goog":              true,
	"instance-data.ec2.internal": true,
}

// ValidateURL checks an outbound URL is http(s) and does not target a
// private or reserved address. Returns an SSRFBlockedError when blocked.
func ValidateURL(raw, field string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: field, Message: "cannot be empty"}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Field: field, Message: "malformed URL"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &ValidationError{Field: field, Message: "must use http or https scheme"}
	}
	host := parsed.Hostname()
	if host == "" {
		return "", &ValidationError{Field: field, Message: "must have a valid hostname"}
	}
	if blockedHostnames[strings.ToLower(host)] {
		return "", &SSRFBlockedError{URL: raw}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		for _, p := range blockedPrefixes {
			if p.Contains(addr.Unmap()) {
				return "", &SSRFBlockedError{URL: raw}
			}
		}
	}
	return raw, nil
}

// ValidateRole checks an agent role string.
func ValidateRole(role string, field string) (AgentRole, error) {
	switch AgentRole(role) {
	case RoleExecutor, RolePlanner, RoleReviewer, RoleAdmin:
		return AgentRole(role), nil
	}
	return "", &ValidationError{Field: field, Message: "must be one of: admin, executor, planner, reviewer"}
}

// ValidateEffect checks a policy effect string.
func ValidateEffect(effect string, field string) (PolicyEffect, error) {
	switch PolicyEffect(effect) {
	case EffectAllow, EffectDeny:
		return PolicyEffect(effect), nil
	}
	return "", &ValidationError{Field: field, Message: "must be one of: allow, deny"}
}
