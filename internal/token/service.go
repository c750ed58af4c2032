// Package token implements OAuth token exchange (RFC 8693): broad agent
// credentials are narrowed into short-lived, tool-scoped signed JWTs.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"agentplane/internal/model"
)

// RFC 8693 grant and token-type URNs embedded in every exchanged token.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// Defaults for the exchange service.
const (
	DefaultTTL      = 300 * time.Second
	DefaultIssuer   = "agent-platform"
	MaxActiveTokens = 10_000
)

// Service exchanges broad agent tokens for narrow tool-scoped JWTs and
// tracks the active set. Tokens are signed RS256 with a keypair generated
// at startup, or HS256 when a symmetric secret is configured.
type Service struct {
	mu         sync.Mutex
	active     map[string]model.ScopedToken
	defaultTTL time.Duration
	issuer     string
	alg        jwa.SignatureAlgorithm
	signKey    any
	verifyKey  any
	maxActive  int
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.defaultTTL = ttl }
}

// WithIssuer sets the iss claim on exchanged tokens.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithSymmetricSecret switches signing to HS256 with the given secret.
func WithSymmetricSecret(secret []byte) Option {
	return func(s *Service) {
		s.alg = jwa.HS256
		s.signKey = secret
		s.verifyKey = secret
	}
}

// WithCapacity overrides the active-token ceiling.
func WithCapacity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxActive = n
		}
	}
}

// NewService creates a token exchange service. Without options it signs
// RS256 with a fresh 2048-bit keypair; setting AP_TOKEN_SECRET in the
// environment selects HS256 with that secret instead.
func NewService(opts ...Option) (*Service, error) {
	s := &Service{
		active:     make(map[string]model.ScopedToken),
		defaultTTL: DefaultTTL,
		issuer:     DefaultIssuer,
		maxActive:  MaxActiveTokens,
		now:        time.Now,
	}
	if secret := os.Getenv("AP_TOKEN_SECRET"); secret != "" {
		WithSymmetricSecret([]byte(secret))(s)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.signKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing keypair: %w", err)
		}
		s.alg = jwa.RS256
		s.signKey = key
		s.verifyKey = &key.PublicKey
		slog.Info("signing keypair generated", "algorithm", s.alg)
	}
	return s, nil
}

func toolAudience(toolName string) string { return "tool:" + toolName }

// Exchange narrows parentTokenID into a signed token scoped to one tool.
// A negative ttl uses the service default; a zero ttl issues a token that
// is already expired at issuance. When the active set is full, expired
// tokens are swept first; if still full the exchange fails.
func (s *Service) Exchange(parentTokenID, agentID, orgID, toolName string, scopes []string, ttl time.Duration) (model.ScopedToken, error) {
	if ttl < 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	tokenID := model.NewID()
	if len(scopes) == 0 {
		scopes = []string{"tool:" + toolName + ":execute"}
	}
	expiresAt := now.Add(ttl)

	builder := jwt.NewBuilder().
		JwtID(tokenID).
		Issuer(s.issuer).
		Subject(agentID).
		Audience([]string{toolAudience(toolName)}).
		IssuedAt(now).
		Claim("org_id", orgID).
		Claim("tool_name", toolName).
		Claim("scopes", scopes).
		Claim("act", map[string]any{"sub": parentTokenID}).
		Claim("grant_type", GrantTypeTokenExchange).
		Claim("subject_token_type", TokenTypeAccessToken).
		Claim("requested_token_type", TokenTypeAccessToken).
		Expiration(expiresAt)
	tok, err := builder.Build()
	if err != nil {
		return model.ScopedToken{}, fmt.Errorf("build token claims: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(s.alg, s.signKey))
	if err != nil {
		return model.ScopedToken{}, fmt.Errorf("sign token: %w", err)
	}

	scoped := model.ScopedToken{
		TokenID:       tokenID,
		ParentTokenID: parentTokenID,
		AgentID:       agentID,
		OrgID:         orgID,
		ToolName:      toolName,
		Scopes:        scopes,
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
		Claims: map[string]any{
			"jti":                  tokenID,
			"iss":                  s.issuer,
			"sub":                  agentID,
			"aud":                  toolAudience(toolName),
			"iat":                  now.Unix(),
			"exp":                  expiresAt.Unix(),
			"org_id":               orgID,
			"tool_name":            toolName,
			"scopes":               scopes,
			"act":                  map[string]any{"sub": parentTokenID},
			"grant_type":           GrantTypeTokenExchange,
			"subject_token_type":   TokenTypeAccessToken,
			"requested_token_type": TokenTypeAccessToken,
		},
		SignedToken: string(signed),
	}

	s.mu.Lock()
	if len(s.active) >= s.maxActive {
		cleaned := s.cleanupLocked(now)
		if len(s.active) >= s.maxActive {
			s.mu.Unlock()
			return model.ScopedToken{}, &model.TokenCapacityError{Capacity: s.maxActive, Cleaned: cleaned}
		}
	}
	s.active[tokenID] = scoped
	s.mu.Unlock()

	slog.Info("token exchanged",
		"token_id", tokenID,
		"parent_token_id", parentTokenID,
		"agent_id", agentID,
		"tool_name", toolName,
		"ttl", ttl)
	return scoped, nil
}

// Validate looks up an active token by ID and verifies its signature.
// Expired or tampered tokens are dropped from the active set and reported
// as not valid.
func (s *Service) Validate(tokenID string) (model.ScopedToken, bool) {
	s.mu.Lock()
	scoped, ok := s.active[tokenID]
	if ok && scoped.IsExpired(s.now()) {
		delete(s.active, tokenID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return model.ScopedToken{}, false
	}

	_, err := jwt.Parse([]byte(scoped.SignedToken),
		jwt.WithKey(s.alg, s.verifyKey),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(toolAudience(scoped.ToolName)),
	)
	if err != nil {
		slog.Warn("token signature verification failed", "token_id", tokenID, "err", err)
		s.mu.Lock()
		delete(s.active, tokenID)
		s.mu.Unlock()
		return model.ScopedToken{}, false
	}
	return scoped, true
}

// ValidateSigned verifies a raw signed token without an active-set lookup
// and returns its claims. An empty audience skips audience checking.
func (s *Service) ValidateSigned(signed, audience string) (map[string]any, bool) {
	opts := []jwt.ParseOption{
		jwt.WithKey(s.alg, s.verifyKey),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	tok, err := jwt.Parse([]byte(signed), opts...)
	if err != nil {
		return nil, false
	}
	claims, err := tok.AsMap(context.Background())
	if err != nil {
		return nil, false
	}
	return claims, true
}

// Revoke removes a token from the active set. Revocation is idempotent.
func (s *Service) Revoke(tokenID string) bool {
	s.mu.Lock()
	_, ok := s.active[tokenID]
	delete(s.active, tokenID)
	s.mu.Unlock()
	if ok {
		slog.Info("token revoked", "token_id", tokenID)
	}
	return ok
}

// RevokeAllForAgent removes every active token issued to the agent and
// returns how many were revoked.
func (s *Service) RevokeAllForAgent(agentID string) int {
	s.mu.Lock()
	n := 0
	for id, t := range s.active {
		if t.AgentID == agentID {
			delete(s.active, id)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		slog.Info("tokens revoked for agent", "agent_id", agentID, "count", n)
	}
	return n
}

// CleanupExpired sweeps expired tokens and returns how many were removed.
func (s *Service) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(s.now())
}

func (s *Service) cleanupLocked(now time.Time) int {
	n := 0
	for id, t := range s.active {
		if t.IsExpired(now) {
			delete(s.active, id)
			n++
		}
	}
	return n
}

// ActiveCount returns the number of tokens in the active set.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// PublicKeyPEM returns the PEM-encoded verification key for external
// validators, or a base64 marker for symmetric keys (which are never
// exported).
func (s *Service) PublicKeyPEM() ([]byte, error) {
	pub, ok := s.verifyKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verification key is symmetric (%s), not exportable", s.alg)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// NewParentTokenID mints an opaque identifier callers can use as the
// subject token when no upstream credential exists.
func NewParentTokenID() string {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return model.NewID()
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}
