package token

import (
	"strings"
	"testing"
	"time"

	"agentplane/internal/model"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	// Symmetric signing keeps tests fast; the exchange/validate paths are
	// identical to RS256.
	opts = append([]Option{WithSymmetricSecret([]byte("test-secret-0123456789abcdef"))}, opts...)
	svc, err := NewService(opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestExchangeValidateRevoke(t *testing.T) {
	svc := newTestService(t)

	scoped, err := svc.Exchange("parent-1", "agent-1", "org-1", "search", nil, 60*time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if scoped.TokenID == "" || scoped.SignedToken == "" {
		t.Fatal("exchange returned incomplete token")
	}
	if len(scoped.Scopes) != 1 || scoped.Scopes[0] != "tool:search:execute" {
		t.Errorf("default scopes = %v", scoped.Scopes)
	}
	if strings.Count(scoped.SignedToken, ".") != 2 {
		t.Errorf("signed token is not a compact JWT: %q", scoped.SignedToken)
	}

	got, ok := svc.Validate(scoped.TokenID)
	if !ok {
		t.Fatal("fresh token should validate")
	}
	if got.AgentID != "agent-1" || got.OrgID != "org-1" || got.ToolName != "search" {
		t.Errorf("validated token = %+v", got)
	}

	if !svc.Revoke(scoped.TokenID) {
		t.Fatal("revoke should report true for a live token")
	}
	if _, ok := svc.Validate(scoped.TokenID); ok {
		t.Error("revoked token should not validate")
	}
	if svc.Revoke(scoped.TokenID) {
		t.Error("second revoke should report false")
	}
}

func TestExchangeClaimSet(t *testing.T) {
	svc := newTestService(t)

	scoped, err := svc.Exchange("parent-1", "agent-1", "org-1", "search", nil, 60*time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if scoped.Claims["iat"] != scoped.IssuedAt.Unix() || scoped.Claims["exp"] != scoped.ExpiresAt.Unix() {
		t.Errorf("lifetime claims = iat %v, exp %v", scoped.Claims["iat"], scoped.Claims["exp"])
	}
	if act, ok := scoped.Claims["act"].(map[string]any); !ok || act["sub"] != "parent-1" {
		t.Errorf("act claim = %v", scoped.Claims["act"])
	}
	scopes, ok := scoped.Claims["scopes"].([]string)
	if !ok || len(scopes) != 1 || scopes[0] != "tool:search:execute" {
		t.Errorf("scopes claim = %v", scoped.Claims["scopes"])
	}
	if scoped.Claims["subject_token_type"] != TokenTypeAccessToken ||
		scoped.Claims["requested_token_type"] != TokenTypeAccessToken {
		t.Errorf("token-type claims = %v", scoped.Claims)
	}
}

func TestExchangeZeroTTL(t *testing.T) {
	svc := newTestService(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	scoped, err := svc.Exchange("parent-1", "agent-1", "org-1", "search", nil, 0)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !scoped.ExpiresAt.Equal(now) {
		t.Errorf("expires_at = %v, want issuance time %v", scoped.ExpiresAt, now)
	}

	now = now.Add(10 * time.Millisecond)
	if _, ok := svc.Validate(scoped.TokenID); ok {
		t.Error("zero-ttl token should not validate after issuance")
	}

	// Only a negative ttl falls back to the default lifetime.
	scoped, err = svc.Exchange("parent-1", "agent-1", "org-1", "search", nil, -1)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got := scoped.ExpiresAt.Sub(scoped.IssuedAt); got != DefaultTTL {
		t.Errorf("default lifetime = %v, want %v", got, DefaultTTL)
	}
}

func TestValidateExpired(t *testing.T) {
	svc := newTestService(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	scoped, err := svc.Exchange("parent-1", "agent-1", "org-1", "search", nil, time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, ok := svc.Validate(scoped.TokenID); ok {
		t.Error("expired token should not validate")
	}
	if svc.ActiveCount() != 0 {
		t.Error("expired token should be removed on validation")
	}
}

func TestValidateSigned(t *testing.T) {
	svc := newTestService(t)
	scoped, err := svc.Exchange("parent-1", "agent-1", "org-1", "search", []string{"custom:scope"}, time.Minute)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	claims, ok := svc.ValidateSigned(scoped.SignedToken, "tool:search")
	if !ok {
		t.Fatal("signed token should verify with matching audience")
	}
	if claims["org_id"] != "org-1" || claims["tool_name"] != "search" {
		t.Errorf("claims = %v", claims)
	}
	if act, ok := claims["act"].(map[string]any); !ok || act["sub"] != "parent-1" {
		t.Errorf("act claim = %v", claims["act"])
	}
	if claims["grant_type"] != GrantTypeTokenExchange {
		t.Errorf("grant_type = %v", claims["grant_type"])
	}

	if _, ok := svc.ValidateSigned(scoped.SignedToken, "tool:other"); ok {
		t.Error("wrong audience should fail verification")
	}
	if _, ok := svc.ValidateSigned(scoped.SignedToken, ""); !ok {
		t.Error("empty audience skips the audience check")
	}

	// Revocation is invisible to stateless verification within the TTL.
	svc.Revoke(scoped.TokenID)
	if _, ok := svc.ValidateSigned(scoped.SignedToken, "tool:search"); !ok {
		t.Error("stateless verification should still pass after revocation")
	}
}

func TestValidateSignedTampered(t *testing.T) {
	svc := newTestService(t)
	scoped, err := svc.Exchange("parent-1", "agent-1", "org-1", "search", nil, time.Minute)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	tampered := scoped.SignedToken[:len(scoped.SignedToken)-2] + "xx"
	if _, ok := svc.ValidateSigned(tampered, ""); ok {
		t.Error("tampered token should fail verification")
	}
}

func TestRevokeAllForAgent(t *testing.T) {
	svc := newTestService(t)
	for i := 0; i < 3; i++ {
		if _, err := svc.Exchange("p", "agent-1", "org-1", "search", nil, time.Minute); err != nil {
			t.Fatalf("exchange: %v", err)
		}
	}
	if _, err := svc.Exchange("p", "agent-2", "org-1", "search", nil, time.Minute); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if n := svc.RevokeAllForAgent("agent-1"); n != 3 {
		t.Errorf("revoked %d, want 3", n)
	}
	if svc.ActiveCount() != 1 {
		t.Errorf("active = %d, want 1", svc.ActiveCount())
	}
}

func TestCleanupExpired(t *testing.T) {
	svc := newTestService(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	if _, err := svc.Exchange("p", "a", "o", "search", nil, time.Second); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if _, err := svc.Exchange("p", "a", "o", "search", nil, time.Hour); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	now = now.Add(10 * time.Second)
	if n := svc.CleanupExpired(); n != 1 {
		t.Errorf("cleaned %d, want 1", n)
	}
	if svc.ActiveCount() != 1 {
		t.Errorf("active = %d, want 1", svc.ActiveCount())
	}
}

func TestCapacityCleansThenFails(t *testing.T) {
	svc := newTestService(t, WithCapacity(3))
	now := time.Now()
	svc.now = func() time.Time { return now }

	// Two short-lived tokens and one long-lived one fill the index.
	for i := 0; i < 2; i++ {
		if _, err := svc.Exchange("p", "a", "o", "search", nil, time.Second); err != nil {
			t.Fatalf("exchange: %v", err)
		}
	}
	if _, err := svc.Exchange("p", "a", "o", "search", nil, time.Hour); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// At capacity with nothing expired the exchange fails.
	if _, err := svc.Exchange("p", "a", "o", "search", nil, time.Hour); err == nil {
		t.Fatal("exchange at capacity should fail")
	} else if _, ok := err.(*model.TokenCapacityError); !ok {
		t.Fatalf("error = %T, want *model.TokenCapacityError", err)
	}

	// Once the short-lived tokens expire, the sweep makes room.
	now = now.Add(10 * time.Second)
	if _, err := svc.Exchange("p", "a", "o", "search", nil, time.Hour); err != nil {
		t.Fatalf("exchange after cleanup: %v", err)
	}
}

func TestRS256PublicKeyExport(t *testing.T) {
	svc, err := NewService(WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	pem, err := svc.PublicKeyPEM()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !strings.Contains(string(pem), "BEGIN PUBLIC KEY") {
		t.Errorf("pem = %q", pem)
	}

	scoped, err := svc.Exchange("p", "a", "o", "search", nil, time.Minute)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if _, ok := svc.Validate(scoped.TokenID); !ok {
		t.Error("RS256-signed token should validate")
	}
}
