package captoken

import (
	"context"
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv(secretEnvVariable, value)
	t.Cleanup(ResetSecretForTests)
}

func TestIssueAndVerify(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token, err := Issue("agent_01JC0000000000000000000000", "pool-alpha",
		[]string{"Budget:Lease", "budget:report", "budget:lease"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.AgentID != "agent_01JC0000000000000000000000" {
		t.Fatalf("unexpected agent: %s", claims.AgentID)
	}
	if claims.PoolID != "pool-alpha" {
		t.Fatalf("unexpected pool: %s", claims.PoolID)
	}
	if len(claims.Permissions) != 2 {
		t.Fatalf("permissions were not deduped: %v", claims.Permissions)
	}
	if !claims.HasPermission(PermLease) || !claims.HasPermission(PermReport) {
		t.Fatalf("permissions lost: %v", claims.Permissions)
	}
	if claims.HasPermission(PermAdmin) {
		t.Fatal("admin permission granted without being requested")
	}

	// Verification does not mutate the token.
	if _, err := Verify(token); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token, err := Issue("agent_01JC0000000000000000000000", "pool-alpha", []string{PermLease}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + flipByte(parts[1]) + "." + parts[2]
	if _, err := Verify(tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	setSecret(t, "secret-one")
	token, err := Issue("agent_01JC0000000000000000000000", "pool-alpha", []string{PermLease}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	setSecret(t, "secret-two")
	if _, err := Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	setSecret(t, "unit-test-secret")
	token, err := Issue("agent_01JC0000000000000000000000", "pool-alpha", []string{PermLease}, time.Millisecond)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// JWT timestamps carry second precision, so sleep past the
	// second the expiry could have rounded up to.
	time.Sleep(1100 * time.Millisecond)
	if _, err := Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssueWithoutTTLHasNoExpiry(t *testing.T) {
	setSecret(t, "unit-test-secret")
	token, err := Issue("agent_01JC0000000000000000000000", "pool-alpha", []string{PermLease}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", claims.ExpiresAt)
	}
}

func TestVerifyFailsClosedWithoutSecret(t *testing.T) {
	setSecret(t, "")
	if _, err := Verify("whatever"); err == nil {
		t.Fatal("expected error with no secret configured")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	setSecret(t, "unit-test-secret")
	for _, bad := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		if _, err := Verify(bad); err != ErrInvalidToken {
			t.Fatalf("Verify(%q): expected ErrInvalidToken, got %v", bad, err)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ClaimsFromContext(ctx); ok {
		t.Fatal("claims found in empty context")
	}
	claims := &Claims{AgentID: "agent_01JC0000000000000000000000", PoolID: "pool-alpha"}
	ctx = ContextWithClaims(ctx, claims)
	got, ok := ClaimsFromContext(ctx)
	if !ok || got.AgentID != claims.AgentID {
		t.Fatalf("claims not recovered: ok=%v got=%+v", ok, got)
	}
}

func flipByte(seg string) string {
	b := []byte(seg)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}
