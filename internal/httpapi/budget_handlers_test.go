package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"leasebank.org/internal/budget"
	"leasebank.org/internal/captoken"
	"leasebank.org/internal/keystore"
	"leasebank.org/internal/sealer"
	"leasebank.org/internal/stream"
)

type testEnv struct {
	ts      *httptest.Server
	svc     *budget.InMemory
	keys    *keystore.InMemory
	seal    *sealer.Sealer
	agentID string
	ownerID string
	token   string
}

func newTestEnv(t *testing.T, poolCap budget.Amount, allocation budget.Amount) *testEnv {
	t.Helper()
	captoken.ResetSecretForTests()
	t.Setenv("LEASEBANK_AUTH_SECRET", "httpapi-test-secret")
	t.Cleanup(captoken.ResetSecretForTests)

	seal, err := sealer.New(bytes.Repeat([]byte{0x21}, 32))
	if err != nil {
		t.Fatalf("sealer.New: %v", err)
	}

	svc := budget.NewInMemory()
	ctx := context.Background()
	led, err := svc.ProvisionOwner(ctx, "", &poolCap)
	if err != nil {
		t.Fatalf("ProvisionOwner: %v", err)
	}
	ag, err := svc.ProvisionAgent(ctx, led.OwnerID, "test-agent", allocation)
	if err != nil {
		t.Fatalf("ProvisionAgent: %v", err)
	}

	keys := keystore.NewInMemory(seal)
	if _, err := keys.Add(ctx, "openai", "primary", "sk-test-upstream"); err != nil {
		t.Fatalf("keystore.Add: %v", err)
	}

	token, err := captoken.Issue(ag.ID, "pool-main",
		[]string{captoken.PermLease, captoken.PermReport}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	api := New(svc, keys, seal, stream.New(), zap.NewNop(), ReadyProbe{}, Options{
		Version:        "test",
		DefaultGrant:   10_000_000,
		MaxGrant:       100_000_000,
		RateLimitRPS:   10_000,
		RateLimitBurst: 10_000,
	})
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		ts:      ts,
		svc:     svc,
		keys:    keys,
		seal:    seal,
		agentID: ag.ID,
		ownerID: led.OwnerID,
		token:   token,
	}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func (e *testEnv) handshake(t *testing.T, amount budget.Amount) string {
	t.Helper()
	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
		"requested_budget": amount,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake: status %d, body %v", resp.StatusCode, body)
	}
	leaseID, _ := body["lease_id"].(string)
	if leaseID == "" {
		t.Fatalf("handshake: no lease_id in %v", body)
	}
	return leaseID
}

func TestHandshakeGrantsLeaseAndSealedCredential(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)

	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if got := body["budget_granted"].(float64); got != 10_000_000 {
		t.Fatalf("default grant not applied: %v", got)
	}
	if got := body["budget_remaining"].(float64); got != 90_000_000 {
		t.Fatalf("unexpected remaining: %v", got)
	}

	sealed, _ := body["sealed_credential"].(string)
	if !strings.HasPrefix(sealed, "AES256:") {
		t.Fatalf("sealed credential not in transport form: %q", sealed)
	}
	plain, err := e.seal.Unseal(sealed)
	if err != nil || plain != "sk-test-upstream" {
		t.Fatalf("trusted runtime cannot unseal: %q, %v", plain, err)
	}

	leaseID := body["lease_id"].(string)
	l, err := e.svc.Lease(context.Background(), leaseID)
	if err != nil {
		t.Fatalf("lease missing: %v", err)
	}
	if l.Status != budget.StatusActive || l.BudgetGranted != 10_000_000 {
		t.Fatalf("unexpected lease: %+v", l)
	}
}

func TestHandshakeValidationBeforeAuth(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing token", map[string]any{"provider": "openai"}},
		{"oversized token", map[string]any{"capability_token": strings.Repeat("x", 2001), "provider": "openai"}},
		{"missing provider", map[string]any{"capability_token": e.token}},
		{"oversized provider", map[string]any{"capability_token": e.token, "provider": strings.Repeat("p", 51)}},
		{"nul in provider", map[string]any{"capability_token": e.token, "provider": "open\x00ai"}},
		{"unknown provider", map[string]any{"capability_token": e.token, "provider": "ollama"}},
		{"negative budget", map[string]any{"capability_token": e.token, "provider": "openai", "requested_budget": -1}},
		{"budget above maximum", map[string]any{"capability_token": e.token, "provider": "openai", "requested_budget": 200_000_000}},
		{"cross-type credential id", map[string]any{"capability_token": e.token, "provider": "openai", "credential_id": "lease_01JC0000000000000000000000"}},
	}
	for _, tc := range cases {
		resp, body := e.post(t, "/budget/handshake", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, body %v", tc.name, resp.StatusCode, body)
		}
	}
}

func TestHandshakeMalformedJSON(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	resp, err := http.Post(e.ts.URL+"/budget/handshake", "application/json",
		strings.NewReader(`{"capability_token": `))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON: status %d", resp.StatusCode)
	}
}

func TestHandshakeInvalidTokenIsGeneric(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)

	// Forged token and valid token for an unknown agent must be
	// indistinguishable.
	unknownAgent, err := captoken.Issue("agent_01JC9999999999999999999999", "pool-main",
		[]string{captoken.PermLease}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for name, token := range map[string]string{
		"garbage":       "not.a.token",
		"unknown agent": unknownAgent,
	} {
		resp, body := e.post(t, "/budget/handshake", map[string]any{
			"capability_token": token,
			"provider":         "openai",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status %d, body %v", name, resp.StatusCode, body)
		}
		if body["error"] != "Invalid token" {
			t.Fatalf("%s: expected generic message, got %v", name, body["error"])
		}
	}
}

func TestHandshakeNoCredentialForProvider(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "anthropic",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
}

func TestHandshakeBudgetExhaustedDetail(t *testing.T) {
	e := newTestEnv(t, 15_000_000, 100_000_000)

	e.handshake(t, 10_000_000)

	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
		"requested_budget": 10_000_000,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["limit"].(float64) != 15_000_000 || body["spent"].(float64) != 10_000_000 || body["remaining"].(float64) != 5_000_000 {
		t.Fatalf("exhaustion detail wrong: %v", body)
	}
}

func TestTwoConcurrentHandshakesOnePoolSlot(t *testing.T) {
	e := newTestEnv(t, 10_000_000, 100_000_000)

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _ := json.Marshal(map[string]any{
				"capability_token": e.token,
				"provider":         "openai",
				"requested_budget": 10_000_000,
			})
			resp, err := http.Post(e.ts.URL+"/budget/handshake", "application/json", bytes.NewReader(data))
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	var okCount, forbidden int
	for code := range codes {
		switch code {
		case http.StatusOK:
			okCount++
		case http.StatusForbidden:
			forbidden++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if okCount != 1 || forbidden != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d forbidden=%d", okCount, forbidden)
	}

	led, err := e.svc.OwnerLedger(context.Background(), e.ownerID)
	if err != nil {
		t.Fatalf("OwnerLedger: %v", err)
	}
	if rem, _ := led.Remaining(); rem != 0 {
		t.Fatalf("pool remaining = %d, want 0", rem)
	}
}

func TestReportUsageHardLimit(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	for i := 0; i < 5; i++ {
		resp, body := e.post(t, "/budget/report", map[string]any{
			"capability_token": e.token,
			"lease_id":         leaseID,
			"request_id":       fmt.Sprintf("req-%d", i),
			"cost":             2_000_000,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("report %d: status %d, body %v", i, resp.StatusCode, body)
		}
		if body["success"] != true {
			t.Fatalf("report %d: %v", i, body)
		}
	}

	resp, body := e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"request_id":       "req-overshoot",
		"cost":             2_000_000,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("overshoot: status %d, body %v", resp.StatusCode, body)
	}
	if body["error"] != "insufficient lease budget" {
		t.Fatalf("overshoot message: %v", body["error"])
	}

	l, err := e.svc.Lease(context.Background(), leaseID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if l.BudgetSpent != 10_000_000 {
		t.Fatalf("lease spent = %d, want 10_000_000", l.BudgetSpent)
	}
}

func TestReportUsageZeroCostAccepted(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	resp, body := e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"cost":             0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("zero cost: status %d, body %v", resp.StatusCode, body)
	}
}

func TestReportUsageMissingCost(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	resp, _ := e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing cost: status %d", resp.StatusCode)
	}

	resp, _ = e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"cost":             -1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative cost: status %d", resp.StatusCode)
	}
}

func TestReportUsageReplayedRequestID(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	for i := 0; i < 2; i++ {
		resp, body := e.post(t, "/budget/report", map[string]any{
			"capability_token": e.token,
			"lease_id":         leaseID,
			"request_id":       "req-retry",
			"cost":             3_000_000,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: status %d, body %v", i, resp.StatusCode, body)
		}
	}

	l, err := e.svc.Lease(context.Background(), leaseID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if l.BudgetSpent != 3_000_000 {
		t.Fatalf("replay double-counted: spent %d", l.BudgetSpent)
	}
}

func TestReportUsageRevokedLease(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	before, err := e.svc.BudgetStatus(context.Background(), e.agentID)
	if err != nil {
		t.Fatalf("BudgetStatus: %v", err)
	}
	if _, err := e.svc.RevokeLease(context.Background(), leaseID); err != nil {
		t.Fatalf("RevokeLease: %v", err)
	}

	resp, body := e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"cost":             1_000_000,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["error"] != "lease has been revoked" {
		t.Fatalf("message: %v", body["error"])
	}

	after, err := e.svc.BudgetStatus(context.Background(), e.agentID)
	if err != nil {
		t.Fatalf("BudgetStatus: %v", err)
	}
	if after.TotalSpent != before.TotalSpent {
		t.Fatalf("balances moved on a revoked lease: before %d after %d", before.TotalSpent, after.TotalSpent)
	}
}

func TestReportUsageUnknownLease(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	resp, body := e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         "lease_01JC0000000000000000000000",
		"cost":             100,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
}

func TestReportUsageCrossAgentForbidden(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	other, err := e.svc.ProvisionAgent(context.Background(), e.ownerID, "intruder", 50_000_000)
	if err != nil {
		t.Fatalf("ProvisionAgent: %v", err)
	}
	otherToken, err := captoken.Issue(other.ID, "pool-main",
		[]string{captoken.PermLease, captoken.PermReport}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resp, body := e.post(t, "/budget/report", map[string]any{
		"capability_token": otherToken,
		"lease_id":         leaseID,
		"cost":             100,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
}

func TestRefreshSupersedesOldLease(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	if _, err := e.svc.RecordUsage(context.Background(), leaseID, "", 5_000_000); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	resp, body := e.post(t, "/budget/refresh", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"requested_budget": 10_000_000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "approved" {
		t.Fatalf("refresh not approved: %v", body)
	}
	newLeaseID := body["lease_id"].(string)
	if newLeaseID == leaseID {
		t.Fatal("refresh returned the old lease")
	}

	old, err := e.svc.Lease(context.Background(), leaseID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if old.Status != budget.StatusExpired {
		t.Fatalf("old lease status %q, want expired", old.Status)
	}
	if old.BudgetSpent != 5_000_000 {
		t.Fatalf("historical spend lost: %d", old.BudgetSpent)
	}

	// Report against the superseded lease must fail.
	resp, body = e.post(t, "/budget/report", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"cost":             100,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stale lease report: status %d, body %v", resp.StatusCode, body)
	}
}

func TestRefreshDeniedIsNotAnError(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 12_000_000)
	leaseID := e.handshake(t, 10_000_000)

	resp, body := e.post(t, "/budget/refresh", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"requested_budget": 10_000_000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "denied" || body["reason"] != "insufficient_budget" {
		t.Fatalf("unexpected denial shape: %v", body)
	}
	if body["budget_remaining"].(float64) != 2_000_000 {
		t.Fatalf("remaining: %v", body["budget_remaining"])
	}
}

func TestRefreshCrossAgentForbidden(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	other, err := e.svc.ProvisionAgent(context.Background(), e.ownerID, "intruder", 50_000_000)
	if err != nil {
		t.Fatalf("ProvisionAgent: %v", err)
	}
	otherToken, err := captoken.Issue(other.ID, "pool-main", []string{captoken.PermLease}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resp, body := e.post(t, "/budget/refresh", map[string]any{
		"capability_token": otherToken,
		"lease_id":         leaseID,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
}

func TestReturnClosesLeaseOnce(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	if _, err := e.svc.RecordUsage(context.Background(), leaseID, "", 4_000_000); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	resp, body := e.post(t, "/budget/return", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"spent":            4_000_000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["returned_amount"].(float64) != 6_000_000 {
		t.Fatalf("returned: %v", body["returned_amount"])
	}

	status, err := e.svc.BudgetStatus(context.Background(), e.agentID)
	if err != nil {
		t.Fatalf("BudgetStatus: %v", err)
	}
	if status.BudgetRemaining != 96_000_000 {
		t.Fatalf("agent remaining after return: %d", status.BudgetRemaining)
	}

	// Second return on the closed lease is a 400.
	resp, body = e.post(t, "/budget/return", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"spent":            4_000_000,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("double return: status %d, body %v", resp.StatusCode, body)
	}
}

func TestPermissionEnforcedPerOperation(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)

	reportOnly, err := captoken.Issue(e.agentID, "pool-main", []string{captoken.PermReport}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": reportOnly,
		"provider":         "openai",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake without budget:lease: status %d, body %v", resp.StatusCode, body)
	}

	leaseOnly, err := captoken.Issue(e.agentID, "pool-main", []string{captoken.PermLease}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	leaseID := e.handshake(t, 10_000_000)
	resp, body = e.post(t, "/budget/report", map[string]any{
		"capability_token": leaseOnly,
		"lease_id":         leaseID,
		"cost":             100,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("report without budget:report: status %d, body %v", resp.StatusCode, body)
	}
}

func TestHealthAndInfo(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)

	resp, err := http.Get(e.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}

	resp, err = http.Get(e.ts.URL + "/v1/info")
	if err != nil {
		t.Fatalf("GET /v1/info: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: status %d", resp.StatusCode)
	}
}

func TestHandshakeNamedCredential(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	ctx := context.Background()

	secondary, err := e.keys.Add(ctx, "openai", "secondary", "sk-test-secondary")
	if err != nil {
		t.Fatalf("keystore.Add: %v", err)
	}
	other, err := e.keys.Add(ctx, "anthropic", "claude", "sk-ant-test")
	if err != nil {
		t.Fatalf("keystore.Add: %v", err)
	}

	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
		"credential_id":    secondary.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("named handshake: status %d, body %v", resp.StatusCode, body)
	}
	plaintext, err := e.seal.Unseal(body["sealed_credential"].(string))
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if plaintext != "sk-test-secondary" {
		t.Fatalf("expected the named credential, got %q", plaintext)
	}

	// A credential registered for a different provider is never handed
	// out under this provider's name.
	resp, body = e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
		"credential_id":    other.ID,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("provider mismatch: status %d, body %v", resp.StatusCode, body)
	}

	resp, body = e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
		"credential_id":    "cred_01JC0000000000000000000000",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown credential: status %d, body %v", resp.StatusCode, body)
	}

	if err := e.keys.SetEnabled(ctx, secondary.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	resp, body = e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "openai",
		"credential_id":    secondary.ID,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled credential: status %d, body %v", resp.StatusCode, body)
	}
}

func TestHandshakeExhaustedPoolBeatsMissingCredential(t *testing.T) {
	e := newTestEnv(t, 10_000_000, 100_000_000)
	e.handshake(t, 10_000_000)

	// The pool is drained. A handshake for a provider with no
	// registered credential must report the exhausted budget, not the
	// credential miss.
	resp, body := e.post(t, "/budget/handshake", map[string]any{
		"capability_token": e.token,
		"provider":         "anthropic",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["error"] != "budget exceeded" {
		t.Fatalf("body: %v", body)
	}
	if body["limit"] != float64(10_000_000) || body["spent"] != float64(10_000_000) || body["remaining"] != float64(0) {
		t.Fatalf("budget detail: %v", body)
	}
}

func TestLeaseIDShapeRejectedAtBoundary(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)

	// A credential id where a lease id belongs never reaches storage.
	for _, leaseID := range []string{"cred_01JC0000000000000000000000", "not-a-lease", "lease_zzz"} {
		for _, path := range []string{"/budget/report", "/budget/refresh", "/budget/return"} {
			req := map[string]any{
				"capability_token": e.token,
				"lease_id":         leaseID,
			}
			if path == "/budget/report" {
				req["cost"] = 0
			}
			resp, body := e.post(t, path, req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("%s with lease_id %q: status %d, body %v", path, leaseID, resp.StatusCode, body)
			}
		}
	}
}

func TestRefreshRequestedBudgetAboveMaximum(t *testing.T) {
	e := newTestEnv(t, 100_000_000, 100_000_000)
	leaseID := e.handshake(t, 10_000_000)

	resp, body := e.post(t, "/budget/refresh", map[string]any{
		"capability_token": e.token,
		"lease_id":         leaseID,
		"requested_budget": 200_000_000,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}

	l, err := e.svc.Lease(context.Background(), leaseID)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if l.Status != budget.StatusActive {
		t.Fatalf("rejected refresh touched the lease: %q", l.Status)
	}
}

func TestMissingLedgerMapsToForbidden(t *testing.T) {
	seal, err := sealer.New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("sealer.New: %v", err)
	}
	api := New(budget.NewInMemory(), keystore.NewInMemory(seal), seal, nil,
		zap.NewNop(), ReadyProbe{}, Options{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/budget/handshake", nil)
	api.handleBudgetError(rec, req, budget.ErrNoLedger)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "no budget policy configured" {
		t.Fatalf("body: %v", body)
	}
}
