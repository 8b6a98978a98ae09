// smoke-budget walks the full agent lifecycle against a running
// leasebank-api: handshake, unseal the credential the way a trusted
// runtime would, optionally call the provider, report usage, refresh,
// and return. It exits non-zero on the first protocol violation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"leasebank.org/internal/budget"
	"leasebank.org/internal/providers"
	"leasebank.org/internal/sealer"
)

func main() {
	log.SetFlags(0)

	baseURL := os.Getenv("LEASEBANK_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("LEASEBANK_CAP_TOKEN")
	if token == "" {
		log.Fatal("LEASEBANK_CAP_TOKEN is required")
	}
	seal, err := sealer.NewFromHex(os.Getenv("LEASEBANK_SEAL_KEY"))
	if err != nil {
		log.Fatalf("sealing key: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	// Handshake.
	var hs struct {
		SealedCredential string        `json:"sealed_credential"`
		LeaseID          string        `json:"lease_id"`
		BudgetGranted    budget.Amount `json:"budget_granted"`
		BudgetRemaining  budget.Amount `json:"budget_remaining"`
	}
	post(client, baseURL+"/budget/handshake", map[string]any{
		"capability_token": token,
		"provider":         providers.OpenAI,
	}, &hs)
	log.Printf("lease %s granted %d, agent remaining %d", hs.LeaseID, hs.BudgetGranted, hs.BudgetRemaining)

	// Unseal as the trusted runtime does; the plaintext stays local.
	apiKey, err := seal.Unseal(hs.SealedCredential)
	if err != nil {
		log.Fatalf("unseal credential: %v", err)
	}

	// Optional live provider call.
	cost := budget.Amount(0)
	if os.Getenv("LEASEBANK_SMOKE_LIVE") == "1" {
		chat := providers.NewChatClient(providers.ChatConfig{APIKey: apiKey})
		reply, err := providers.Complete(context.Background(), chat, "gpt-4o-mini", "Say OK.")
		if err != nil {
			log.Fatalf("provider call: %v", err)
		}
		log.Printf("provider replied: %.40s", reply)
		cost = 1_000 // nominal
	}

	// Report usage, twice with the same request id: the replay must
	// not double-count.
	reqID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	var rep struct {
		Success         bool          `json:"success"`
		BudgetRemaining budget.Amount `json:"budget_remaining"`
	}
	for i := 0; i < 2; i++ {
		post(client, baseURL+"/budget/report", map[string]any{
			"capability_token": token,
			"lease_id":         hs.LeaseID,
			"request_id":       reqID,
			"cost":             cost,
		}, &rep)
		if !rep.Success {
			log.Fatalf("report %d rejected", i)
		}
	}
	log.Printf("usage reported, agent remaining %d", rep.BudgetRemaining)

	// Refresh supersedes the lease.
	var ref struct {
		Status  string `json:"status"`
		LeaseID string `json:"lease_id"`
		Reason  string `json:"reason"`
	}
	post(client, baseURL+"/budget/refresh", map[string]any{
		"capability_token": token,
		"lease_id":         hs.LeaseID,
	}, &ref)
	if ref.Status == "denied" {
		log.Fatalf("refresh denied: %s", ref.Reason)
	}
	log.Printf("refreshed into lease %s", ref.LeaseID)

	// Return the fresh lease unspent.
	var ret struct {
		Status         string        `json:"status"`
		ReturnedAmount budget.Amount `json:"returned_amount"`
	}
	post(client, baseURL+"/budget/return", map[string]any{
		"capability_token": token,
		"lease_id":         ref.LeaseID,
		"spent":            0,
	}, &ret)
	log.Printf("returned %d unspent", ret.ReturnedAmount)

	log.Println("smoke-budget OK")
}

func post(client *http.Client, url string, body any, out any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("POST %s: status %d: %v", url, resp.StatusCode, e["error"])
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s response: %v", url, err)
	}
}
