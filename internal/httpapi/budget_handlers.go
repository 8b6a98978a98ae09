package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"leasebank.org/internal/audit"
	"leasebank.org/internal/budget"
	"leasebank.org/internal/captoken"
	"leasebank.org/internal/keystore"
	"leasebank.org/internal/obs"
	"leasebank.org/internal/providers"
	"leasebank.org/internal/stream"
)

type handshakeRequest struct {
	CapabilityToken string        `json:"capability_token"`
	Provider        string        `json:"provider"`
	CredentialID    string        `json:"credential_id,omitempty"`
	RequestedBudget budget.Amount `json:"requested_budget,omitempty"`
}

type handshakeResponse struct {
	SealedCredential string        `json:"sealed_credential"`
	LeaseID          string        `json:"lease_id"`
	BudgetGranted    budget.Amount `json:"budget_granted"`
	BudgetRemaining  budget.Amount `json:"budget_remaining"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
}

type reportRequest struct {
	CapabilityToken string         `json:"capability_token"`
	LeaseID         string         `json:"lease_id"`
	RequestID       string         `json:"request_id,omitempty"`
	Model           string         `json:"model,omitempty"`
	Cost            *budget.Amount `json:"cost"`
}

type refreshRequest struct {
	CapabilityToken string        `json:"capability_token"`
	LeaseID         string        `json:"lease_id"`
	RequestedBudget budget.Amount `json:"requested_budget,omitempty"`
}

type returnRequest struct {
	CapabilityToken string        `json:"capability_token"`
	LeaseID         string        `json:"lease_id"`
	Spent           budget.Amount `json:"spent"`
}

// Handshake exchanges a capability token for a spending lease and a
// sealed provider credential.
func (a *API) Handshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Validation runs to completion before the token is touched.
	token, ok := validToken(req.CapabilityToken)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "capability_token is required and must be at most 2000 characters")
		return
	}
	provider, ok := validShortID(req.Provider, 50)
	if !ok || provider == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required and must be at most 50 characters")
		return
	}
	if !providers.Known(provider) {
		writeError(w, r, http.StatusBadRequest, "unknown provider")
		return
	}
	credID, ok := validCredentialID(req.CredentialID)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "credential_id must be a credential identifier")
		return
	}
	if req.RequestedBudget < 0 {
		writeError(w, r, http.StatusBadRequest, "requested_budget must be >= 0")
		return
	}
	if req.RequestedBudget > a.opts.MaxGrant {
		writeError(w, r, http.StatusBadRequest, "requested_budget exceeds maximum")
		return
	}

	claims, err := captoken.Verify(token)
	if err != nil {
		obs.HandshakesTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, r, http.StatusUnauthorized, "Invalid token")
		return
	}
	if !claims.HasPermission(captoken.PermLease) {
		obs.HandshakesTotal.WithLabelValues("forbidden").Inc()
		writeError(w, r, http.StatusForbidden, "token lacks budget:lease permission")
		return
	}
	ctx := captoken.ContextWithClaims(r.Context(), claims)

	grant := req.RequestedBudget
	if grant == 0 {
		grant = a.opts.DefaultGrant
	}

	// Budget exhaustion outranks a missing credential in the response,
	// so headroom is checked before the credential is resolved.
	// OpenLease below remains the authoritative atomic reservation.
	if err := a.checkHeadroom(ctx, claims.AgentID, grant); err != nil {
		obs.HandshakesTotal.WithLabelValues("denied").Inc()
		a.handleBudgetError(w, r, err)
		return
	}

	// A caller-named credential must exist, be enabled, and belong to
	// the requested provider. Without a name the oldest enabled
	// credential for the provider is handed out.
	var cred keystore.Credential
	if credID != "" {
		cred, err = a.keys.Get(ctx, credID)
		if err != nil {
			obs.HandshakesTotal.WithLabelValues("no_credential").Inc()
			a.handleBudgetError(w, r, err)
			return
		}
		if !cred.Enabled {
			obs.HandshakesTotal.WithLabelValues("forbidden").Inc()
			writeError(w, r, http.StatusForbidden, "credential is disabled")
			return
		}
		if cred.Provider != providers.Normalize(provider) {
			obs.HandshakesTotal.WithLabelValues("forbidden").Inc()
			writeError(w, r, http.StatusForbidden, "credential does not match requested provider")
			return
		}
	} else {
		cred, err = a.keys.Resolve(ctx, providers.Normalize(provider))
		if err != nil {
			obs.HandshakesTotal.WithLabelValues("no_credential").Inc()
			a.handleBudgetError(w, r, err)
			return
		}
	}

	var expiresAt *time.Time
	if a.opts.LeaseTTL > 0 {
		t := time.Now().UTC().Add(a.opts.LeaseTTL)
		expiresAt = &t
	}

	lease, err := a.svc.OpenLease(ctx, claims.AgentID, claims.PoolID, grant, expiresAt)
	if err != nil {
		obs.HandshakesTotal.WithLabelValues("denied").Inc()
		a.handleBudgetError(w, r, err)
		return
	}

	// Re-seal the at-rest credential for transport. The plaintext key
	// lives only on this stack frame.
	sealed, status, err := a.sealForTransport(ctx, cred, claims.AgentID)
	if err != nil {
		// Crypto or status failure after the grant committed: release
		// the lease so the budget is not stranded, then report the
		// failure.
		if _, cerr := a.svc.CloseLease(ctx, lease.ID, 0); cerr != nil {
			a.log.Error("release lease after failed handshake",
				zap.Error(cerr), zap.String("lease_id", lease.ID))
		}
		obs.HandshakesTotal.WithLabelValues("error").Inc()
		a.handleBudgetError(w, r, err)
		return
	}

	obs.HandshakesTotal.WithLabelValues("ok").Inc()
	obs.LeasesOpen.Inc()
	a.publish(stream.Event{
		Type:    stream.EventLeaseOpened,
		LeaseID: lease.ID,
		AgentID: claims.AgentID,
		Amount:  lease.BudgetGranted,
	})
	_ = audit.LogEvent(ctx, "budget.handshake",
		zap.String("lease_id", lease.ID),
		zap.String("provider", provider),
		zap.Int64("budget_granted", int64(lease.BudgetGranted)),
	)
	writeJSON(w, http.StatusOK, handshakeResponse{
		SealedCredential: sealed,
		LeaseID:          lease.ID,
		BudgetGranted:    lease.BudgetGranted,
		BudgetRemaining:  status.BudgetRemaining,
		ExpiresAt:        lease.ExpiresAt,
	})
}

// checkHeadroom is an advisory read of the pool and agent balances so
// an exhausted budget is reported ahead of credential resolution. It
// reserves nothing; a concurrent race is still settled by OpenLease.
func (a *API) checkHeadroom(ctx context.Context, agentID string, grant budget.Amount) error {
	ag, err := a.svc.Agent(ctx, agentID)
	if err != nil {
		return err
	}
	led, err := a.svc.OwnerLedger(ctx, ag.OwnerID)
	if err != nil {
		return err
	}
	if rem, capped := led.Remaining(); capped && rem < grant {
		return &budget.ExceededError{
			Scope:     "pool",
			Limit:     *led.MonthlyCap,
			Spent:     led.SpentThisMonth,
			Remaining: rem,
		}
	}
	status, err := a.svc.BudgetStatus(ctx, agentID)
	if err != nil {
		return err
	}
	if status.BudgetRemaining < grant {
		return &budget.ExceededError{
			Scope:     "agent",
			Limit:     status.TotalAllocated,
			Spent:     status.TotalSpent,
			Remaining: status.BudgetRemaining,
		}
	}
	return nil
}

func (a *API) sealForTransport(ctx context.Context, cred keystore.Credential, agentID string) (string, budget.AgentBudget, error) {
	plaintext, err := keystore.PlaintextSecret(a.seal, cred)
	if err != nil {
		return "", budget.AgentBudget{}, err
	}
	sealed, err := a.seal.Seal(plaintext)
	if err != nil {
		return "", budget.AgentBudget{}, err
	}
	status, err := a.svc.BudgetStatus(ctx, agentID)
	if err != nil {
		return "", budget.AgentBudget{}, err
	}
	return sealed, status, nil
}

// ReportUsage applies spend from one provider call to the lease.
func (a *API) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, ok := validToken(req.CapabilityToken)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "capability_token is required and must be at most 2000 characters")
		return
	}
	leaseID, ok := validLeaseID(req.LeaseID)
	if !ok || leaseID == "" {
		writeError(w, r, http.StatusBadRequest, "lease_id must be a lease identifier")
		return
	}
	requestID, ok := validShortID(req.RequestID, 100)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "request_id must be at most 100 characters")
		return
	}
	if _, ok := validShortID(req.Model, 100); !ok {
		writeError(w, r, http.StatusBadRequest, "model must be at most 100 characters")
		return
	}
	if req.Cost == nil {
		writeError(w, r, http.StatusBadRequest, "cost is required")
		return
	}
	if *req.Cost < 0 {
		writeError(w, r, http.StatusBadRequest, "cost must be >= 0")
		return
	}

	claims, err := captoken.Verify(token)
	if err != nil {
		obs.UsageReportsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, r, http.StatusUnauthorized, "Invalid token")
		return
	}
	if !claims.HasPermission(captoken.PermReport) {
		obs.UsageReportsTotal.WithLabelValues("forbidden").Inc()
		writeError(w, r, http.StatusForbidden, "token lacks budget:report permission")
		return
	}
	ctx := captoken.ContextWithClaims(r.Context(), claims)

	lease, err := a.svc.Lease(ctx, leaseID)
	if err != nil {
		obs.UsageReportsTotal.WithLabelValues("not_found").Inc()
		a.handleBudgetError(w, r, err)
		return
	}
	if lease.AgentID != claims.AgentID {
		obs.UsageReportsTotal.WithLabelValues("forbidden").Inc()
		writeError(w, r, http.StatusForbidden, budget.ErrNotLeaseOwner.Error())
		return
	}

	res, err := a.svc.RecordUsage(ctx, leaseID, requestID, *req.Cost)
	if err != nil {
		obs.UsageReportsTotal.WithLabelValues("rejected").Inc()
		a.handleBudgetError(w, r, err)
		return
	}

	outcome := "ok"
	if res.Replayed {
		outcome = "replayed"
	} else {
		a.publish(stream.Event{
			Type:    stream.EventUsageReported,
			LeaseID: leaseID,
			AgentID: claims.AgentID,
			Amount:  *req.Cost,
		})
	}
	obs.UsageReportsTotal.WithLabelValues(outcome).Inc()
	_ = audit.LogEvent(ctx, "budget.report",
		zap.String("lease_id", leaseID),
		zap.Int64("cost", int64(*req.Cost)),
		zap.Bool("replayed", res.Replayed),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"budget_remaining": res.BudgetRemaining,
	})
}

// Refresh supersedes an active lease with a fresh one.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, ok := validToken(req.CapabilityToken)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "capability_token is required and must be at most 2000 characters")
		return
	}
	leaseID, ok := validLeaseID(req.LeaseID)
	if !ok || leaseID == "" {
		writeError(w, r, http.StatusBadRequest, "lease_id must be a lease identifier")
		return
	}
	if req.RequestedBudget < 0 {
		writeError(w, r, http.StatusBadRequest, "requested_budget must be >= 0")
		return
	}
	if req.RequestedBudget > a.opts.MaxGrant {
		writeError(w, r, http.StatusBadRequest, "requested_budget exceeds maximum")
		return
	}

	claims, err := captoken.Verify(token)
	if err != nil {
		obs.RefreshesTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, r, http.StatusUnauthorized, "Invalid token")
		return
	}
	if !claims.HasPermission(captoken.PermLease) {
		obs.RefreshesTotal.WithLabelValues("forbidden").Inc()
		writeError(w, r, http.StatusForbidden, "token lacks budget:lease permission")
		return
	}
	ctx := captoken.ContextWithClaims(r.Context(), claims)

	requested := req.RequestedBudget
	if requested == 0 {
		requested = a.opts.DefaultGrant
	}

	res, err := a.svc.RefreshLease(ctx, leaseID, claims.AgentID, requested)
	if err != nil {
		obs.RefreshesTotal.WithLabelValues("rejected").Inc()
		a.handleBudgetError(w, r, err)
		return
	}

	if res.Denied {
		obs.RefreshesTotal.WithLabelValues("denied").Inc()
		_ = audit.LogEvent(ctx, "budget.refresh.denied",
			zap.String("lease_id", leaseID),
			zap.String("reason", res.Reason),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "denied",
			"reason":           res.Reason,
			"budget_remaining": res.BudgetRemaining,
		})
		return
	}

	obs.RefreshesTotal.WithLabelValues("ok").Inc()
	a.publish(stream.Event{
		Type:    stream.EventLeaseRefreshed,
		LeaseID: res.NewLease.ID,
		AgentID: claims.AgentID,
		Amount:  res.NewLease.BudgetGranted,
	})
	_ = audit.LogEvent(ctx, "budget.refresh",
		zap.String("old_lease_id", leaseID),
		zap.String("lease_id", res.NewLease.ID),
		zap.Int64("budget_granted", int64(res.NewLease.BudgetGranted)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "approved",
		"lease_id":         res.NewLease.ID,
		"budget_granted":   res.NewLease.BudgetGranted,
		"budget_remaining": res.BudgetRemaining,
	})
}

// Return closes an active lease and releases its unspent remainder.
func (a *API) Return(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, ok := validToken(req.CapabilityToken)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "capability_token is required and must be at most 2000 characters")
		return
	}
	leaseID, ok := validLeaseID(req.LeaseID)
	if !ok || leaseID == "" {
		writeError(w, r, http.StatusBadRequest, "lease_id must be a lease identifier")
		return
	}
	if req.Spent < 0 {
		writeError(w, r, http.StatusBadRequest, "spent must be >= 0")
		return
	}

	claims, err := captoken.Verify(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "Invalid token")
		return
	}
	if !claims.HasPermission(captoken.PermLease) {
		writeError(w, r, http.StatusForbidden, "token lacks budget:lease permission")
		return
	}
	ctx := captoken.ContextWithClaims(r.Context(), claims)

	lease, err := a.svc.Lease(ctx, leaseID)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	if lease.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, budget.ErrNotLeaseOwner.Error())
		return
	}

	res, err := a.svc.CloseLease(ctx, leaseID, req.Spent)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}

	obs.LeasesOpen.Dec()
	a.publish(stream.Event{
		Type:    stream.EventLeaseClosed,
		LeaseID: leaseID,
		AgentID: claims.AgentID,
		Amount:  res.Returned,
	})
	_ = audit.LogEvent(ctx, "budget.return",
		zap.String("lease_id", leaseID),
		zap.Int64("returned_amount", int64(res.Returned)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "closed",
		"returned_amount": res.Returned,
	})
}

func (a *API) publish(evt stream.Event) {
	if a.events != nil {
		a.events.Publish(evt)
	}
}
