package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"leasebank.org/internal/audit"
	"leasebank.org/internal/budget"
	"leasebank.org/internal/obs"
	"leasebank.org/internal/providers"
	"leasebank.org/internal/stream"
)

type createOwnerRequest struct {
	OwnerID    string         `json:"owner_id,omitempty"`
	MonthlyCap *budget.Amount `json:"monthly_cap,omitempty"`
}

type createAgentRequest struct {
	OwnerID    string        `json:"owner_id"`
	Name       string        `json:"name,omitempty"`
	Allocation budget.Amount `json:"allocation"`
}

type createCredentialRequest struct {
	Provider string `json:"provider"`
	Label    string `json:"label,omitempty"`
	Secret   string `json:"secret"`
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) CreateOwner(w http.ResponseWriter, r *http.Request) {
	var req createOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.MonthlyCap != nil && *req.MonthlyCap < 0 {
		writeError(w, r, http.StatusBadRequest, "monthly_cap must be >= 0")
		return
	}

	led, err := a.svc.ProvisionOwner(r.Context(), strings.TrimSpace(req.OwnerID), req.MonthlyCap)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.owner.create",
		zap.String("owner_id", led.OwnerID))
	writeJSON(w, http.StatusCreated, led)
}

func (a *API) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, r, http.StatusBadRequest, "owner_id is required")
		return
	}
	if req.Allocation <= 0 {
		writeError(w, r, http.StatusBadRequest, "allocation must be > 0")
		return
	}

	ag, err := a.svc.ProvisionAgent(r.Context(), strings.TrimSpace(req.OwnerID), strings.TrimSpace(req.Name), req.Allocation)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.agent.create",
		zap.String("agent_id", ag.ID),
		zap.String("owner_id", ag.OwnerID),
		zap.Int64("allocation", int64(req.Allocation)),
	)
	w.Header().Set("Location", "/v1/agents/"+ag.ID)
	writeJSON(w, http.StatusCreated, ag)
}

func (a *API) AgentBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := a.svc.BudgetStatus(r.Context(), id)
	if err != nil {
		if err == budget.ErrAgentNotFound {
			// The operator is already authenticated; existence is not
			// hidden here.
			writeError(w, r, http.StatusNotFound, "agent not found")
			return
		}
		a.handleBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) GetLease(w http.ResponseWriter, r *http.Request) {
	id, ok := validLeaseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "lease id is malformed")
		return
	}
	l, err := a.svc.Lease(r.Context(), id)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) RevokeLease(w http.ResponseWriter, r *http.Request) {
	id, ok := validLeaseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "lease id is malformed")
		return
	}
	transitioned, err := a.svc.RevokeLease(r.Context(), id)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.lease.revoke",
		zap.String("lease_id", id),
		zap.Bool("transitioned", transitioned),
	)
	// A repeated revoke is an idempotent no-op; only the call that
	// actually closed the lease moves the gauge or emits an event.
	if transitioned {
		obs.LeasesOpen.Dec()
		a.publish(stream.Event{Type: stream.EventLeaseRevoked, LeaseID: id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
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
	if req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "secret is required")
		return
	}

	cred, err := a.keys.Add(r.Context(), provider, strings.TrimSpace(req.Label), req.Secret)
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	// The secret itself is never echoed or logged.
	_ = audit.LogEvent(r.Context(), "admin.credential.create",
		zap.String("credential_id", cred.ID),
		zap.String("provider", cred.Provider),
	)
	writeJSON(w, http.StatusCreated, cred)
}

func (a *API) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := a.keys.List(r.Context())
	if err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": creds})
}

func (a *API) SetCredentialEnabled(w http.ResponseWriter, r *http.Request) {
	var req setEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.keys.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		a.handleBudgetError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.credential.set_enabled",
		zap.String("credential_id", id),
		zap.Bool("enabled", req.Enabled),
	)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
