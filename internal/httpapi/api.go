package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"leasebank.org/internal/budget"
	"leasebank.org/internal/keystore"
	"leasebank.org/internal/obs"
	"leasebank.org/internal/sealer"
	"leasebank.org/internal/stream"
)

// ReadyProbe checks readiness (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tunes the API surface.
type Options struct {
	Version        string
	DefaultGrant   budget.Amount
	MaxGrant       budget.Amount
	LeaseTTL       time.Duration // 0 = no lease deadline
	RateLimitRPS   float64
	RateLimitBurst int
}

func (o *Options) applyDefaults() {
	if o.DefaultGrant <= 0 {
		o.DefaultGrant = 10_000_000
	}
	if o.MaxGrant <= 0 {
		o.MaxGrant = 100_000_000
	}
	if o.RateLimitRPS <= 0 {
		o.RateLimitRPS = 20
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 40
	}
}

// API is the HTTP layer over the budget service.
type API struct {
	router     chi.Router
	svc        budget.Service
	keys       keystore.Store
	seal       *sealer.Sealer
	events     *stream.Stream
	log        *zap.Logger
	readyProbe ReadyProbe
	opts       Options
}

func New(svc budget.Service, keys keystore.Store, seal *sealer.Sealer, events *stream.Stream, log *zap.Logger, rp ReadyProbe, opts Options) *API {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	a := &API{
		svc:        svc,
		keys:       keys,
		seal:       seal,
		events:     events,
		log:        log,
		readyProbe: rp,
		opts:       opts,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(a.logging)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(MaxBodyBytes(1 << 20))
	r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	// Agent-facing budget protocol. The capability token rides in the
	// request body and is checked per handler, after input validation.
	r.Route("/budget", func(r chi.Router) {
		r.Post("/handshake", a.Handshake)
		r.Post("/report", a.ReportUsage)
		r.Post("/refresh", a.Refresh)
		r.Post("/return", a.Return)
	})

	// Operator surface, bearer capability token with budget:admin.
	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAdminAuth)
		r.Post("/owners", a.CreateOwner)
		r.Post("/agents", a.CreateAgent)
		r.Get("/agents/{id}/budget", a.AgentBudget)
		r.Get("/leases/{id}", a.GetLease)
		r.Post("/leases/{id}/revoke", a.RevokeLease)
		r.Post("/credentials", a.CreateCredential)
		r.Get("/credentials", a.ListCredentials)
		r.Post("/credentials/{id}/enabled", a.SetCredentialEnabled)
		r.Get("/stream", a.StreamEvents)
	})

	a.router = r
	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "leasebank-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "leasebank-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
