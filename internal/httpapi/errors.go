package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"leasebank.org/internal/budget"
	"leasebank.org/internal/ids"
	"leasebank.org/internal/keystore"
	"leasebank.org/internal/obs"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleBudgetError maps service errors to protocol status codes.
// Internal errors are logged with detail and surfaced opaquely.
func (a *API) handleBudgetError(w http.ResponseWriter, r *http.Request, err error) {
	var exc *budget.ExceededError
	switch {
	case errors.As(err, &exc):
		obs.BudgetDeniedTotal.WithLabelValues(exc.Scope).Inc()
		payload := map[string]any{
			"error":     "budget exceeded",
			"limit":     exc.Limit,
			"spent":     exc.Spent,
			"remaining": exc.Remaining,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusForbidden, payload)
	case errors.Is(err, budget.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrLeaseExpired),
		errors.Is(err, budget.ErrLeaseRevoked),
		errors.Is(err, budget.ErrLeaseBudget),
		errors.Is(err, budget.ErrNotLeaseOwner):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, budget.ErrLeaseNotActive):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrLeaseNotFound):
		writeError(w, r, http.StatusNotFound, "lease not found")
	case errors.Is(err, budget.ErrAgentNotFound):
		// Agent existence is not disclosed to the caller.
		writeError(w, r, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, budget.ErrNoLedger):
		// The agent is known but its owner has no spending policy.
		writeError(w, r, http.StatusForbidden, "no budget policy configured")
	case errors.Is(err, budget.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, keystore.ErrNoCredential), errors.Is(err, keystore.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "no credential for provider")
	case errors.Is(err, budget.ErrExists):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		a.log.Error("internal error",
			zap.Error(err),
			zap.String("request_id", RequestIDFromContext(r.Context())),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// --- field validation ---

func hasNUL(s string) bool { return strings.ContainsRune(s, '\x00') }

func validToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > 2000 || hasNUL(token) {
		return "", false
	}
	return token, true
}

func validShortID(s string, max int) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) > max || hasNUL(s) {
		return "", false
	}
	return s, true
}

// validLeaseID additionally requires the lease_<ulid> shape, so a
// credential or agent identifier handed in as a lease id is rejected
// here instead of surfacing as a storage miss.
func validLeaseID(s string) (string, bool) {
	s, ok := validShortID(s, 100)
	if !ok || !ids.Valid(ids.KindLease, s) {
		return "", false
	}
	return s, true
}

// validCredentialID accepts an empty id (the caller did not name one)
// or a well-formed cred_<ulid>.
func validCredentialID(s string) (string, bool) {
	s, ok := validShortID(s, 100)
	if !ok {
		return "", false
	}
	if s == "" {
		return "", true
	}
	if !ids.Valid(ids.KindCredential, s) {
		return "", false
	}
	return s, true
}
