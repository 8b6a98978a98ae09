package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"leasebank.org/internal/captoken"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAdminAuth guards the operator surface. It requires a bearer
// capability token carrying budget:admin.
func (a *API) withAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := captoken.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "Invalid token")
			return
		}
		if !claims.HasPermission(captoken.PermAdmin) {
			writeError(w, r, http.StatusForbidden, "token lacks budget:admin permission")
			return
		}
		next.ServeHTTP(w, r.WithContext(captoken.ContextWithClaims(r.Context(), claims)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
