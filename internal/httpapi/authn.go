package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"vaultgate.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withSession validates the opaque session token and attaches the session
// context. Session-scoped endpoints never see a request without one.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		sc, err := a.svc.Sessions().ValidateSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				writeError(w, r, http.StatusUnauthorized, "invalid session")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "session validation failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithSession(r.Context(), sc)))
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
