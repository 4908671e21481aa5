package httpapi

import (
	"net/http"
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/auth"
	"vaultgate.io/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIToken string `json:"api_token,omitempty"`
}

type loginResponse struct {
	SessionToken string       `json:"session_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         auth.Profile `json:"user"`
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
	Assertion string    `json:"assertion,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// The Authorization header wins over the body field so tokens stay out of
	// request bodies wherever callers can manage it.
	apiToken := req.APIToken
	if bearer, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		apiToken = bearer
	}

	result, err := a.svc.Login(r.Context(), auth.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		APIToken: apiToken,
		Client: audit.ClientInfo{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		},
	})

	outcome := "SUCCESS"
	if !result.Success {
		outcome = string(result.Code)
	}
	obs.LoginAttempts.WithLabelValues(outcome).Inc()

	if err != nil {
		obs.LogRequest(map[string]any{
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
			"level":      "error",
			"msg":        "login_system_error",
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
	}

	if !result.Success {
		writeLoginFailure(w, r, result)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		SessionToken: result.SessionToken,
		ExpiresAt:    result.SessionExpires,
		User:         result.User,
	})
}

// writeLoginFailure maps the external code to an HTTP status. The body shape
// is identical for every failure.
func writeLoginFailure(w http.ResponseWriter, r *http.Request, result auth.LoginResult) {
	status := http.StatusUnauthorized
	switch result.Code {
	case auth.CodeMissingCredentials, auth.CodeMissingAPIToken:
		status = http.StatusBadRequest
	case auth.CodeAccountLocked:
		status = http.StatusLocked
	case auth.CodeSystemError:
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":      result.Message,
		"error_code": string(result.Code),
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.svc.Sessions().RevokeSession(r.Context(), token); err != nil {
		// The session was already validated by the middleware; a failure here
		// is a store problem, not a caller problem.
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	sc, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "session required")
		return
	}

	resp := sessionResponse{
		SessionID: sc.SessionID.String(),
		TenantID:  sc.TenantID.String(),
		UserID:    sc.UserID.String(),
		Username:  sc.Username,
		ExpiresAt: sc.ExpiresAt,
	}
	// The assertion is optional output: without a configured secret the
	// session introspection still works.
	if assertion, err := a.svc.Assert(r.Context(), sc, 0); err == nil {
		resp.Assertion = assertion
	}
	writeJSON(w, http.StatusOK, resp)
}
