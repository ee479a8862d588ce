package authn

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"chatcore/internal/domain"
	"chatcore/internal/identity"
	"chatcore/internal/observability/metrics"
	obsmw "chatcore/internal/observability/middleware"

	"github.com/google/uuid"
)

// Authenticator turns a bearer token into a *domain.User on the context.
type Authenticator struct {
	verifier Verifier
	users    identity.Provider
}

func NewAuthenticator(v Verifier, users identity.Provider) *Authenticator {
	return &Authenticator{verifier: v, users: users}
}

// Require rejects requests without an active, known user.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.authenticate(r)
		if err != nil {
			status, code := http.StatusUnauthorized, domain.CodeUnauthorized
			if errors.Is(err, domain.ErrInactiveUser) {
				status, code = http.StatusForbidden, domain.CodeInactiveUser
			}
			writeFailure(w, status, code, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), u)))
	})
}

// Optional attaches the user when a valid token is present, including
// inactive users, and otherwise passes the request through untouched. The
// realtime gateway uses it so it can close with its own codes.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.authenticate(r)
		if err == nil || errors.Is(err, domain.ErrInactiveUser) {
			r = r.WithContext(identity.WithUser(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) authenticate(r *http.Request) (u *domain.User, err error) {
	result := "success"
	defer func() {
		metrics.AuthenticationAttemptsTotal.WithLabelValues(a.verifier.Method(), result).Inc()
	}()
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())

	raw := bearerToken(r)
	if raw == "" {
		result = "missing"
		return nil, ErrMissingToken
	}
	sub, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		result = "failure"
		slog.Warn("auth token rejected", "error", err, "request_id", reqID, "trace_id", traceID)
		return nil, err
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		result = "failure"
		slog.Warn("auth subject is not a user id", "subject", sub, "request_id", reqID, "trace_id", traceID)
		return nil, ErrInvalidToken
	}
	u, err = a.users.Lookup(r.Context(), id)
	if err != nil {
		result = "failure"
		slog.Warn("auth subject unknown", "subject", sub, "error", err, "request_id", reqID, "trace_id", traceID)
		return nil, ErrInvalidToken
	}
	if !u.IsActive {
		result = "inactive"
		return u, domain.ErrInactiveUser
	}
	slog.Debug("auth passed", "method", a.verifier.Method(), "subject", sub, "request_id", reqID, "trace_id", traceID)
	return u, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter on websocket upgrades where browsers cannot
// set headers.
func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if len(raw) > len("bearer ") && strings.EqualFold(raw[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(raw[len("bearer "):])
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func writeFailure(w http.ResponseWriter, status int, code domain.Code, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := "authentication required"
	if errors.Is(err, domain.ErrInactiveUser) {
		msg = domain.ErrInactiveUser.Message
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "code": code, "error": msg})
}
