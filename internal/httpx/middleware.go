// Package httpx holds small HTTP helpers shared by the transport packages.
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"chatcore/internal/domain"
	obsmw "chatcore/internal/observability/middleware"
)

// WriteJSON encodes v as the response body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteFailure writes the {"success":false,...} envelope.
func WriteFailure(w http.ResponseWriter, status int, code domain.Code, msg string) {
	WriteJSON(w, status, map[string]any{"success": false, "code": code, "error": msg})
}

// LogRequests logs method, path and latency of every request.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", append(obsmw.LogAttrs(r.Context()),
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))...)
	})
}

// Recover converts a panic into a generic internal error. The panic value and
// stack are logged, never returned to the client.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("http handler panic", append(obsmw.LogAttrs(r.Context()),
				"method", r.Method, "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))...)
			WriteFailure(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}
