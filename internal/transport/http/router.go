// Package http exposes the chat services over a JSON REST surface plus the
// websocket endpoints served by the gateway.
package http

import (
	"context"
	"net/http"
	"time"

	"chatcore/internal/attachments"
	"chatcore/internal/authn"
	"chatcore/internal/directory"
	"chatcore/internal/httpx"
	"chatcore/internal/identity"
	"chatcore/internal/messaging"
	obsmw "chatcore/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Broadcaster pushes a stored message to live websocket sessions.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *messaging.Message, senderName string) error
}

type RateLimit struct {
	Requests int
	Window   time.Duration
}

type Deps struct {
	Directory   *directory.Directory
	Messages    *messaging.Service
	Attachments *attachments.Vault
	Users       identity.Provider
	Auth        *authn.Authenticator
	// Gateway serves /ws/chat/{kind}/{id}; nil disables websockets.
	Gateway     http.Handler
	Broadcaster Broadcaster
	CORSOrigins []string
	RateLimit   RateLimit
	// Health reports readiness of backing stores for /healthz.
	Health func(ctx context.Context) error
}

type Handler struct {
	dir   *directory.Directory
	msgs  *messaging.Service
	vault *attachments.Vault
	users identity.Provider
	bcast Broadcaster
}

func NewRouter(d Deps) http.Handler {
	h := &Handler{dir: d.Directory, msgs: d.Messages, vault: d.Attachments, users: d.Users, bcast: d.Broadcaster}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(httpx.LogRequests)
	r.Use(httpx.Recover)
	r.Use(obsmw.WithMetrics)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-Trace-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if d.Gateway != nil {
		r.With(d.Auth.Optional).Get("/ws/chat/{kind}/{id}", d.Gateway.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.Auth.Require)
		if d.RateLimit.Requests > 0 && d.RateLimit.Window > 0 {
			r.Use(httprate.Limit(d.RateLimit.Requests, d.RateLimit.Window,
				httprate.WithKeyFuncs(userKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httpx.WriteFailure(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				}),
			))
		}

		r.Get("/users", h.listUsers)
		r.Get("/conversations", h.listConversations)
		r.Post("/threads", h.createThread)
		r.Post("/groups", h.createGroup)
		r.Post("/groups/{id}/members", h.addMember)
		r.Delete("/groups/{id}/members/{userID}", h.removeMember)
		r.Post("/groups/{id}/messages/{messageID}/read", h.markGroupMessageRead)

		r.Get("/{kind}/{id}/messages", h.listMessages)
		r.Post("/{kind}/{id}/messages", h.postMessage)
		r.Post("/{kind}/{id}/read", h.markRead)

		r.Get("/attachments/{kind}/{id}", h.downloadAttachment)
		r.Get("/attachments/{kind}/{id}/thumb", h.downloadThumbnail)
	})
	return r
}

// userKey rate-limits per authenticated user, falling back to client IP.
func userKey(r *http.Request) (string, error) {
	if u, ok := identity.UserFrom(r.Context()); ok {
		return "user:" + u.ID.String(), nil
	}
	return httprate.KeyByIP(r)
}
