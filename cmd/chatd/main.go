package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/attachments"
	"chatcore/internal/authn"
	"chatcore/internal/blob"
	"chatcore/internal/config"
	"chatcore/internal/directory"
	"chatcore/internal/gateway"
	"chatcore/internal/identity"
	"chatcore/internal/keyvault"
	"chatcore/internal/messaging"
	"chatcore/internal/observability/logging"
	"chatcore/internal/observability/metrics"
	"chatcore/internal/realtime"
	"chatcore/internal/store"
	transport "chatcore/internal/transport/http"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "optional config file (yaml, json, toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "chatcore",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("chatcore")

	logger.Info("starting service")

	if err := run(cfg); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.URL, LogSQL: cfg.LogSQL})
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.AutoMigrate(ctx); err != nil {
		return err
	}

	if cfg.MasterKey == "" {
		slog.Warn("no master key configured; using an ephemeral key, stored conversations will be unreadable after restart")
	}
	vault, err := keyvault.NewFromBase64(cfg.MasterKey)
	if err != nil {
		return err
	}

	blobs, err := blob.NewFileSystem(cfg.Storage.Root)
	if err != nil {
		return err
	}

	verifier, closeVerifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	defer closeVerifier()

	var broker realtime.Broker
	if cfg.RedisURL != "" {
		rb, err := realtime.NewRedisBroker(ctx, cfg.RedisURL, realtime.DefaultChannel)
		if err != nil {
			return err
		}
		broker = rb
		slog.Info("realtime fan-out via redis", "channel", realtime.DefaultChannel)
	}
	hub := realtime.NewHub(broker)
	defer hub.Close()
	go func() {
		if err := hub.Run(ctx); err != nil {
			slog.Error("realtime broker stopped", "error", err)
		}
	}()

	users := identity.NewStoreProvider(st)
	dir := directory.New(st, vault)
	msgs := messaging.New(st, dir, vault)
	atts := attachments.New(st, dir, vault, blobs,
		attachments.WithMaxBytes(cfg.Attachments.MaxBytes),
		attachments.WithPreviewRenderer(attachments.DefaultPreviewRenderer()),
	)
	gw := gateway.New(dir, msgs, hub, gateway.Options{
		PingInterval: cfg.WS.PingInterval,
		ReadTimeout:  cfg.WS.ReadTimeout,
		SendBuffer:   cfg.WS.SendBuffer,
		CheckOrigin:  originChecker(cfg.CORSOrigins),
	})

	router := transport.NewRouter(transport.Deps{
		Directory:   dir,
		Messages:    msgs,
		Attachments: atts,
		Users:       users,
		Auth:        authn.NewAuthenticator(verifier, users),
		Gateway:     gw,
		Broadcaster: gw,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   transport.RateLimit{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window},
		Health:      st.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chatcore listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func newVerifier(cfg config.AuthConfig) (authn.Verifier, func(), error) {
	if cfg.JWKSURL != "" {
		v, err := authn.NewJWKSVerifier(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	}
	return authn.NewHMACVerifier(cfg.HS256Secret, cfg.Issuer, cfg.Audience), func() {}, nil
}

// originChecker allows same-origin upgrades plus the configured CORS origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}
