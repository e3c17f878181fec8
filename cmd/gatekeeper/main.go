// Command gatekeeper runs the identity provider as a standalone HTTP
// service. Configuration comes from the environment; with no DSN it runs
// entirely in memory, suitable for development.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gatekit/gatekeeper"
	"github.com/gatekit/gatekeeper/challenge"
	"github.com/gatekit/gatekeeper/instrumentation"
	"github.com/gatekit/gatekeeper/session"
	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/storage/memory"
	"github.com/gatekit/gatekeeper/storage/postgres"
	"github.com/gatekit/gatekeeper/token"
)

type processConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	Issuer     string `env:"ISSUER" envDefault:"http://localhost:8080"`

	// DatabaseDSN selects the Postgres backend; empty means in-memory.
	DatabaseDSN string `env:"DATABASE_DSN"`

	// SessionFile switches session persistence to the JSON file backend.
	SessionFile string `env:"SESSION_FILE"`

	IDTokenSigningKey string `env:"ID_TOKEN_SIGNING_KEY"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	AuthCodeTTL     time.Duration `env:"AUTH_CODE_TTL" envDefault:"5m"`
	DeviceCodeTTL   time.Duration `env:"DEVICE_CODE_TTL" envDefault:"15m"`

	GCInterval time.Duration `env:"GC_INTERVAL" envDefault:"1m"`

	TrustProxy        bool `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	EnableAuditLogging    bool   `env:"ENABLE_AUDIT_LOGGING" envDefault:"true"`
	EnableInstrumentation bool   `env:"ENABLE_INSTRUMENTATION" envDefault:"false"`
	ServiceVersion        string `env:"SERVICE_VERSION" envDefault:"dev"`

	WebAuthnRPID      string   `env:"WEBAUTHN_RP_ID"`
	WebAuthnRPOrigins []string `env:"WEBAUTHN_RP_ORIGINS" envSeparator:","`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg processConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("gatekeeper starting",
		"issuer", cfg.Issuer,
		"listen_addr", cfg.ListenAddr,
		"backend", backendName(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "gatekeeper",
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        cfg.EnableInstrumentation,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openDatastore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sessionBackend := storage.SessionStore(store)
	if cfg.SessionFile != "" {
		fileStore, err := session.OpenFileStore(cfg.SessionFile)
		if err != nil {
			return fmt.Errorf("opening session file: %w", err)
		}
		sessionBackend = fileStore
	}
	sessions := session.NewManager(sessionBackend, session.Config{}, logger)

	challenges, err := challenge.NewEngine(challenge.Config{
		RPID:      cfg.WebAuthnRPID,
		RPOrigins: cfg.WebAuthnRPOrigins,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing challenge engine: %w", err)
	}

	server, err := gatekeeper.NewServer(store, sessions, challenges, nil, gatekeeper.Config{
		Issuer:             cfg.Issuer,
		IDTokenSigningKey:  []byte(cfg.IDTokenSigningKey),
		TrustProxy:         cfg.TrustProxy,
		TrustedProxyCount:  cfg.TrustedProxyCount,
		EnableAuditLogging: cfg.EnableAuditLogging,
		Logger:             logger,
		TokenValidity:      tokenValidity(cfg),
	})
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}
	defer server.Close()

	go server.RunGarbageCollector(ctx, cfg.GCInterval)

	handler := gatekeeper.NewHandler(server, inst, logger)
	router := newRouter(handler)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newRouter(handler *gatekeeper.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/.well-known/openid-configuration", handler.ServeOpenIDConfiguration)
	r.Get("/oauth2/auth", handler.ServeAuthorization)
	r.Post("/oauth2/token", handler.ServeToken)
	r.Post("/oauth2/device/code", handler.ServeDeviceCode)
	r.Post("/oauth2/device/approve", handler.ServeDeviceApproval)
	r.Get("/oauth2/userinfo", handler.ServeUserInfo)
	r.Post("/oauth2/userinfo", handler.ServeUserInfo)
	r.Post("/oauth2/revoke", handler.ServeRevocation)

	r.Post("/session", handler.ServeSession)
	r.Post("/signin", handler.ServeSignin)
	r.Post("/signin/passwordless", handler.ServePasswordlessSignin)
	r.Post("/signin/challenge", handler.ServeSigninChallenge)
	r.Post("/logout", handler.ServeLogout)

	return r
}

func openDatastore(ctx context.Context, cfg processConfig, logger *slog.Logger) (storage.Datastore, func(), error) {
	if cfg.DatabaseDSN == "" {
		store := memory.New()
		store.SetLogger(logger)
		return store, func() {}, nil
	}

	store, err := postgres.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("Closing database failed", "error", err)
		}
	}, nil
}

func backendName(cfg processConfig) string {
	if cfg.DatabaseDSN != "" {
		return "postgres"
	}
	return "memory"
}

func tokenValidity(cfg processConfig) map[token.Type]time.Duration {
	return map[token.Type]time.Duration{
		token.TypeAuthorizationCode: cfg.AuthCodeTTL,
		token.TypeAccessToken:       cfg.AccessTokenTTL,
		token.TypeRefreshToken:      cfg.RefreshTokenTTL,
		token.TypeDeviceCode:        cfg.DeviceCodeTTL,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
