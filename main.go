package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/boxgate/internal/channel"
	"github.com/MGallo-Code/boxgate/internal/clock"
	"github.com/MGallo-Code/boxgate/internal/config"
	"github.com/MGallo-Code/boxgate/internal/gateway"
	"github.com/MGallo-Code/boxgate/internal/keyvault"
	"github.com/MGallo-Code/boxgate/internal/notify"
	"github.com/MGallo-Code/boxgate/internal/store"
	"github.com/MGallo-Code/boxgate/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// requestTimeout bounds every request; long polls are configured to finish first.
const requestTimeout = 30 * time.Second

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// The key pair is created out of band (cmd/keygen) and never regenerated here.
	vault, err := keyvault.Load(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load box key: %w", err)
	}
	slog.Info("box key loaded", "key_id", vault.KeyID(), "bits", vault.KeySize())

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := bootstrapAdmin(ctx, ps, cfg); err != nil {
		return err
	}

	// Create shared Redis client; all Redis structs share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	clk := clock.Real()
	rs := store.NewRedisStore(rdb)
	liveness := notify.NewLivenessTracker(store.NewRedisLiveness(rdb), cfg.LivenessStaleAfter, clk)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := &gateway.Handler{
		Accounts: ps,
		Cache:    rs,
		Vault:    vault,
		// A channel lives as long as the session bound to it.
		Channels: channel.NewEstablisher(vault, cfg.RefreshTokenTTL, clk),
		Tokens: token.NewService(vault, rs, token.Config{
			Issuer:     cfg.Issuer,
			AccessTTL:  cfg.AccessTokenTTL,
			RefreshTTL: cfg.RefreshTokenTTL,
		}, clk),
		Security: token.NewSecurityService(vault, rs, cfg.Issuer, clk),
		Notify: notify.NewChannel(
			store.NewRedisNotificationLog(rdb, int64(cfg.NotifyMaxLen)), ps, liveness,
			notify.Config{
				DefaultCount: cfg.PollDefaultCount,
				MaxCount:     cfg.PollMaxCount,
				MaxTimeout:   cfg.PollMaxTimeout,
			}, clk,
		),
		Liveness:    liveness,
		RL:          store.NewRedisRateLimiter(rdb),
		Handshakes:  rate.NewLimiter(rate.Limit(cfg.HandshakeRPS), cfg.HandshakeBurst),
		Metrics:     gateway.NewMetrics(reg),
		SecurityTTL: cfg.SecurityTokenTTL,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, cfg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("boxgate listening", "addr", ln.Addr().String(), "issuer", cfg.Issuer)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown: stop accepting, drain in-flight requests (polls
	// included), give up after the request timeout.
	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// bootstrapAdmin creates the configured admin account on first start.
// An existing account is left alone; its password is changed only through reset.
func bootstrapAdmin(ctx context.Context, ps *store.PostgresStore, cfg *config.Config) error {
	if cfg.AdminUsername == "" {
		return nil
	}
	if msg := gateway.ValidatePassword(cfg.AdminPassword); msg != "" {
		return fmt.Errorf("ADMIN_PASSWORD rejected: %s", msg)
	}
	hash, err := gateway.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating admin id: %w", err)
	}
	created, err := ps.EnsureAccount(ctx, id, cfg.AdminUsername, hash)
	if err != nil {
		return fmt.Errorf("bootstrapping admin account: %w", err)
	}
	if created {
		slog.Info("admin account created", "username", cfg.AdminUsername, "account_id", id)
	}
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *gateway.Handler, cfg *config.Config, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	// rs/cors allows every origin when the list is empty, so only mount it when configured.
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", gateway.ClientIDHeader},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: false,
		}).Handler)
	}

	tokenLimit := h.RateLimit(gateway.RoutePolicy{
		Window: cfg.RateTokenWindow,
		Max:    cfg.RateTokenMax,
	}, gateway.ClientIDFromHeader)
	clientLimit := h.RateLimit(gateway.RoutePolicy{
		Window: cfg.RateClientWindow,
		Max:    cfg.RateClientMax,
	}, gateway.ClientIDFromSession)

	r.Get("/health", h.CheckHealth)
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/keys/public", h.PublicKey)

	// Unauthenticated, limited per client id header.
	r.Group(func(r chi.Router) {
		r.Use(tokenLimit)
		r.Post("/tokens", h.IssueTokens)
		r.Post("/tokens/refresh", h.RefreshToken)
		r.Post("/tokens/verify", h.VerifyToken)
		r.Post("/tokens/revoke", h.RevokeTokens)
		r.Post("/security-tokens/verify", h.VerifySecurityToken)
		r.Post("/password/reset", h.PasswordReset)
	})

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/logout", h.Logout)
		r.Get("/notifications", h.PollNotifications)
		r.Delete("/notifications", h.AcknowledgeNotifications)
		r.Get("/clients/{clientID}/liveness", h.ClientLiveness)

		// Limited per verified client. DO NOT move above RequireAuth.
		r.Group(func(r chi.Router) {
			r.Use(clientLimit)
			r.Post("/tokens/rotate", h.RotateChannel)
			r.Post("/security-tokens", h.IssueSecurityToken)
			r.Post("/notifications", h.PushNotification)
		})
	})

	return r
}
