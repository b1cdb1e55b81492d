// handler.go -- Handler dependencies, health and key discovery endpoints.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/time/rate"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/channel"
	"github.com/MGallo-Code/boxgate/internal/keyvault"
	"github.com/MGallo-Code/boxgate/internal/notify"
	"github.com/MGallo-Code/boxgate/internal/store"
	"github.com/MGallo-Code/boxgate/internal/token"
)

// AccountStore defines the account operations handlers need.
// Satisfied by *store.PostgresStore.
type AccountStore interface {
	CheckHealth(ctx context.Context) error

	// GetAccountByUsername returns store.ErrNotFound when no account matches.
	GetAccountByUsername(ctx context.Context, username string) (*store.Account, error)

	// GetAccountByID returns store.ErrNotFound when no account matches.
	GetAccountByID(ctx context.Context, id uuid.UUID) (*store.Account, error)

	// UpdateAccountPassword returns store.ErrNotFound when the account is gone.
	UpdateAccountPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
}

// HealthChecker pings a dependency. Satisfied by *store.RedisStore.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// RateLimiter records a request against key and reports whether policy allows it.
// Satisfied by *store.RedisRateLimiter.
type RateLimiter interface {
	// Allow returns store.ErrRateLimitExceeded and the wait until the window
	// resets once the policy is exceeded.
	Allow(ctx context.Context, key string, policy store.RateLimit) (time.Duration, error)
}

// KeyVault is the box key pair as handlers see it. Satisfied by *keyvault.Vault.
type KeyVault interface {
	DecryptWithPrivate(ciphertext []byte) ([]byte, error)
	PublicKeyPEM() []byte
	KeyID() string
	Algorithm() string
	KeySize() int
}

// Handler holds dependencies for every HTTP handler and middleware.
type Handler struct {
	Accounts AccountStore
	Cache    HealthChecker
	Vault    KeyVault
	Channels *channel.Establisher
	Tokens   *token.Service
	Security *token.SecurityService
	Notify   *notify.Channel
	Liveness *notify.LivenessTracker
	RL       RateLimiter

	// Handshakes caps RSA decryptions process-wide. Nil means unlimited.
	Handshakes *rate.Limiter

	Metrics     *Metrics
	SecurityTTL time.Duration
}

// CheckHealth handles GET /health. Pings Postgres and Redis and returns
// per-dependency status: 200 when both are up, 503 otherwise.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus := "ok"
	redisStatus := "ok"

	if err := h.Accounts.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}
	if err := h.Cache.CheckHealth(r.Context()); err != nil {
		logError(r, "redis health check failed", "error", err)
		redisStatus = "error"
	}

	status := http.StatusOK
	if postgresStatus != "ok" || redisStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}

// PublicKey handles GET /keys/public. Clients encrypt handshakes to this key.
func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Algorithm       string `json:"algorithm"`
		KeyExchange     string `json:"key_exchange"`
		SignatureMethod string `json:"signature_method"`
		KeyID           string `json:"key_id"`
		KeySize         int    `json:"key_size"`
		PublicKey       string `json:"public_key"`
	}{
		Algorithm:       h.Vault.Algorithm(),
		KeyExchange:     keyvault.KeyExchange,
		SignatureMethod: keyvault.SignatureMethod,
		KeyID:           h.Vault.KeyID(),
		KeySize:         h.Vault.KeySize(),
		PublicKey:       string(h.Vault.PublicKeyPEM()),
	})
}

// checkCredential verifies a "username:password" credential against the
// account store. Unknown users cost the same Argon2id work as a wrong password.
func (h *Handler) checkCredential(ctx context.Context, credential string) (*store.Account, error) {
	username, password, ok := strings.Cut(credential, ":")
	if !ok || username == "" || password == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	acct, err := h.Accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		VerifyPassword(password, dummyPasswordHash)
		return nil, apperr.ErrInvalidCredentials
	}
	match, err := VerifyPassword(password, acct.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, apperr.ErrInvalidCredentials
	}
	return acct, nil
}

// decryptCredential opens an RSA-encrypted "username:secret" blob.
func (h *Handler) decryptCredential(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", apperr.Wrap(apperr.KindInvalidRequest, errors.New("credentials required"))
	}
	raw, err := h.Vault.DecryptWithPrivate(blob)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// allowHandshake spends one token of the process-wide handshake budget.
func (h *Handler) allowHandshake() bool {
	return h.Handshakes == nil || h.Handshakes.Allow()
}
