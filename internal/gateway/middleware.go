// middleware.go

// Bearer authentication and per-client rate limiting.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/store"
	"github.com/MGallo-Code/boxgate/internal/token"
)

// ClientIDHeader carries the calling terminal's client id.
const ClientIDHeader = "X-Client-Id"

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const sessionKey contextKey = "session"

// SessionFromContext returns the session RequireAuth verified.
// Returns nil and false if RequireAuth hasn't run.
func SessionFromContext(ctx context.Context) (*token.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*token.Session)
	return sess, ok
}

// WithSession returns ctx carrying sess, as RequireAuth does.
func WithSession(ctx context.Context, sess *token.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// RequireAuth verifies the bearer access token and injects its session into
// the request context. A client id header, when sent, must match the token.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			logWarn(r, "require auth failed", "reason", "missing_bearer")
			h.Metrics.verification("missing")
			WriteError(w, r, apperr.Wrap(apperr.KindMalformedClaims, errors.New("missing bearer token")))
			return
		}

		sess, err := h.Tokens.Verify(r.Context(), raw)
		if err != nil {
			kind, ok := apperr.KindOf(err)
			if !ok {
				h.Metrics.verification("error")
				InternalServerError(w, r, err)
				return
			}
			logWarn(r, "require auth failed", "reason", kind.String())
			h.Metrics.verification(kind.String())
			WriteError(w, r, err)
			return
		}
		if cid := r.Header.Get(ClientIDHeader); cid != "" && cid != sess.ClientID {
			logWarn(r, "require auth failed", "reason", "header_client_mismatch", "account_id", sess.AccountID)
			h.Metrics.verification(apperr.KindClientMismatch.String())
			WriteError(w, r, apperr.ErrClientMismatch)
			return
		}

		h.Metrics.verification("ok")
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// RoutePolicy is a fixed-window limit applied per route and client.
// Zero Max disables the limit.
type RoutePolicy struct {
	Prefix string // key namespace; empty means store.DefaultRatePrefix
	Window time.Duration
	Max    int
}

// ClientIDFunc extracts the id a request is limited under. "" exempts the request.
type ClientIDFunc func(r *http.Request) string

// ClientIDFromHeader limits unauthenticated routes by the client id header.
func ClientIDFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ClientIDHeader))
}

// ClientIDFromSession limits authenticated routes by the verified token's client.
// Must run after RequireAuth.
func ClientIDFromSession(r *http.Request) string {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return sess.ClientID
	}
	return ""
}

// RateLimit counts each request under prefix + route pattern + "-" + client id
// and rejects with 429 once p.Max is passed within p.Window.
func (h *Handler) RateLimit(p RoutePolicy, clientID ClientIDFunc) func(http.Handler) http.Handler {
	prefix := p.Prefix
	if prefix == "" {
		prefix = store.DefaultRatePrefix
	}
	policy := store.RateLimit{MaxAttempts: p.Max, Window: p.Window}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := clientID(r)
			if cid == "" || h.RL == nil {
				next.ServeHTTP(w, r)
				return
			}
			route := routePattern(r)
			retryAfter, err := h.RL.Allow(r.Context(), store.RateLimitKey(prefix, route, cid), policy)
			if err != nil {
				if errors.Is(err, apperr.ErrRateLimitExceeded) {
					logInfo(r, "request rate limited", "route", route, "retry_after", retryAfter)
					h.Metrics.limited(route)
					TooManyRequests(w, retryAfter)
					return
				}
				InternalServerError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routePattern is the matched chi pattern, so /clients/a and /clients/b
// share a counter. Falls back to the raw path outside a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
