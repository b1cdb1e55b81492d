// Package token issues and verifies the box's bearer tokens.
//
// Access and refresh tokens are RS256 JWTs signed through the KeyVault. Each
// carries the client's channel secret and IV RSA-encrypted in the chn claim,
// and is only valid while a matching session is registered in Redis.
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/clock"
	"github.com/MGallo-Code/boxgate/internal/store"
)

// Token kinds carried in the knd claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

const (
	secretSize = 32
	ivSize     = 16
)

// Registry is the session store. Satisfied by *store.RedisStore.
type Registry interface {
	SetSession(ctx context.Context, key string, sess store.RegisteredSession, ttl time.Duration) error
	GetSession(ctx context.Context, key string) (*store.RegisteredSession, error)
	DeleteSession(ctx context.Context, key string) (bool, error)
	DeleteAccountSessions(ctx context.Context, accountID string) (int, error)
}

// Config holds issuer identity and lifetimes.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// IssueParams identifies who a token is for and which channel it is bound to.
type IssueParams struct {
	AccountID string
	ClientID  string
	Secret    []byte
	IV        []byte
	Scope     string
}

// IssuedToken is a signed token with its iat and exp. Both are whole seconds;
// the issue time is rounded down so the token lives its full ttl from IssuedAt.
type IssuedToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is an access token with its refresh token.
type Pair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// Session is what a verified token proves.
type Session struct {
	AccountID string
	ClientID  string
	Secret    []byte
	IV        []byte
	Scope     string
	ExpiresAt time.Time
	TokenID   string
}

type sessionClaims struct {
	ClientID string `json:"cid"`
	Channel  string `json:"chn"`
	Kind     string `json:"knd"`
	Scope    string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// Service issues, verifies, refreshes and revokes session tokens.
type Service struct {
	vault    Vault
	registry Registry
	clock    clock.Clock
	cfg      Config
}

// NewService returns a Service. A nil clock means the system clock.
func NewService(v Vault, reg Registry, cfg Config, c clock.Clock) *Service {
	if c == nil {
		c = clock.Real()
	}
	return &Service{vault: v, registry: reg, clock: c, cfg: cfg}
}

// Issue signs an access token valid for ttl and registers its session for ttl.
func (s *Service) Issue(ctx context.Context, p IssueParams, ttl time.Duration) (*IssuedToken, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, errors.New("ttl must be positive"))
	}
	now := s.clock.Now().Truncate(time.Second)
	access, err := s.sign(p, KindAccess, now, now.Add(ttl))
	if err != nil {
		return nil, err
	}
	if err := s.register(ctx, p, access.ExpiresAt, ttl); err != nil {
		return nil, err
	}
	return access, nil
}

// IssuePair signs an access and a refresh token and registers the session
// for the refresh lifetime. Access expiry never exceeds refresh expiry.
func (s *Service) IssuePair(ctx context.Context, p IssueParams) (*Pair, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now().Truncate(time.Second)
	refreshExp := now.Add(s.cfg.RefreshTTL)
	accessExp := now.Add(s.cfg.AccessTTL)
	if accessExp.After(refreshExp) {
		accessExp = refreshExp
	}

	access, err := s.sign(p, KindAccess, now, accessExp)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(p, KindRefresh, now, refreshExp)
	if err != nil {
		return nil, err
	}
	if err := s.register(ctx, p, refresh.ExpiresAt, s.cfg.RefreshTTL); err != nil {
		return nil, err
	}
	return &Pair{Access: *access, Refresh: *refresh}, nil
}

// Verify checks an access token: signature, issuer, expiry, a live session,
// and that the session belongs to the token's client and channel.
func (s *Service) Verify(ctx context.Context, raw string) (*Session, error) {
	return s.authenticate(ctx, raw, KindAccess)
}

// Refresh verifies a refresh token and signs a new access token on the same
// channel. The refresh token and the session TTL are left untouched.
func (s *Service) Refresh(ctx context.Context, raw string) (*IssuedToken, error) {
	sess, err := s.authenticate(ctx, raw, KindRefresh)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().Truncate(time.Second)
	exp := now.Add(s.cfg.AccessTTL)
	if exp.After(sess.ExpiresAt) {
		exp = sess.ExpiresAt
	}
	if !now.Before(exp) {
		return nil, apperr.ErrExpiredToken
	}
	return s.sign(IssueParams{
		AccountID: sess.AccountID,
		ClientID:  sess.ClientID,
		Secret:    sess.Secret,
		IV:        sess.IV,
		Scope:     sess.Scope,
	}, KindAccess, now, exp)
}

// Revoke deletes every session of accountID. Safe to repeat.
func (s *Service) Revoke(ctx context.Context, accountID string) (int, error) {
	n, err := s.registry.DeleteAccountSessions(ctx, accountID)
	if err != nil {
		return n, fmt.Errorf("revoking sessions: %w", err)
	}
	return n, nil
}

// Logout deletes the one session sess was verified against.
func (s *Service) Logout(ctx context.Context, sess *Session) error {
	if _, err := s.registry.DeleteSession(ctx, store.SessionKey(sess.AccountID, sess.Secret)); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

func (p IssueParams) validate() error {
	switch {
	case p.AccountID == "":
		return apperr.Wrap(apperr.KindInvalidRequest, errors.New("account id required"))
	case p.ClientID == "":
		return apperr.Wrap(apperr.KindInvalidRequest, errors.New("client id required"))
	case len(p.Secret) != secretSize || len(p.IV) != ivSize:
		return apperr.Wrap(apperr.KindInvalidRequest, errors.New("channel secret or iv has wrong size"))
	}
	return nil
}

func (s *Service) sign(p IssueParams, kind string, now, exp time.Time) (*IssuedToken, error) {
	chn, err := sealClaim(s.vault, append(append([]byte{}, p.Secret...), p.IV...))
	if err != nil {
		return nil, err
	}
	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}
	expAt := jwt.NewNumericDate(exp)
	claims := sessionClaims{
		ClientID: p.ClientID,
		Channel:  chn,
		Kind:     kind,
		Scope:    p.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   p.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expAt,
			ID:        jti.String(),
		},
	}
	raw, err := sign(s.vault, claims)
	if err != nil {
		return nil, err
	}
	return &IssuedToken{Token: raw, IssuedAt: now, ExpiresAt: expAt.Time}, nil
}

func (s *Service) register(ctx context.Context, p IssueParams, exp time.Time, ttl time.Duration) error {
	err := s.registry.SetSession(ctx, store.SessionKey(p.AccountID, p.Secret), store.RegisteredSession{
		AccountID:  p.AccountID,
		ClientID:   p.ClientID,
		SecretHash: store.SecretHash(p.Secret),
		Scope:      p.Scope,
		ExpiresAt:  exp,
	}, ttl)
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	return nil
}

func (s *Service) authenticate(ctx context.Context, raw, kind string) (*Session, error) {
	var claims sessionClaims
	err := parse(s.vault, raw, &claims,
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.KindExpiredToken, err)
		}
		return nil, apperr.Wrap(apperr.KindMalformedClaims, err)
	}
	if claims.Kind != kind {
		return nil, apperr.Wrap(apperr.KindMalformedClaims, fmt.Errorf("token kind %q, want %q", claims.Kind, kind))
	}
	if claims.Subject == "" || claims.ClientID == "" {
		return nil, apperr.Wrap(apperr.KindMalformedClaims, errors.New("missing sub or cid"))
	}

	chn, err := openClaim(s.vault, claims.Channel)
	if err != nil || len(chn) != secretSize+ivSize {
		return nil, apperr.Wrap(apperr.KindMalformedClaims, fmt.Errorf("opening chn claim: %v", err))
	}
	secret, iv := chn[:secretSize], chn[secretSize:]

	reg, err := s.registry.GetSession(ctx, store.SessionKey(claims.Subject, secret))
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, apperr.ErrSessionNotFound
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	// A different secret under the same key means a fingerprint collision, not this session.
	if subtle.ConstantTimeCompare([]byte(reg.SecretHash), []byte(store.SecretHash(secret))) != 1 ||
		reg.AccountID != claims.Subject {
		return nil, apperr.ErrSessionNotFound
	}
	if subtle.ConstantTimeCompare([]byte(reg.ClientID), []byte(claims.ClientID)) != 1 {
		return nil, apperr.ErrClientMismatch
	}

	return &Session{
		AccountID: claims.Subject,
		ClientID:  claims.ClientID,
		Secret:    secret,
		IV:        iv,
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Time,
		TokenID:   claims.ID,
	}, nil
}
