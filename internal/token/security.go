// security.go -- Short-lived step-up tokens for sensitive flows.
//
// A security token names its purpose and the client it was issued to, both
// RSA-encrypted so the JWT payload reveals neither. Verify never explains a
// rejection to the caller; the reason is logged at debug level only.
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/clock"
)

// SecurityTokenType is the purpose a security token is valid for.
type SecurityTokenType string

const (
	PasswordReset     SecurityTokenType = "password_reset"
	EmailVerification SecurityTokenType = "email_verification"
	DeviceBind        SecurityTokenType = "device_bind"
	DeviceUnbind      SecurityTokenType = "device_unbind"
	AdminTransfer     SecurityTokenType = "admin_transfer"
	AccountDelete     SecurityTokenType = "account_delete"
	LoginConfirm      SecurityTokenType = "login_confirm"
	PlatformAuthorize SecurityTokenType = "platform_authorize"
)

// SecurityTokenTypes lists every type, in declaration order.
var SecurityTokenTypes = []SecurityTokenType{
	PasswordReset, EmailVerification, DeviceBind, DeviceUnbind,
	AdminTransfer, AccountDelete, LoginConfirm, PlatformAuthorize,
}

// Valid reports whether t is one of the declared types.
func (t SecurityTokenType) Valid() bool {
	for _, v := range SecurityTokenTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ErrSecurityTokenUsed is returned by Consume when the token was already consumed.
// It matches apperr.ErrSecurityTokenRejected.
var ErrSecurityTokenUsed = apperr.Wrap(apperr.KindSecurityTokenRejected, errors.New("security token already used"))

// UsedTokens records consumed token ids. Satisfied by *store.RedisStore.
type UsedTokens interface {
	MarkTokenUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// SecurityToken is a signed step-up token.
type SecurityToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verified is the content of a security token that passed verification.
type Verified struct {
	Type      SecurityTokenType
	ClientID  string
	AccountID string // empty unless issued with IssueForAccount
	Accept    *bool
	TokenID   string
	ExpiresAt time.Time
}

type securityClaims struct {
	Type     string `json:"typ"`
	ClientID string `json:"cid"`
	Accept   *bool  `json:"acc,omitempty"`
	jwt.RegisteredClaims
}

// SecurityService issues and verifies security tokens.
type SecurityService struct {
	vault  Vault
	used   UsedTokens
	issuer string
	clock  clock.Clock
}

// NewSecurityService returns a SecurityService. used may be nil if Consume is never called.
func NewSecurityService(v Vault, used UsedTokens, issuer string, c clock.Clock) *SecurityService {
	if c == nil {
		c = clock.Real()
	}
	return &SecurityService{vault: v, used: used, issuer: issuer, clock: c}
}

// Issue signs a token of tokenType for clientID, valid for ttl.
// accept optionally records the user's answer for confirm-style flows.
func (s *SecurityService) Issue(tokenType SecurityTokenType, clientID string, ttl time.Duration, accept *bool) (*SecurityToken, error) {
	return s.IssueForAccount(tokenType, clientID, "", ttl, accept)
}

// IssueForAccount is Issue with the token also bound to accountID (the sub
// claim). Flows acting on an account check Verified.AccountID against it.
func (s *SecurityService) IssueForAccount(tokenType SecurityTokenType, clientID, accountID string, ttl time.Duration, accept *bool) (*SecurityToken, error) {
	if !tokenType.Valid() {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, fmt.Errorf("unknown security token type %q", tokenType))
	}
	if clientID == "" {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, errors.New("client id required"))
	}
	if ttl <= 0 {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, errors.New("ttl must be positive"))
	}

	typ, err := sealClaim(s.vault, []byte(tokenType))
	if err != nil {
		return nil, err
	}
	cid, err := sealClaim(s.vault, []byte(clientID))
	if err != nil {
		return nil, err
	}
	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}

	now := s.clock.Now().Truncate(time.Second)
	exp := jwt.NewNumericDate(now.Add(ttl))
	raw, err := sign(s.vault, securityClaims{
		Type:     typ,
		ClientID: cid,
		Accept:   accept,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
			ID:        jti.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	return &SecurityToken{Token: raw, IssuedAt: now, ExpiresAt: exp.Time}, nil
}

// Verify returns the token content if raw is a valid, unexpired token of
// expectedType issued to expectedClientID. Any mismatch yields nil.
// Verify does not check single use; see Consume.
func (s *SecurityService) Verify(raw string, expectedType SecurityTokenType, expectedClientID string) *Verified {
	v, reason := s.verify(raw, expectedType, expectedClientID)
	if v == nil {
		slog.Debug("security token rejected", "reason", reason, "expected_type", string(expectedType))
	}
	return v
}

// Consume verifies raw and marks it used. A second Consume of the same token
// returns ErrSecurityTokenUsed.
func (s *SecurityService) Consume(ctx context.Context, raw string, expectedType SecurityTokenType, expectedClientID string) (*Verified, error) {
	v := s.Verify(raw, expectedType, expectedClientID)
	if v == nil {
		return nil, apperr.ErrSecurityTokenRejected
	}
	if s.used == nil {
		return nil, errors.New("security service has no used-token store")
	}
	fresh, err := s.used.MarkTokenUsed(ctx, v.TokenID, v.ExpiresAt.Sub(s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("consuming security token: %w", err)
	}
	if !fresh {
		return nil, ErrSecurityTokenUsed
	}
	return v, nil
}

func (s *SecurityService) verify(raw string, expectedType SecurityTokenType, expectedClientID string) (*Verified, string) {
	var claims securityClaims
	err := parse(s.vault, raw, &claims,
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, "expired"
		}
		return nil, "invalid_jwt"
	}
	if claims.ID == "" {
		return nil, "missing_jti"
	}

	typ, err := openClaim(s.vault, claims.Type)
	if err != nil {
		return nil, "undecryptable_type"
	}
	cid, err := openClaim(s.vault, claims.ClientID)
	if err != nil {
		return nil, "undecryptable_client"
	}
	if SecurityTokenType(typ) != expectedType {
		return nil, "type_mismatch"
	}
	if subtle.ConstantTimeCompare(cid, []byte(expectedClientID)) != 1 {
		return nil, "client_mismatch"
	}

	return &Verified{
		Type:      expectedType,
		ClientID:  expectedClientID,
		AccountID: claims.Subject,
		Accept:    claims.Accept,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, ""
}
