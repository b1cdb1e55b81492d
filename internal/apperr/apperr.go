// apperr.go -- Closed catalog of client-facing error kinds.
//
// Each Kind carries a numeric code, a message template and the HTTP status
// handlers respond with. Internal causes are wrapped but never rendered to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one entry of the error catalog.
type Kind int

const (
	KindCrypto Kind = iota + 1
	KindInvalidRequest
	KindInvalidCredentials
	KindExpiredToken
	KindClientMismatch
	KindSessionNotFound
	KindMalformedClaims
	KindSecurityTokenRejected
	KindRateLimitExceeded
)

type entry struct {
	code     int
	name     string
	template string
	status   int
}

var catalog = map[Kind]entry{
	KindCrypto:                {4000, "crypto_error", "cryptographic operation failed", http.StatusBadRequest},
	KindInvalidRequest:        {4001, "invalid_request", "invalid request: %s", http.StatusBadRequest},
	KindInvalidCredentials:    {4010, "invalid_credentials", "invalid credentials", http.StatusUnauthorized},
	KindExpiredToken:          {4011, "expired_token", "token expired", http.StatusUnauthorized},
	KindClientMismatch:        {4012, "client_mismatch", "token does not belong to this client", http.StatusUnauthorized},
	KindSessionNotFound:       {4013, "session_not_found", "session not found", http.StatusUnauthorized},
	KindMalformedClaims:       {4014, "malformed_claims", "malformed token", http.StatusUnauthorized},
	KindSecurityTokenRejected: {4030, "security_token_rejected", "security token rejected", http.StatusForbidden},
	KindRateLimitExceeded:     {4290, "rate_limit_exceeded", "too many requests, retry in %s", http.StatusTooManyRequests},
}

// Code returns the numeric code clients switch on.
func (k Kind) Code() int { return catalog[k].code }

// Status returns the HTTP status for k, 500 for unknown kinds.
func (k Kind) Status() int {
	if e, ok := catalog[k]; ok {
		return e.status
	}
	return http.StatusInternalServerError
}

// String returns the snake_case name of k.
func (k Kind) String() string {
	if e, ok := catalog[k]; ok {
		return e.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message renders the template with args. Templates without verbs ignore args.
func (k Kind) Message(args ...any) string {
	e, ok := catalog[k]
	if !ok {
		return "internal error"
	}
	if len(args) == 0 {
		if k == KindInvalidRequest {
			return "invalid request"
		}
		if k == KindRateLimitExceeded {
			return "too many requests"
		}
		return e.template
	}
	return fmt.Sprintf(e.template, args...)
}

// Retryable reports whether a client may retry the same request later unchanged.
func (k Kind) Retryable() bool { return k == KindRateLimitExceeded }

// Error is a catalog error with an optional internal cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinel comparisons ignore the cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an *Error of kind k without a cause.
func New(k Kind) *Error { return &Error{Kind: k} }

// Wrap returns an *Error of kind k wrapping err.
func Wrap(k Kind, err error) *Error { return &Error{Kind: k, Err: err} }

// KindOf extracts the catalog kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Sentinels for errors.Is checks.
var (
	ErrCrypto                = New(KindCrypto)
	ErrInvalidCredentials    = New(KindInvalidCredentials)
	ErrExpiredToken          = New(KindExpiredToken)
	ErrClientMismatch        = New(KindClientMismatch)
	ErrSessionNotFound       = New(KindSessionNotFound)
	ErrMalformedClaims       = New(KindMalformedClaims)
	ErrSecurityTokenRejected = New(KindSecurityTokenRejected)
	ErrRateLimitExceeded     = New(KindRateLimitExceeded)
)
