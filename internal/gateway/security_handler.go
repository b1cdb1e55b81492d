// security_handler.go -- Step-up security tokens and the password reset they gate.
package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/store"
	"github.com/MGallo-Code/boxgate/internal/token"
)

// IssueSecurityToken handles POST /security-tokens. Issues a token of the
// requested type bound to the caller's client and account. Returns 201, or
// 400 for an unknown type.
func (h *Handler) IssueSecurityToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	var in struct {
		Type   string `json:"type"`
		Accept *bool  `json:"accept"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	typ := token.SecurityTokenType(in.Type)
	if !typ.Valid() {
		BadRequest(w, r, "unknown security token type")
		return
	}

	st, err := h.Security.IssueForAccount(typ, sess.ClientID, sess.AccountID, h.SecurityTTL, in.Accept)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.Metrics.securityToken(in.Type)
	logInfo(r, "security token issued", "account_id", sess.AccountID, "type", in.Type)
	writeJSON(w, http.StatusCreated, struct {
		Token     string    `json:"token"`
		Type      string    `json:"type"`
		ExpiresAt time.Time `json:"expires_at"`
	}{st.Token, in.Type, st.ExpiresAt})
}

// VerifySecurityToken handles POST /security-tokens/verify. Checks type,
// client and expiry without consuming the token; the answer is only a bool.
func (h *Handler) VerifySecurityToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
		Type  string `json:"type"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	clientID := ClientIDFromHeader(r)
	if clientID == "" {
		BadRequest(w, r, ClientIDHeader+" header required")
		return
	}

	v := h.Security.Verify(in.Token, token.SecurityTokenType(in.Type), clientID)
	resp := struct {
		Valid  bool  `json:"valid"`
		Accept *bool `json:"accept,omitempty"`
	}{Valid: v != nil}
	if v != nil {
		resp.Accept = v.Accept
	}
	writeJSON(w, http.StatusOK, resp)
}

// PasswordReset handles POST /password/reset. The caller proves the step-up
// with a password_reset security token issued to its client and sends
// RSA-encrypted "username:new_password". The username must name the account
// the token was issued for. The token is consumed only after the request is
// otherwise valid. On success every session of the account is revoked.
func (h *Handler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SecurityToken string `json:"security_token"`
		Credentials   []byte `json:"credentials"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	clientID := ClientIDFromHeader(r)
	if clientID == "" {
		BadRequest(w, r, ClientIDHeader+" header required")
		return
	}

	cred, err := h.decryptCredential(in.Credentials)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	username, newPassword, ok := strings.Cut(cred, ":")
	if !ok || username == "" {
		BadRequest(w, r, "credentials must be username:new_password")
		return
	}
	if msg := ValidatePassword(newPassword); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	v := h.Security.Verify(in.SecurityToken, token.PasswordReset, clientID)
	if v == nil {
		logWarn(r, "password reset failed", "reason", "security_token_rejected")
		WriteError(w, r, apperr.ErrSecurityTokenRejected)
		return
	}
	accountID, err := uuid.FromString(v.AccountID)
	if err != nil {
		logWarn(r, "password reset failed", "reason", "token_not_bound_to_account")
		WriteError(w, r, apperr.ErrSecurityTokenRejected)
		return
	}
	acct, err := h.Accounts.GetAccountByID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logInfo(r, "password reset failed", "reason", "account_gone", "account_id", accountID)
			Unauthorized(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(acct.Username), []byte(username)) != 1 {
		logInfo(r, "password reset failed", "reason", "username_mismatch", "account_id", accountID)
		Unauthorized(w)
		return
	}

	if _, err := h.Security.Consume(r.Context(), in.SecurityToken, token.PasswordReset, clientID); err != nil {
		if errors.Is(err, apperr.ErrSecurityTokenRejected) {
			logWarn(r, "password reset failed", "reason", "security_token_used")
		}
		WriteError(w, r, err)
		return
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.Accounts.UpdateAccountPassword(r.Context(), acct.ID, hash); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// Sessions live only in Redis, so a failed revoke leaves old tokens valid.
	n, err := h.Tokens.Revoke(r.Context(), acct.ID.String())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "password reset", "account_id", acct.ID, "sessions_revoked", n)
	OK(w, "password updated")
}
