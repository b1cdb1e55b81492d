// token_handler.go -- HTTP handlers for channel handshakes and session tokens.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/channel"
	"github.com/MGallo-Code/boxgate/internal/token"
)

// tokenPairResponse is returned by IssueTokens and RotateChannel. Channel is
// the new {secret, iv, expires_at} sealed under the handshake's temporary key.
type tokenPairResponse struct {
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Channel          []byte    `json:"channel"`
}

func newTokenPairResponse(p *token.Pair, ch *channel.Channel) tokenPairResponse {
	return tokenPairResponse{
		TokenType:        "Bearer",
		AccessToken:      p.Access.Token,
		AccessExpiresAt:  p.Access.ExpiresAt,
		RefreshToken:     p.Refresh.Token,
		RefreshExpiresAt: p.Refresh.ExpiresAt,
		Channel:          ch.Sealed,
	}
}

// IssueTokens handles POST /tokens. The body carries an RSA-encrypted
// handshake whose credential is "username:password"; on success the caller
// gets an access/refresh pair bound to a fresh channel.
// Returns 200, 400 for undecryptable input, 401 for bad credentials, 429 when
// the handshake budget is spent.
func (h *Handler) IssueTokens(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Handshake []byte `json:"handshake"`
		Scope     string `json:"scope"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		logWarn(r, "failed to decode token request", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	clientID := ClientIDFromHeader(r)
	if clientID == "" {
		BadRequest(w, r, ClientIDHeader+" header required")
		return
	}
	if len(in.Handshake) == 0 {
		BadRequest(w, r, "handshake required")
		return
	}

	if !h.allowHandshake() {
		logWarn(r, "handshake budget exhausted")
		h.Metrics.handshake("throttled")
		TooManyRequests(w, time.Second)
		return
	}
	ch, hs, err := h.Channels.Establish(in.Handshake)
	if err != nil {
		h.Metrics.handshake("rejected")
		WriteError(w, r, err)
		return
	}

	acct, err := h.checkCredential(r.Context(), hs.Credential)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidCredentials) {
			logInfo(r, "token request failed", "reason", "invalid_credentials")
			h.Metrics.handshake("bad_credentials")
			Unauthorized(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	pair, err := h.Tokens.IssuePair(r.Context(), token.IssueParams{
		AccountID: acct.ID.String(),
		ClientID:  clientID,
		Secret:    ch.Secret,
		IV:        ch.IV,
		Scope:     in.Scope,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.Metrics.handshake("ok")
	logInfo(r, "tokens issued", "account_id", acct.ID)
	writeJSON(w, http.StatusOK, newTokenPairResponse(pair, ch))
}

// RefreshToken handles POST /tokens/refresh. Returns a new access token on
// the refresh token's channel; the refresh token itself is unchanged.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.RefreshToken == "" {
		BadRequest(w, r, "refresh_token required")
		return
	}

	access, err := h.Tokens.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TokenType       string    `json:"token_type"`
		AccessToken     string    `json:"access_token"`
		AccessExpiresAt time.Time `json:"access_expires_at"`
	}{"Bearer", access.Token, access.ExpiresAt})
}

// verifyResponse reports a token check. Reason is the catalog name of the
// failure; Claims is set only when Valid.
type verifyResponse struct {
	Valid  bool          `json:"valid"`
	Reason string        `json:"reason,omitempty"`
	Claims *claimsOutput `json:"claims,omitempty"`
}

type claimsOutput struct {
	AccountID string    `json:"account_id"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope,omitempty"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyToken handles POST /tokens/verify for services that hold a client's
// access token. A rejected token is a 200 with valid=false; only store
// failures produce an error status.
func (h *Handler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.Token == "" {
		BadRequest(w, r, "token required")
		return
	}

	sess, err := h.Tokens.Verify(r.Context(), in.Token)
	if err == nil {
		if cid := ClientIDFromHeader(r); cid != "" && cid != sess.ClientID {
			err = apperr.ErrClientMismatch
		}
	}
	if err != nil {
		kind, ok := apperr.KindOf(err)
		if !ok {
			h.Metrics.verification("error")
			InternalServerError(w, r, err)
			return
		}
		h.Metrics.verification(kind.String())
		writeJSON(w, http.StatusOK, verifyResponse{Reason: kind.String()})
		return
	}

	h.Metrics.verification("ok")
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid: true,
		Claims: &claimsOutput{
			AccountID: sess.AccountID,
			ClientID:  sess.ClientID,
			Scope:     sess.Scope,
			TokenID:   sess.TokenID,
			ExpiresAt: sess.ExpiresAt,
		},
	})
}

// RevokeTokens handles POST /tokens/revoke. The body carries RSA-encrypted
// "username:password"; every session of that account is deleted.
func (h *Handler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Credentials []byte `json:"credentials"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	cred, err := h.decryptCredential(in.Credentials)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	acct, err := h.checkCredential(r.Context(), cred)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidCredentials) {
			logInfo(r, "revoke failed", "reason", "invalid_credentials")
			Unauthorized(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	n, err := h.Tokens.Revoke(r.Context(), acct.ID.String())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "sessions revoked", "account_id", acct.ID, "count", n)
	writeJSON(w, http.StatusOK, struct {
		Revoked int `json:"revoked"`
	}{n})
}

// RotateChannel handles POST /tokens/rotate. The handshake is sealed under a
// key derived from the caller's current channel instead of RSA. The current
// session is removed before the new pair is issued, so a failed rotation
// leaves the client to re-authenticate rather than holding two live sessions.
func (h *Handler) RotateChannel(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	var in struct {
		Handshake []byte `json:"handshake"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if len(in.Handshake) == 0 {
		BadRequest(w, r, "handshake required")
		return
	}

	ch, _, err := h.Channels.Rotate(sess.Secret, sess.IV, in.Handshake)
	if err != nil {
		h.Metrics.handshake("rejected")
		WriteError(w, r, err)
		return
	}
	if err := h.Tokens.Logout(r.Context(), sess); err != nil {
		InternalServerError(w, r, err)
		return
	}
	pair, err := h.Tokens.IssuePair(r.Context(), token.IssueParams{
		AccountID: sess.AccountID,
		ClientID:  sess.ClientID,
		Secret:    ch.Secret,
		IV:        ch.IV,
		Scope:     sess.Scope,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.Metrics.handshake("rotated")
	logInfo(r, "channel rotated", "account_id", sess.AccountID)
	writeJSON(w, http.StatusOK, newTokenPairResponse(pair, ch))
}

// Logout handles POST /logout. Deletes only the caller's own session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	if err := h.Tokens.Logout(r.Context(), sess); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "logged out", "account_id", sess.AccountID)
	OK(w, "logged out")
}
