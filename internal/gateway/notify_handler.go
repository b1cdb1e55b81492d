// notify_handler.go -- Push, long-poll and acknowledge notifications.
package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/boxgate/internal/channel"
	"github.com/MGallo-Code/boxgate/internal/notify"
)

// PushNotification handles POST /notifications. Returns 201 with the message
// id, or 200 with duplicate=true when the idempotency key was seen before.
func (h *Handler) PushNotification(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ClientID       string `json:"client_id"`
		UserID         string `json:"user_id"`
		OptType        string `json:"opt_type"`
		RequestID      string `json:"request_id"`
		Payload        []byte `json:"payload"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	rcpt := notify.Recipient{ClientID: in.ClientID, UserID: in.UserID}
	id, dup, err := h.Notify.Push(r.Context(), rcpt, notify.Message{
		OptType:        in.OptType,
		RequestID:      in.RequestID,
		Payload:        in.Payload,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.Metrics.push(dup)

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
		logDebug(r, "duplicate push", "idempotency_key", in.IdempotencyKey)
	}
	writeJSON(w, status, struct {
		ID        string `json:"id"`
		Duplicate bool   `json:"duplicate"`
	}{id, dup})
}

// polledMessage is one notification as returned to its recipient. Payload is
// sealed under a key derived from the recipient's channel with the id as AAD.
type polledMessage struct {
	ID        string    `json:"id"`
	OptType   string    `json:"opt_type"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// PollNotifications handles GET /notifications?count=&timeout_ms=&after=.
// Waits up to timeout_ms for the first message for the caller's client and
// account. next is the cursor for a poll that skips what was returned; until
// acknowledged, messages are returned again by a poll without after.
func (h *Handler) PollNotifications(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	q := r.URL.Query()
	count, err := queryInt(q.Get("count"))
	if err != nil {
		BadRequest(w, r, "count must be a non-negative integer")
		return
	}
	timeoutMS, err := queryInt(q.Get("timeout_ms"))
	if err != nil {
		BadRequest(w, r, "timeout_ms must be a non-negative integer")
		return
	}
	after := q.Get("after")
	if after != "" && after != "0" && !isStreamID(after) {
		BadRequest(w, r, "after must be a notification id")
		return
	}

	key, err := channel.DeriveKey(sess.Secret, sess.IV, channel.InfoNotification)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	rcpt := notify.Recipient{ClientID: sess.ClientID, UserID: sess.AccountID}
	msgs, err := h.Notify.Poll(r.Context(), rcpt, after, count, time.Duration(timeoutMS)*time.Millisecond)
	if err != nil {
		if r.Context().Err() != nil {
			logDebug(r, "poll abandoned by client", "error", err)
			return
		}
		WriteError(w, r, err)
		return
	}

	out := make([]polledMessage, 0, len(msgs))
	for _, m := range msgs {
		sealed, err := channel.Seal(key, []byte(m.ID), m.Payload)
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		out = append(out, polledMessage{
			ID:        m.ID,
			OptType:   m.OptType,
			RequestID: m.RequestID,
			CreatedAt: m.CreatedAt,
			Payload:   sealed,
		})
	}
	next := after
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	h.Metrics.deliver(len(out))
	writeJSON(w, http.StatusOK, struct {
		Messages []polledMessage `json:"messages"`
		Next     string          `json:"next,omitempty"`
	}{out, next})
}

// AcknowledgeNotifications handles DELETE /notifications. Deletes the given
// ids from the caller's log; ids already gone are not an error.
func (h *Handler) AcknowledgeNotifications(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	var in struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if len(in.IDs) == 0 {
		BadRequest(w, r, "ids required")
		return
	}

	for _, id := range in.IDs {
		if !isStreamID(id) {
			BadRequest(w, r, "malformed notification id")
			return
		}
	}

	rcpt := notify.Recipient{ClientID: sess.ClientID, UserID: sess.AccountID}
	n := 0
	for _, id := range in.IDs {
		deleted, err := h.Notify.Acknowledge(r.Context(), rcpt, id)
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if deleted {
			n++
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Acknowledged int `json:"acknowledged"`
	}{n})
}

// ClientLiveness handles GET /clients/{clientID}/liveness.
func (h *Handler) ClientLiveness(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		BadRequest(w, r, "client id required")
		return
	}
	st, err := h.Liveness.Status(r.Context(), clientID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

// isStreamID reports whether id has the <ms>-<seq> shape of a stream entry id.
func isStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	return ok && isDigits(ms) && isDigits(seq)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
