// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are plain ASCII and
// written by concatenation; anything carrying data goes through writeJSON.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MGallo-Code/boxgate/internal/apperr"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// BadRequest returns a 400 InvalidRequest response with the given detail.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	logDebug(r, "bad request", "detail", detail)
	writeKind(w, apperr.KindInvalidRequest, apperr.KindInvalidRequest.Message(detail))
}

// Unauthorized returns a 401 InvalidCredentials response.
// Keep generic to prevent account enumeration.
func Unauthorized(w http.ResponseWriter) {
	writeKind(w, apperr.KindInvalidCredentials, apperr.KindInvalidCredentials.Message())
}

// TooManyRequests returns a 429 with Retry-After rounded up to whole seconds.
func TooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeKind(w, apperr.KindRateLimitExceeded, apperr.KindRateLimitExceeded.Message(strconv.Itoa(secs)+"s"))
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// WriteError renders err. Catalog errors become {"code","message"} with the
// kind's status, plus Retry-After for retryable kinds; anything else is
// logged and returned as a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		InternalServerError(w, r, err)
		return
	}
	logDebug(r, "request rejected", "kind", ae.Kind.String(), "error", err)
	if ae.Kind.Retryable() && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	writeKind(w, ae.Kind, ae.Kind.Message())
}

func writeKind(w http.ResponseWriter, k apperr.Kind, message string) {
	writeJSON(w, k.Status(), struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{k.Code(), message})
}

// writeJSON encodes v with status. Encoding errors after the header is sent
// cannot be reported to the client.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// maxBodyBytes bounds request bodies; the largest is a push payload.
const maxBodyBytes = 1 << 20
