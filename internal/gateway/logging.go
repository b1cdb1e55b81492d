// logging.go -- Request-scoped logging helpers.
//
// Every line carries the chi request id, remote address, method and route
// plus the caller's client id when one was sent, so a terminal's requests
// can be followed across handlers and middleware.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs returns standard request-scoped attributes for logging.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"request_id", middleware.GetReqID(r.Context()),
		"ip", r.RemoteAddr,
		"method", r.Method,
		"path", r.URL.Path,
	}
	if cid := r.Header.Get(ClientIDHeader); cid != "" {
		attrs = append(attrs, "client_id", cid)
	}
	return attrs
}

func logDebug(r *http.Request, msg string, args ...any) {
	slog.Debug(msg, append(reqAttrs(r), args...)...)
}

func logInfo(r *http.Request, msg string, args ...any) {
	slog.Info(msg, append(reqAttrs(r), args...)...)
}

func logWarn(r *http.Request, msg string, args ...any) {
	slog.Warn(msg, append(reqAttrs(r), args...)...)
}

func logError(r *http.Request, msg string, args ...any) {
	slog.Error(msg, append(reqAttrs(r), args...)...)
}
