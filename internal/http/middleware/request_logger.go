package middleware

import (
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

// RequestLogger emits one structured line per completed request. Provider
// webhooks fire on every ring and hangup, so those paths log at debug to keep
// the volume proportional to calls, not call events.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
				"remote_ip", r.RemoteAddr,
			}
			if isWebhookPath(r.URL.Path) && ww.Status() < http.StatusInternalServerError {
				logger.Debug("request completed", fields...)
				return
			}
			logger.Info("request completed", fields...)
		})
	}
}

func isWebhookPath(path string) bool {
	return strings.HasPrefix(path, "/plivo/") ||
		strings.HasPrefix(path, "/twilio/") ||
		strings.HasPrefix(path, "/ip/")
}
