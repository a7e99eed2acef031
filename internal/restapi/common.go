// Package restapi implements components G and H: the contract-facing
// REST ingress and the operator-facing admin ingress. Both are plain
// gorilla/mux routers wrapped in a request-timing middleware, the same
// shape the pack's one real HTTP server uses.
package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cvmnode/cvmnode/internal/nodeerr"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware returns middleware that logs each request's
// method, path, status, and latency through logger, defaulting to
// slog.Default() when logger is nil.
func requestLoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration", time.Since(start))
		})
	}
}

func jsonResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, statusCode int, message string) {
	jsonResponse(w, statusCode, map[string]string{"error": message})
}

// writeErr translates any error into an HTTP response, using
// nodeerr.Kind's status mapping when the error carries one and falling
// back to 500 for anything else.
func writeErr(w http.ResponseWriter, err error) {
	if e := nodeerr.AsError(err); e != nil {
		jsonError(w, e.Kind.HTTPStatus(), e.Message)
		return
	}
	jsonError(w, http.StatusInternalServerError, err.Error())
}
