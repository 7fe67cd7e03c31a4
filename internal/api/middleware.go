package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequireAgentSecret gates the agent-facing WebSocket upgrade behind a
// shared secret header. Full credential enrollment (TOFU PKI) is an assumed
// external collaborator per scope — this is the minimal connection gate a
// real deployment still needs in the meantime.
func RequireAgentSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get("X-Agent-Secret") != secret {
				errJSON(w, http.StatusUnauthorized, "invalid or missing agent secret", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. Chi's middleware.RequestID is expected to
// run before this middleware so the request id is available in context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
