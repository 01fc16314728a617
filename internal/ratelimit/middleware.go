package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mcpgate/internal/telemetry"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the remote address. X-Forwarded-For is ignored
// because any client can set it.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and a JSON-RPC error
// body. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	rejected, _ := telemetry.Meter("mcpgate/ratelimit").Int64Counter("mcpgate.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "error", err)
				ok = true
			}
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			rejected.Add(r.Context(), 1)
			logger.Warn("ratelimit: request rejected", "key", key, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      nil,
				"error":   map[string]any{"code": -32000, "message": "too many requests"},
			})
		})
	}
}
