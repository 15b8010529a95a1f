package dispatch

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	"mosaic-hq/mosaic/pkg/adapters"
	"mosaic-hq/mosaic/pkg/registry"
)

// requestIDHeader carries the gateway-assigned request id back to clients
// and into logs.
const requestIDHeader = "X-Request-Id"

// withRequestID assigns each request an id, honoring one supplied by an
// upstream load balancer.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// withRecovery turns a handler panic into a 500 with a logged stack, using
// the OpenAI envelope as the neutral default shape.
func withRecovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in request handler",
					"path", r.URL.Path,
					"request_id", r.Header.Get(requestIDHeader),
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				a := adapters.MustForKind(registry.KindOpenAIChat)
				writeError(w, a, http.StatusInternalServerError, errInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
