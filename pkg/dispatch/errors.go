package dispatch

import (
	"net/http"

	"mosaic-hq/mosaic/pkg/adapters"
)

// Error kinds surfaced to clients. Each maps to an HTTP status and is
// rendered in the dialect of the route the client called.
const (
	errAuth            = "authentication_error"
	errInvalidRequest  = "invalid_request_error"
	errNoViableGroup   = "invalid_request_error"
	errNoViableKey     = "upstream_unavailable"
	errUpstreamTimeout = "upstream_timeout"
	errUpstreamNetwork = "upstream_unavailable"
	errInternal        = "internal_error"
)

// statusClientClosedRequest records a client that went away mid-request.
// Nothing is written to the connection; the code exists for logs only.
const statusClientClosedRequest = 499

// writeError renders a gateway error in the adapter's dialect envelope.
func writeError(w http.ResponseWriter, a adapters.Adapter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(a.FormatError(errType, message))
}
