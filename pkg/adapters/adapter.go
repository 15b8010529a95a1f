// Package adapters encapsulates the per-dialect details of talking to an
// upstream provider: URL construction, credential headers, stream
// detection, model extraction and rewriting, and error envelopes.
//
// The proxy core treats request and response bodies as opaque; adapters
// touch the body only where the dialect demands it (reading the model
// field, rewriting an alias to its canonical model).
package adapters

import (
	"fmt"
	"net/http"

	"mosaic-hq/mosaic/pkg/registry"
)

// Adapter is one upstream dialect.
type Adapter interface {
	// Kind identifies the dialect this adapter speaks.
	Kind() registry.ProviderKind

	// UpstreamURL builds the full upstream URL for an inbound request.
	// subPath is the inbound path below the dialect mount (for example
	// "resp_abc/cancel" under /v1/responses); model matters only for
	// dialects that carry the model in the path.
	UpstreamURL(g *registry.Group, model, subPath, rawQuery string) (string, error)

	// ApplyCredentials sets the dialect's credential header(s) on an
	// outbound request.
	ApplyCredentials(h http.Header, apiKey string)

	// IsStream reports whether the request asks for a streaming response.
	IsStream(body []byte, path string) bool

	// ModelFromRequest extracts the requested model from the body or
	// path. An empty result means the dialect's model field is absent.
	ModelFromRequest(body []byte, path string) string

	// RewriteModel returns the body with the model field replaced by the
	// canonical id. Dialects that carry the model in the URL return the
	// body unchanged.
	RewriteModel(body []byte, model string) ([]byte, error)

	// ModelsURL is the upstream model listing endpoint, used by probes.
	ModelsURL(g *registry.Group) string

	// FormatModelList renders the group's configured models in the
	// dialect's listing shape.
	FormatModelList(models []string) []byte

	// FormatError renders a gateway error in the dialect's envelope.
	FormatError(errType, message string) []byte
}

var byKind = map[registry.ProviderKind]Adapter{
	registry.KindOpenAIChat:      &openAIChat{},
	registry.KindOpenAIResponses: &openAIResponses{},
	registry.KindAnthropic:       &anthropic{},
	registry.KindGemini:          &gemini{},
}

// ForKind returns the adapter for a provider kind.
func ForKind(kind registry.ProviderKind) (Adapter, error) {
	a, ok := byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider kind %q", kind)
	}
	return a, nil
}

// MustForKind is ForKind for kinds already validated by the registry.
func MustForKind(kind registry.ProviderKind) Adapter {
	a, err := ForKind(kind)
	if err != nil {
		panic(err)
	}
	return a
}
