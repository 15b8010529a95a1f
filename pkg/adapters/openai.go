package adapters

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"mosaic-hq/mosaic/pkg/registry"
)

// openAIChat speaks the OpenAI-compatible chat completions dialect.
type openAIChat struct{}

func (*openAIChat) Kind() registry.ProviderKind { return registry.KindOpenAIChat }

func (*openAIChat) UpstreamURL(g *registry.Group, _, _, rawQuery string) (string, error) {
	return joinURL(g.BaseURL, "/chat/completions", rawQuery), nil
}

func (*openAIChat) ApplyCredentials(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (*openAIChat) IsStream(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (*openAIChat) ModelFromRequest(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (*openAIChat) RewriteModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (*openAIChat) ModelsURL(g *registry.Group) string {
	return joinURL(g.BaseURL, "/models", "")
}

func (*openAIChat) FormatModelList(models []string) []byte {
	return openAIModelList(models)
}

func (*openAIChat) FormatError(errType, message string) []byte {
	return openAIError(errType, message)
}

// openAIResponses speaks the OpenAI-compatible Responses API dialect. It
// shares headers and body conventions with chat completions but mounts a
// resource-style endpoint, so retrieval and cancellation paths pass
// through below /responses.
type openAIResponses struct{}

func (*openAIResponses) Kind() registry.ProviderKind { return registry.KindOpenAIResponses }

func (*openAIResponses) UpstreamURL(g *registry.Group, _, subPath, rawQuery string) (string, error) {
	path := "/responses"
	if subPath != "" {
		path += "/" + strings.TrimPrefix(subPath, "/")
	}
	return joinURL(g.BaseURL, path, rawQuery), nil
}

func (*openAIResponses) ApplyCredentials(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (*openAIResponses) IsStream(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (*openAIResponses) ModelFromRequest(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (*openAIResponses) RewriteModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (*openAIResponses) ModelsURL(g *registry.Group) string {
	return joinURL(g.BaseURL, "/models", "")
}

func (*openAIResponses) FormatModelList(models []string) []byte {
	return openAIModelList(models)
}

func (*openAIResponses) FormatError(errType, message string) []byte {
	return openAIError(errType, message)
}

func openAIError(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
	return b
}

func openAIModelList(models []string) []byte {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m,
			"object":   "model",
			"owned_by": "organization",
		})
	}
	b, _ := json.Marshal(map[string]any{
		"object": "list",
		"data":   data,
	})
	return b
}

// joinURL glues a base URL and path without doubling slashes, preserving
// any query string.
func joinURL(base, path, rawQuery string) string {
	u := strings.TrimSuffix(base, "/") + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
