package adapters

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"mosaic-hq/mosaic/pkg/registry"
)

// anthropicVersion is sent when the client did not set its own.
const anthropicVersion = "2023-06-01"

// anthropic speaks the native Anthropic Messages dialect.
type anthropic struct{}

func (*anthropic) Kind() registry.ProviderKind { return registry.KindAnthropic }

func (*anthropic) UpstreamURL(g *registry.Group, _, _, rawQuery string) (string, error) {
	return joinURL(g.BaseURL, "/v1/messages", rawQuery), nil
}

func (*anthropic) ApplyCredentials(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", anthropicVersion)
	}
}

func (*anthropic) IsStream(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (*anthropic) ModelFromRequest(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (*anthropic) RewriteModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (*anthropic) ModelsURL(g *registry.Group) string {
	return joinURL(g.BaseURL, "/v1/models", "")
}

func (*anthropic) FormatModelList(models []string) []byte {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":   m,
			"type": "model",
		})
	}
	b, _ := json.Marshal(map[string]any{
		"data":     data,
		"has_more": false,
	})
	return b
}

func (*anthropic) FormatError(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	return b
}
