package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mosaic-hq/mosaic/pkg/registry"
)

// gemini speaks the native Google Gemini dialect. Unlike the other
// dialects the model and method travel in the URL path, in the form
// models/{model}:{method}, and the body never names a model.
type gemini struct{}

func (*gemini) Kind() registry.ProviderKind { return registry.KindGemini }

func (*gemini) UpstreamURL(g *registry.Group, model, subPath, rawQuery string) (string, error) {
	_, method, err := ParseGeminiPath(subPath)
	if err != nil {
		return "", err
	}
	return joinURL(g.BaseURL, "/v1beta/models/"+model+":"+method, rawQuery), nil
}

func (*gemini) ApplyCredentials(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
}

func (*gemini) IsStream(_ []byte, path string) bool {
	return strings.HasSuffix(path, ":streamGenerateContent")
}

func (*gemini) ModelFromRequest(_ []byte, path string) string {
	model, _, err := ParseGeminiPath(path)
	if err != nil {
		return ""
	}
	return model
}

func (*gemini) RewriteModel(body []byte, _ string) ([]byte, error) {
	// The model lives in the URL, not the body.
	return body, nil
}

func (*gemini) ModelsURL(g *registry.Group) string {
	return joinURL(g.BaseURL, "/v1beta/models", "")
}

func (*gemini) FormatModelList(models []string) []byte {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"name": "models/" + m,
		})
	}
	b, _ := json.Marshal(map[string]any{
		"models": data,
	})
	return b
}

func (*gemini) FormatError(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"status":  errType,
		},
	})
	return b
}

// ParseGeminiPath extracts the model and method from a path ending in
// models/{model}:{method}. The "models/" prefix on the model name itself
// is accepted and stripped, matching how Gemini tooling refers to models.
func ParseGeminiPath(path string) (model, method string, err error) {
	idx := strings.LastIndex(path, "models/")
	if idx < 0 {
		return "", "", fmt.Errorf("path %q does not address a model", path)
	}
	rest := path[idx+len("models/"):]

	colon := strings.LastIndex(rest, ":")
	if colon <= 0 || colon == len(rest)-1 {
		return "", "", fmt.Errorf("path %q has no model method", path)
	}
	model = strings.TrimPrefix(rest[:colon], "models/")
	method = rest[colon+1:]
	if model == "" {
		return "", "", fmt.Errorf("path %q has an empty model", path)
	}
	return model, method, nil
}

// StripModelsPrefix normalizes a Gemini model identifier by removing the
// resource prefix, if any.
func StripModelsPrefix(name string) string {
	return strings.TrimPrefix(name, "models/")
}
