package dispatch

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"mosaic-hq/mosaic/pkg/adapters"
	"mosaic-hq/mosaic/pkg/registry"
)

// Handler builds the gateway's HTTP routing table.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible chat surface.
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindOpenAIChat, "")
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		d.handleModelList(w, r, registry.KindOpenAIChat, registry.KindOpenAIResponses)
	})

	// OpenAI-compatible Responses surface. Retrieval, deletion, and
	// cancellation pass through to the upstream that holds the resource.
	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindOpenAIResponses, "")
	})
	mux.HandleFunc("GET /v1/responses/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindOpenAIResponses, r.PathValue("id"))
	})
	mux.HandleFunc("DELETE /v1/responses/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindOpenAIResponses, r.PathValue("id"))
	})
	mux.HandleFunc("POST /v1/responses/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindOpenAIResponses, r.PathValue("id")+"/cancel")
	})

	// Anthropic-native surface.
	mux.HandleFunc("POST /claude/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindAnthropic, "")
	})
	mux.HandleFunc("GET /claude/v1/models", func(w http.ResponseWriter, r *http.Request) {
		d.handleModelList(w, r, registry.KindAnthropic)
	})

	// Gemini-native surface. The model and method share one path segment
	// (models/{model}:{method}).
	mux.HandleFunc("POST /v1beta/models/{modelAndMethod}", func(w http.ResponseWriter, r *http.Request) {
		d.handleProxy(w, r, registry.KindGemini, "models/"+r.PathValue("modelAndMethod"))
	})
	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		d.handleModelList(w, r, registry.KindGemini)
	})

	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /admin/stats", d.handleAdminStats)

	if d.metrics != nil && d.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", d.metrics.Handler())
	}

	return withRequestID(withRecovery(d.logger, mux))
}

// handleModelList serves the configured model set of every usable group of
// the given dialects, in the first dialect's listing shape.
func (d *Dispatcher) handleModelList(w http.ResponseWriter, r *http.Request, kinds ...registry.ProviderKind) {
	a := adapters.MustForKind(kinds[0])

	pk, err := d.auth.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, a, http.StatusUnauthorized, errAuth, "invalid or missing API key")
		return
	}

	groups, err := d.store.ListGroups(r.Context())
	if err != nil {
		writeError(w, a, http.StatusInternalServerError, errInternal, "internal server error")
		return
	}

	allowed := make(map[string]bool, len(pk.AllowedGroups))
	for _, id := range pk.AllowedGroups {
		allowed[id] = true
	}

	seen := make(map[string]bool)
	var models []string
	for _, g := range groups {
		if !g.Usable() || !kindMatches(g.ProviderKind, kinds) {
			continue
		}
		if len(allowed) > 0 && !allowed[g.ID] {
			continue
		}
		for _, m := range g.Models {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
		// Aliases are part of the client-visible surface.
		for alias, target := range g.ModelAliases {
			if g.ServesModel(target) && !seen[alias] {
				seen[alias] = true
				models = append(models, alias)
			}
		}
	}
	sort.Strings(models)

	w.Header().Set("Content-Type", "application/json")
	w.Write(a.FormatModelList(models))
}

func kindMatches(kind registry.ProviderKind, kinds []registry.ProviderKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// handleHealthz is a liveness probe: the process is up and the registry
// answers.
func (d *Dispatcher) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := d.store.ListGroups(r.Context()); err != nil {
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleAdminStats reports pipeline and health statistics. Guarded by an
// admin session token, not a proxy key.
func (d *Dispatcher) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if d.sessions == nil {
		http.Error(w, "admin surface disabled", http.StatusNotFound)
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	if _, err := d.sessions.Verify(strings.TrimSpace(token)); err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	payload := map[string]any{}
	if d.pipeline != nil {
		payload["log_queue"] = d.pipeline.Stats()
	}

	groups, err := d.store.ListGroups(r.Context())
	if err == nil {
		type groupHealth struct {
			GroupID   string         `json:"group_id"`
			GroupName string         `json:"group_name"`
			Keys      map[string]int `json:"keys"`
		}
		var gh []groupHealth
		for _, g := range groups {
			hashes := make([]string, 0, len(g.APIKeys))
			for _, k := range g.APIKeys {
				hashes = append(hashes, registry.HashKey(k))
			}
			counts := d.tracker.CountByStatus(g.ID, hashes)
			keys := make(map[string]int, len(counts))
			for status, n := range counts {
				keys[string(status)] = n
			}
			gh = append(gh, groupHealth{GroupID: g.ID, GroupName: g.Name, Keys: keys})
		}
		payload["key_health"] = gh
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
