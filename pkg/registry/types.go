package registry

import "time"

// ProviderKind identifies the upstream dialect a group speaks.
type ProviderKind string

const (
	// KindOpenAIChat is an OpenAI-compatible /chat/completions upstream.
	KindOpenAIChat ProviderKind = "openai-compatible-chat"
	// KindOpenAIResponses is an OpenAI-compatible /responses upstream.
	KindOpenAIResponses ProviderKind = "openai-compatible-responses"
	// KindAnthropic is a native Anthropic /messages upstream.
	KindAnthropic ProviderKind = "anthropic-native"
	// KindGemini is a native Google Gemini upstream.
	KindGemini ProviderKind = "gemini-native"
)

// Valid reports whether the kind is one of the supported dialects.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindOpenAIChat, KindOpenAIResponses, KindAnthropic, KindGemini:
		return true
	}
	return false
}

// SelectionPolicy selects how keys (and groups) are load-balanced.
type SelectionPolicy string

const (
	// PolicyRoundRobin rotates through candidates with a per-group counter.
	PolicyRoundRobin SelectionPolicy = "round_robin"
	// PolicyRandom picks uniformly at random.
	PolicyRandom SelectionPolicy = "random"
	// PolicyLeastLoad prefers the lowest average response time, breaking
	// ties by fewest in-flight requests.
	PolicyLeastLoad SelectionPolicy = "least_load"
)

// Valid reports whether the policy is one of the supported policies.
func (p SelectionPolicy) Valid() bool {
	switch p {
	case PolicyRoundRobin, PolicyRandom, PolicyLeastLoad:
		return true
	}
	return false
}

// ProxyConfig describes an optional outbound proxy for a group.
type ProxyConfig struct {
	// URL is the proxy endpoint: http(s)://host:port or socks5://host:port,
	// optionally with userinfo. The password never appears in logs.
	URL string `json:"url"`

	// BypassLocal skips the proxy for loopback and private addresses.
	BypassLocal bool `json:"bypass_local,omitempty"`

	// BypassDomains lists domain suffixes that skip the proxy.
	BypassDomains []string `json:"bypass_domains,omitempty"`
}

// Group is a provider configuration unit: an upstream base URL, an ordered
// set of API keys, the models it is authorized to serve, and per-group
// dispatch settings.
//
// A group is usable iff Enabled && !Deleted && len(APIKeys) > 0.
type Group struct {
	// ID is the opaque group identifier.
	ID string `json:"id"`

	// Name is the display name. Unique among non-deleted groups.
	Name string `json:"name"`

	// ProviderKind is the upstream dialect.
	ProviderKind ProviderKind `json:"provider_kind"`

	// BaseURL is the upstream base URL, without a trailing slash.
	BaseURL string `json:"base_url"`

	// APIKeys is the ordered sequence of raw upstream API keys.
	APIKeys []string `json:"api_keys"`

	// Models is the set of model ids this group is authorized to serve.
	Models []string `json:"models"`

	// ModelAliases maps a client-visible alias to a canonical model id.
	// Invalid entries (unknown target) are ignored at resolve time.
	ModelAliases map[string]string `json:"model_aliases,omitempty"`

	// Enabled gates selection. A disabled group is visible but unselectable.
	Enabled bool `json:"enabled"`

	// HealthCheckEnabled gates the periodic health prober for this group.
	HealthCheckEnabled bool `json:"health_check_enabled"`

	// TimeoutSeconds is the overall upstream call timeout. Zero falls back
	// to the global connection timeout for non-streaming calls; streaming
	// calls are bounded only by client disconnect.
	TimeoutSeconds int `json:"timeout_seconds"`

	// MaxRetries is carried for the admin surface; the dispatcher itself
	// never retries a single user request on another key.
	MaxRetries int `json:"max_retries"`

	// ConnectTimeoutSeconds is the outbound connect timeout.
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`

	// Proxy is the optional outbound proxy config.
	Proxy *ProxyConfig `json:"proxy,omitempty"`

	// ExtraHeaders are added to every outbound request of this group.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`

	// Policy is the key/group selection policy.
	Policy SelectionPolicy `json:"policy"`

	// Deleted is the soft-delete marker. Deleted groups are invisible.
	Deleted bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usable reports whether the group can serve traffic at all.
func (g *Group) Usable() bool {
	return g.Enabled && !g.Deleted && len(g.APIKeys) > 0
}

// ResolveModel resolves a requested model through the alias map to a
// canonical model id. An alias is honored only when its target is a
// configured model; anything else resolves to itself. Resolution is a
// single step, so it is idempotent: canonical ids are never aliases of
// something further.
func (g *Group) ResolveModel(requested string) string {
	target, ok := g.ModelAliases[requested]
	if !ok {
		return requested
	}
	for _, m := range g.Models {
		if m == target {
			return target
		}
	}
	// Alias points at a model the group does not declare: ignore it.
	return requested
}

// ServesModel reports whether the canonical model id is in the group's
// model set.
func (g *Group) ServesModel(canonical string) bool {
	for _, m := range g.Models {
		if m == canonical {
			return true
		}
	}
	return false
}

// KeyInfo is the external representation of an API key: the derived masked
// and hashed identifiers, never the raw string.
type KeyInfo struct {
	// Masked is the redacted display form (first-4…last-4).
	Masked string `json:"masked"`

	// Hash is the lowercase SHA-256 hex of the raw key bytes.
	Hash string `json:"hash"`
}

// ProxyKey is the opaque bearer credential a client presents.
type ProxyKey struct {
	// ID is the opaque proxy key identifier.
	ID string `json:"id"`

	// Secret is the raw bearer value.
	Secret string `json:"-"`

	// Name is the friendly display name.
	Name string `json:"name"`

	// Enabled gates authentication.
	Enabled bool `json:"enabled"`

	// AllowedGroups restricts which groups this key may use. Empty means
	// all groups.
	AllowedGroups []string `json:"allowed_groups,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// BatchAddResult reports the outcome of a batch key import.
type BatchAddResult struct {
	// Added is the number of keys newly added.
	Added int `json:"added"`

	// Skipped is the number of keys that already existed in the group.
	Skipped int `json:"skipped"`

	// Errors collects per-key problems (empty keys, oversize entries).
	Errors []string `json:"errors,omitempty"`
}
