package logpipe

import "time"

// RequestLog is one proxied request's audit row. An insert is enqueued as
// soon as the request is dispatched; a matching update lands when the
// response finishes, so an operator can see in-flight requests and a crash
// leaves a row recording that the request started.
type RequestLog struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	StartedAt time.Time `json:"started_at"`

	// ProxyKeyID names the client credential that made the request.
	ProxyKeyID string `json:"proxy_key_id"`

	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	KeyHash   string `json:"key_hash"`

	// ModelRequested is the name the client asked for; ModelResolved is
	// what the proxy sent upstream after alias resolution.
	ModelRequested string `json:"model_requested"`
	ModelResolved  string `json:"model_resolved"`

	IsStream bool `json:"is_stream"`
	HasTools bool `json:"has_tools"`

	Method    string `json:"method"`
	Path      string `json:"path"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`

	StatusCode int   `json:"status_code,omitempty"`
	DurationMS int64 `json:"duration_ms,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// ResponseHeaders is a JSON object of the upstream response headers.
	ResponseHeaders string `json:"response_headers,omitempty"`

	// RequestBody and ResponseBody are truncated excerpts, bounded by the
	// configured truncation limit. ContentTruncated marks rows where
	// either excerpt was cut.
	RequestBody      string `json:"request_body,omitempty"`
	ResponseBody     string `json:"response_body,omitempty"`
	ContentTruncated bool   `json:"content_truncated,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// opKind says whether an item creates a row or completes one.
type opKind int

const (
	opInsert opKind = iota
	opUpdate
)

// item is one queued pipeline entry.
type item struct {
	op      opKind
	record  *RequestLog
	retries int
}

// Stats is a point-in-time snapshot of pipeline behavior.
type Stats struct {
	// Pending is the number of queued, unwritten items.
	Pending int `json:"pending"`

	// Processed counts items successfully written since start.
	Processed int64 `json:"processed"`

	// Failed counts items discarded after exhausting retries.
	Failed int64 `json:"failed"`

	// Dropped counts items rejected or evicted by back-pressure.
	Dropped int64 `json:"dropped"`

	// LastProcessedAt is the completion time of the last written batch.
	LastProcessedAt time.Time `json:"last_processed_at"`

	// AvgBatchMS is the smoothed write latency per batch.
	AvgBatchMS float64 `json:"avg_batch_ms"`

	// Healthy is false while writes are failing or the queue is saturated.
	Healthy bool `json:"healthy"`
}
