// Package dispatch is the transparent proxy core: it authenticates the
// caller, routes the request to a group and key, forwards it with the
// group's credentials, and pipes the response back unchanged. Request and
// response bodies pass through byte-for-byte, except that an alias model
// name is rewritten to its canonical id on the way out.
//
// A single user request is never retried on another key. A failure
// surfaces to the client immediately and moves the key's health; the next
// request benefits from the updated state.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"mosaic-hq/mosaic/pkg/adapters"
	"mosaic-hq/mosaic/pkg/auth"
	"mosaic-hq/mosaic/pkg/config"
	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/httppool"
	"mosaic-hq/mosaic/pkg/logpipe"
	"mosaic-hq/mosaic/pkg/registry"
	"mosaic-hq/mosaic/pkg/routing"
	"mosaic-hq/mosaic/pkg/telemetry/metrics"
)

// clientAuthHeaders are stripped from the inbound request before
// forwarding: the upstream must only ever see the group's credentials.
var clientAuthHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"Proxy-Authorization",
}

// hopHeaders are connection-scoped and never forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher wires the proxy pipeline together.
type Dispatcher struct {
	cfg      *config.Config
	store    *registry.Store
	pool     *httppool.Pool
	selector *routing.Selector
	tracker  *health.Tracker
	pipeline *logpipe.Pipeline
	auth     *auth.Authenticator
	sessions *auth.SessionManager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Options collects the dispatcher's collaborators. Pipeline, sessions and
// metrics are optional.
type Options struct {
	Config   *config.Config
	Store    *registry.Store
	Pool     *httppool.Pool
	Selector *routing.Selector
	Tracker  *health.Tracker
	Pipeline *logpipe.Pipeline
	Sessions *auth.SessionManager
	Metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	return &Dispatcher{
		cfg:      opts.Config,
		store:    opts.Store,
		pool:     opts.Pool,
		selector: opts.Selector,
		tracker:  opts.Tracker,
		pipeline: opts.Pipeline,
		auth:     auth.NewAuthenticator(opts.Store),
		sessions: opts.Sessions,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "dispatch"),
	}
}

// proxyRequest is the per-request state threaded through the pipeline.
type proxyRequest struct {
	adapter    adapters.Adapter
	kind       registry.ProviderKind
	subPath    string
	body       []byte
	model      string
	isStream   bool
	hasTools   bool
	requestID  string
	proxyKeyID string
	method     string
	userAgent  string
	clientIP   string
}

// handleProxy serves one generate-style request for a dialect. subPath is
// the path below the dialect mount, used by resource-style operations.
func (d *Dispatcher) handleProxy(w http.ResponseWriter, r *http.Request, kind registry.ProviderKind, subPath string) {
	ctx := r.Context()
	a := adapters.MustForKind(kind)

	pk, err := d.auth.Authenticate(ctx, r)
	if err != nil {
		writeError(w, a, http.StatusUnauthorized, errAuth, "invalid or missing API key")
		return
	}

	body, ok := d.readBody(w, r, a)
	if !ok {
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, a, http.StatusBadRequest, errInvalidRequest, "request body is not valid JSON")
		return
	}

	pr := &proxyRequest{
		adapter:    a,
		kind:       kind,
		subPath:    subPath,
		body:       body,
		model:      a.ModelFromRequest(body, r.URL.Path),
		hasTools:   gjson.GetBytes(body, "tools").Exists(),
		requestID:  r.Header.Get(requestIDHeader),
		proxyKeyID: pk.ID,
		method:     r.Method,
		userAgent:  r.Header.Get("User-Agent"),
		clientIP:   clientIP(r),
	}
	pr.isStream = a.IsStream(body, r.URL.Path)

	// Generate-style calls must name a model; resource operations on a
	// stored object do not.
	resourceOp := r.Method != http.MethodPost || strings.Contains(subPath, "/") || (kind == registry.KindOpenAIResponses && subPath != "")
	if pr.model == "" && !resourceOp {
		writeError(w, a, http.StatusBadRequest, errInvalidRequest, "request does not name a model")
		return
	}

	groups, err := d.store.ListGroups(ctx)
	if err != nil {
		d.logger.Error("failed to list groups", "error", err)
		writeError(w, a, http.StatusInternalServerError, errInternal, "internal server error")
		return
	}

	selModel := pr.model
	if resourceOp {
		selModel = ""
	}
	sel, err := d.selector.Select(groups, kind, selModel, pk.AllowedGroups)
	if err != nil {
		var nvg *routing.NoViableGroupError
		var nvk *routing.NoViableKeyError
		switch {
		case errors.As(err, &nvg):
			writeError(w, a, http.StatusBadRequest, errNoViableGroup, "no configured group serves model "+pr.model)
		case errors.As(err, &nvk):
			writeError(w, a, http.StatusBadGateway, errNoViableKey, "no usable key for the selected group")
		default:
			writeError(w, a, http.StatusInternalServerError, errInternal, "internal server error")
		}
		return
	}

	d.forward(w, r, pr, sel)
}

// readBody reads the inbound body under the configured size cap.
func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request, a adapters.Adapter) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	limit := d.cfg.Global.MaxRequestBodyBytes
	reader := http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, a, http.StatusRequestEntityTooLarge, errInvalidRequest, "request body too large")
		} else {
			writeError(w, a, http.StatusBadRequest, errInvalidRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

// forward sends the request upstream and pipes the response back.
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, pr *proxyRequest, sel *routing.Selection) {
	a := pr.adapter
	g := sel.Group

	outBody := pr.body
	if pr.model != "" && sel.CanonicalModel != "" && sel.CanonicalModel != pr.model {
		rewritten, err := a.RewriteModel(pr.body, sel.CanonicalModel)
		if err != nil {
			d.logger.Warn("model rewrite failed, forwarding original body",
				"request_id", pr.requestID, "error", err)
		} else {
			outBody = rewritten
		}
	}

	urlModel := sel.CanonicalModel
	if urlModel == "" {
		urlModel = pr.model
	}
	upstreamURL, err := a.UpstreamURL(g, urlModel, pr.subPath, r.URL.RawQuery)
	if err != nil {
		writeError(w, a, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	logModel := sel.CanonicalModel
	if logModel == "" {
		logModel = pr.model
	}
	logRec := d.startLog(pr, sel, logModel, r.URL.Path)

	upCtx := r.Context()
	if !pr.isStream {
		timeout := d.cfg.Global.ConnectionTimeout
		if g.TimeoutSeconds > 0 {
			timeout = time.Duration(g.TimeoutSeconds) * time.Second
		}
		var cancel context.CancelFunc
		upCtx, cancel = context.WithTimeout(upCtx, timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if len(outBody) > 0 {
		reqBody = bytes.NewReader(outBody)
	}
	req, err := http.NewRequestWithContext(upCtx, r.Method, upstreamURL, reqBody)
	if err != nil {
		writeError(w, a, http.StatusInternalServerError, errInternal, "internal server error")
		return
	}

	req.Header = r.Header.Clone()
	for _, h := range clientAuthHeaders {
		req.Header.Del(h)
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Del("Content-Length")
	req.ContentLength = int64(len(outBody))
	a.ApplyCredentials(req.Header, sel.Key)
	for k, v := range g.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if pr.isStream {
		req.Header.Set("X-Accel-Buffering", "no")
	}

	client := d.pool.ClientFor(g)
	d.tracker.BeginRequest(g.ID, sel.KeyHash)
	defer d.tracker.EndRequest(g.ID, sel.KeyHash)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		d.finishTransportError(w, r, pr, sel, logRec, start, err)
		return
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	d.tracker.Observe(g.ID, sel.KeyHash, health.Observation{
		Outcome:    health.ClassifyStatusCode(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Duration:   duration,
	})

	var usage tokenUsage
	var respBody []byte
	var clientGone bool
	if pr.isStream {
		clientGone = d.pipeStream(w, r, resp, pr)
	} else {
		usage, respBody = d.pipeBuffered(w, resp, pr)
	}

	if clientGone {
		d.finishLog(logRec, finish{
			status:   statusClientClosedRequest,
			duration: time.Since(start),
			usage:    usage,
			errType:  "client_disconnect",
			errMsg:   "client closed the connection mid-stream",
			headers:  resp.Header,
		})
		d.recordMetrics(g, logModel, statusClientClosedRequest, time.Since(start), usage)
		return
	}

	d.finishLog(logRec, finish{
		status:   resp.StatusCode,
		duration: time.Since(start),
		usage:    usage,
		body:     respBody,
		headers:  resp.Header,
	})
	d.recordMetrics(g, logModel, resp.StatusCode, time.Since(start), usage)
}

// finishTransportError classifies a transport-level failure and responds.
func (d *Dispatcher) finishTransportError(w http.ResponseWriter, r *http.Request, pr *proxyRequest, sel *routing.Selection, logRec *logpipe.RequestLog, start time.Time, err error) {
	g := sel.Group
	duration := time.Since(start)

	switch {
	case r.Context().Err() == context.Canceled:
		// The client went away. Not a key failure, nothing to send.
		d.logger.Info("client disconnected",
			"request_id", pr.requestID,
			"group_id", g.ID,
			"model", pr.model,
			"after", duration,
		)
		d.finishLog(logRec, finish{status: statusClientClosedRequest, duration: duration, errType: "client_disconnect", errMsg: "client closed the connection"})
		d.recordMetrics(g, pr.model, statusClientClosedRequest, duration, tokenUsage{})
		return

	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		d.tracker.Observe(g.ID, sel.KeyHash, health.Observation{Outcome: health.OutcomeTimeout, Duration: duration})
		writeError(w, pr.adapter, http.StatusGatewayTimeout, errUpstreamTimeout, "upstream request timed out")
		d.finishLog(logRec, finish{status: http.StatusGatewayTimeout, duration: duration, errType: "upstream_timeout", errMsg: err.Error()})
		d.recordMetrics(g, pr.model, http.StatusGatewayTimeout, duration, tokenUsage{})

	default:
		d.tracker.Observe(g.ID, sel.KeyHash, health.Observation{Outcome: health.OutcomeNetwork, Duration: duration})
		writeError(w, pr.adapter, http.StatusBadGateway, errUpstreamNetwork, "failed to reach upstream")
		d.finishLog(logRec, finish{status: http.StatusBadGateway, duration: duration, errType: "upstream_network", errMsg: err.Error()})
		d.recordMetrics(g, pr.model, http.StatusBadGateway, duration, tokenUsage{})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type tokenUsage struct {
	prompt     int
	completion int
	total      int
}

// pipeStream copies a streaming response through with per-chunk flushing.
// It reports whether the client dropped the connection before the stream
// finished.
func (d *Dispatcher) pipeStream(w http.ResponseWriter, r *http.Request, resp *http.Response, pr *proxyRequest) (clientGone bool) {
	copyResponseHeaders(w, resp)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				d.logger.Info("client dropped during stream", "request_id", pr.requestID)
				return true
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return false
			}
			// A dropped client cancels the request context, which kills
			// the upstream read before a write gets the chance to fail.
			if r.Context().Err() != nil {
				d.logger.Info("client dropped during stream", "request_id", pr.requestID)
				return true
			}
			d.logger.Warn("upstream stream ended with error",
				"request_id", pr.requestID, "error", err)
			return false
		}
	}
}

// pipeBuffered copies a non-streaming response, extracting token usage and
// the body for the log row on the way past. The body itself is forwarded
// unmodified.
func (d *Dispatcher) pipeBuffered(w http.ResponseWriter, resp *http.Response, pr *proxyRequest) (tokenUsage, []byte) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Warn("failed to read upstream response", "request_id", pr.requestID, "error", err)
	}

	copyResponseHeaders(w, resp)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	return extractUsage(body), body
}

// extractUsage pulls token counts out of a response body, tolerating all
// three dialect shapes.
func extractUsage(body []byte) tokenUsage {
	var u tokenUsage
	if v := gjson.GetBytes(body, "usage.prompt_tokens"); v.Exists() {
		u.prompt = int(v.Int())
		u.completion = int(gjson.GetBytes(body, "usage.completion_tokens").Int())
		u.total = int(gjson.GetBytes(body, "usage.total_tokens").Int())
		return u
	}
	if v := gjson.GetBytes(body, "usage.input_tokens"); v.Exists() {
		u.prompt = int(v.Int())
		u.completion = int(gjson.GetBytes(body, "usage.output_tokens").Int())
		u.total = u.prompt + u.completion
		return u
	}
	if v := gjson.GetBytes(body, "usageMetadata.promptTokenCount"); v.Exists() {
		u.prompt = int(v.Int())
		u.completion = int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int())
		u.total = int(gjson.GetBytes(body, "usageMetadata.totalTokenCount").Int())
		return u
	}
	return u
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// startLog enqueues the pending request log row.
func (d *Dispatcher) startLog(pr *proxyRequest, sel *routing.Selection, model, path string) *logpipe.RequestLog {
	if d.pipeline == nil || !d.cfg.RequestLogging.Enabled {
		return nil
	}
	rec := &logpipe.RequestLog{
		ID:             uuid.NewString(),
		RequestID:      pr.requestID,
		StartedAt:      time.Now().UTC(),
		ProxyKeyID:     pr.proxyKeyID,
		GroupID:        sel.Group.ID,
		GroupName:      sel.Group.Name,
		KeyHash:        sel.KeyHash,
		ModelRequested: pr.model,
		ModelResolved:  model,
		IsStream:       pr.isStream,
		HasTools:       pr.hasTools,
		Method:         pr.method,
		Path:           path,
		ClientIP:       pr.clientIP,
		UserAgent:      pr.userAgent,
		RequestBody:    truncate(string(pr.body), d.cfg.RequestLogging.TruncateBodyTo),
	}
	rec.ContentTruncated = len(rec.RequestBody) < len(pr.body)
	d.pipeline.EnqueueInsert(rec)
	return rec
}

// finish carries the terminal fields of one request's log row.
type finish struct {
	status   int
	duration time.Duration
	usage    tokenUsage
	errType  string
	errMsg   string
	body     []byte
	headers  http.Header
}

// finishLog enqueues the completion update for a request's log row.
func (d *Dispatcher) finishLog(rec *logpipe.RequestLog, fin finish) {
	if rec == nil || d.pipeline == nil {
		return
	}
	respBody := truncate(string(fin.body), d.cfg.RequestLogging.TruncateBodyTo)
	d.pipeline.EnqueueUpdate(&logpipe.RequestLog{
		RequestID:        rec.RequestID,
		StatusCode:       fin.status,
		DurationMS:       fin.duration.Milliseconds(),
		PromptTokens:     fin.usage.prompt,
		CompletionTokens: fin.usage.completion,
		TotalTokens:      fin.usage.total,
		ErrorType:        fin.errType,
		ErrorMessage:     truncate(fin.errMsg, 1024),
		ResponseHeaders:  headerJSON(fin.headers),
		ResponseBody:     respBody,
		ContentTruncated: len(respBody) < len(fin.body),
	})
}

// headerJSON flattens response headers into a JSON object for the log row.
func headerJSON(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	flat := make(map[string]string, len(h))
	for k, v := range h {
		flat[k] = strings.Join(v, ", ")
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return ""
	}
	return string(b)
}

func (d *Dispatcher) recordMetrics(g *registry.Group, model string, status int, duration time.Duration, usage tokenUsage) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordRequest(g.Name, model, strconv.Itoa(status), duration)
	d.metrics.RecordTokens(g.Name, model, usage.prompt, usage.completion)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
