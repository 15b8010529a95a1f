// Package httppool builds and caches outbound HTTP transports.
//
// Transports are keyed by proxy configuration and connect timeout, so all
// groups that share an egress path reuse one connection pool. No transport
// carries an overall request timeout: a streaming response may legitimately
// run for a very long time, and cancellation is the caller's job via
// request contexts.
package httppool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"mosaic-hq/mosaic/pkg/registry"
)

// DefaultConnectTimeout applies when a group does not set its own.
const DefaultConnectTimeout = 10 * time.Second

// Pool hands out shared *http.Client instances per egress configuration.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*http.Client
	logger  *slog.Logger
}

// NewPool creates an empty transport pool.
func NewPool() *Pool {
	return &Pool{
		clients: make(map[string]*http.Client),
		logger:  slog.Default().With("component", "httppool"),
	}
}

// ClientFor returns the shared client for a group's egress settings,
// building it on first use. Groups with identical proxy configuration and
// connect timeout share the same client and connection pool.
func (p *Pool) ClientFor(g *registry.Group) *http.Client {
	connectTimeout := DefaultConnectTimeout
	if g.ConnectTimeoutSeconds > 0 {
		connectTimeout = time.Duration(g.ConnectTimeoutSeconds) * time.Second
	}

	key := cacheKey(g.Proxy, connectTimeout)

	p.mu.RLock()
	client, ok := p.clients[key]
	p.mu.RUnlock()
	if ok {
		return client
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client
	}

	transport, err := buildTransport(g.Proxy, connectTimeout)
	if err != nil {
		// A malformed proxy config falls back to direct egress. The
		// request still goes out; the operator sees why it did not use
		// the proxy.
		p.logger.Warn("invalid proxy configuration, using direct egress",
			"group_id", g.ID,
			"proxy_url", RedactProxyURL(g.Proxy),
			"error", err,
		)
		transport = directTransport(connectTimeout)
	}

	client = &http.Client{
		Transport: transport,
		// CheckRedirect passthrough and no Timeout: streaming responses
		// are unbounded here and bounded by context upstream.
	}
	p.clients[key] = client

	p.logger.Debug("transport created",
		"proxy_url", RedactProxyURL(g.Proxy),
		"connect_timeout", connectTimeout,
	)
	return client
}

// Close idles out every pooled transport.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	p.clients = make(map[string]*http.Client)
}

// cacheKey digests the egress settings. The digest covers the full proxy
// URL including credentials so that rotating a proxy password produces a
// fresh transport.
func cacheKey(proxy *registry.ProxyConfig, connectTimeout time.Duration) string {
	h := sha256.New()
	if proxy != nil {
		fmt.Fprintf(h, "%s|%t|%s", proxy.URL, proxy.BypassLocal, strings.Join(proxy.BypassDomains, ","))
	}
	fmt.Fprintf(h, "|%d", connectTimeout)
	return hex.EncodeToString(h.Sum(nil))
}

func directTransport(connectTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		// ResponseHeaderTimeout stays zero: slow model backends can take
		// minutes before the first byte.
	}
}

// buildTransport constructs a transport for the given proxy settings.
func buildTransport(proxy *registry.ProxyConfig, connectTimeout time.Duration) (*http.Transport, error) {
	transport := directTransport(connectTimeout)
	if proxy == nil || proxy.URL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = httpProxyFunc(u, proxy)

	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: password}
		}
		forward := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
		socks, err := xproxy.SOCKS5("tcp", u.Host, auth, forward)
		if err != nil {
			return nil, fmt.Errorf("failed to build SOCKS5 dialer: %w", err)
		}
		transport.Proxy = nil
		transport.DialContext = socksDialContext(socks, forward, proxy)

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return transport, nil
}

// httpProxyFunc returns a Proxy function honoring the bypass rules.
func httpProxyFunc(proxyURL *url.URL, cfg *registry.ProxyConfig) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if bypassed(req.URL.Hostname(), cfg) {
			return nil, nil
		}
		return proxyURL, nil
	}
}

// socksDialContext wraps a SOCKS5 dialer, falling through to a direct dial
// for bypassed hosts.
func socksDialContext(socks xproxy.Dialer, direct *net.Dialer, cfg *registry.ProxyConfig) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		if bypassed(host, cfg) {
			return direct.DialContext(ctx, network, addr)
		}
		if cd, ok := socks.(xproxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return socks.Dial(network, addr)
	}
}

// bypassed reports whether a destination host skips the proxy.
func bypassed(host string, cfg *registry.ProxyConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.BypassLocal {
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
				return true
			}
		}
		if host == "localhost" {
			return true
		}
	}
	for _, suffix := range cfg.BypassDomains {
		suffix = strings.TrimPrefix(suffix, ".")
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// RedactProxyURL renders a proxy URL for logging with any password removed.
func RedactProxyURL(cfg *registry.ProxyConfig) string {
	if cfg == nil || cfg.URL == "" {
		return ""
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
