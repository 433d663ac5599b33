//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the dial-and-exchange pipeline in connect.go, cancelwatch.go,
// observeconn.go, tls.go, httpconn.go, composed via compose.go.
//

package transport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
)

// RequestOutcome is the raw result of one HTTP exchange performed by a
// [RequestInvoker], before [ResponseFactory] interprets it. Body is
// always non-nil when err is nil; the caller must close it.
type RequestOutcome struct {
	StatusCode       int
	Header           http.Header
	Body             io.ReadCloser
	RequestBodyBytes []byte
}

// RequestInvoker performs a single HTTP exchange against one node. It
// never retries: all retry policy lives in [RequestPipeline].
type RequestInvoker interface {
	// Invoke sends one request to endpoint.Node and returns its outcome.
	// cfg is the bound, per-call configuration (global [Config] merged
	// with any [RequestOptions] override).
	Invoke(ctx context.Context, endpoint Endpoint, body PostData, headers http.Header, cfg *Config) (*RequestOutcome, error)

	// Stats reports handler-cache occupancy.
	Stats() InvokerStats
}

// InvokerStats reports the "in-use handlers"/"removed handlers" metric
// pair: InUse counts in-flight requests currently borrowing a shared
// handler, Removed counts idle handlers evicted from the cache.
type InvokerStats struct {
	InUse   int
	Removed int
}

// handlerKey identifies a class of request that can share an underlying
// handler: requests whose timeout, compression, proxy, and certificate
// settings are identical.
type handlerKey string

func computeHandlerKey(cfg *Config) handlerKey {
	h := sha256.New()
	fmt.Fprintf(h, "timeout=%d|compression=%t|chunked=%t|proxy=%s|proxyuser=%s|disableproxydetect=%t|fingerprint=%s|certs=%d|connlimit=%d",
		cfg.RequestTimeout, cfg.HttpCompression, cfg.TransferEncodingChunked,
		cfg.ProxyAddress, cfg.ProxyUsername, cfg.DisableAutomaticProxyDetection,
		cfg.CertificateFingerprint, len(cfg.ClientCertificates), cfg.ConnectionLimit)
	return handlerKey(hex.EncodeToString(h.Sum(nil)))
}

// connHandler is the shared machinery behind one handler key: the dial
// stages and the connection-limit semaphore that every request with an
// equal configuration reuses. refs counts in-flight requests currently
// borrowing the handler; an idle handler stays cached so the next
// request with the same key skips rebuilding its stages.
type connHandler struct {
	key  handlerKey
	refs int

	connect *ConnectFunc
	observe *ObserveConnFunc
	cancel  *CancelWatchFunc

	// connSlots caps the connections concurrently open through this
	// handler when [Config.ConnectionLimit] is positive; nil means
	// unlimited.
	connSlots chan struct{}
}

// acquireConnSlot blocks until a connection slot is free or ctx is done.
func (h *connHandler) acquireConnSlot(ctx context.Context) error {
	if h.connSlots == nil {
		return nil
	}
	select {
	case h.connSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *connHandler) releaseConnSlot() {
	if h.connSlots != nil {
		<-h.connSlots
	}
}

// maxIdleHandlers bounds how many handlers the cache retains. Beyond it,
// idle handlers are evicted and counted on [InvokerStats.Removed].
const maxIdleHandlers = 8

// handlerCache shares one [*connHandler] among every request whose
// configuration hashes to the same [handlerKey].
type handlerCache struct {
	mu      sync.Mutex
	entries map[handlerKey]*connHandler
	removed int
}

func newHandlerCache() *handlerCache {
	return &handlerCache{entries: make(map[handlerKey]*connHandler)}
}

func (c *handlerCache) acquire(key handlerKey, build func() *connHandler) *connHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[key]
	if !ok {
		h = build()
		h.key = key
		c.entries[key] = h
	}
	h.refs++
	c.evictIdleLocked()
	return h
}

func (c *handlerCache) release(h *connHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	c.evictIdleLocked()
}

// evictIdleLocked drops idle handlers until the cache is back within
// maxIdleHandlers. Handlers with in-flight requests are never evicted.
func (c *handlerCache) evictIdleLocked() {
	for key, h := range c.entries {
		if len(c.entries) <= maxIdleHandlers {
			return
		}
		if h.refs <= 0 {
			delete(c.entries, key)
			c.removed++
		}
	}
}

func (c *handlerCache) stats() InvokerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	inUse := 0
	for _, h := range c.entries {
		inUse += h.refs
	}
	return InvokerStats{InUse: inUse, Removed: c.removed}
}

// HTTPRequestInvoker is the [RequestInvoker] that performs real HTTP
// exchanges, by composing [ConnectFunc], [ObserveConnFunc],
// [CancelWatchFunc], an optional proxy CONNECT stage, [TLSHandshakeFunc],
// and [HTTPConnFunc] into a dial-and-exchange pipeline. The
// node-independent stages, built from the configuration, live on a
// [*connHandler] shared by
// every request with an equal handler key; each attempt still opens its
// own connection through them.
//
// All fields are safe to modify after construction but before first use.
type HTTPRequestInvoker struct {
	Logger SLogger
	cache  *handlerCache
}

// NewHTTPRequestInvoker returns a new [*HTTPRequestInvoker].
func NewHTTPRequestInvoker(logger SLogger) *HTTPRequestInvoker {
	return &HTTPRequestInvoker{Logger: logger, cache: newHandlerCache()}
}

var _ RequestInvoker = (*HTTPRequestInvoker)(nil)

// Stats implements [RequestInvoker].
func (inv *HTTPRequestInvoker) Stats() InvokerStats {
	return inv.cache.stats()
}

// Invoke implements [RequestInvoker]. Requests whose configuration
// hashes to the same handler key share one [*connHandler]: its dial
// stages are built once and its connection-limit slots are contended by
// every concurrent request in the class.
func (inv *HTTPRequestInvoker) Invoke(ctx context.Context, endpoint Endpoint, body PostData, headers http.Header, cfg *Config) (*RequestOutcome, error) {
	key := computeHandlerKey(cfg)
	handler := inv.cache.acquire(key, func() *connHandler { return inv.newHandler(cfg) })
	if err := handler.acquireConnSlot(ctx); err != nil {
		inv.cache.release(handler)
		return nil, err
	}

	released := false
	release := func() {
		if !released {
			released = true
			handler.releaseConnSlot()
			inv.cache.release(handler)
		}
	}

	hc, err := inv.dial(ctx, handler, endpoint, cfg)
	if err != nil {
		release()
		return nil, err
	}

	req, requestBodyBytes, err := inv.buildRequest(ctx, endpoint, body, headers, cfg)
	if err != nil {
		hc.Close()
		release()
		return nil, err
	}

	resp, err := hc.RoundTrip(req)
	if err != nil {
		hc.Close()
		release()
		return nil, err
	}

	var closeOnce sync.Once
	resp.Body = &invokerBody{
		ReadCloser: resp.Body,
		onClose: func() {
			closeOnce.Do(func() {
				hc.Close()
				release()
			})
		},
	}

	return &RequestOutcome{
		StatusCode:       resp.StatusCode,
		Header:           resp.Header,
		Body:             resp.Body,
		RequestBodyBytes: requestBodyBytes,
	}, nil
}

// invokerBody ties the lifetime of the dialed [*HTTPConn] to the response
// body: the connection is only released once the caller finishes reading
// and closes the body, so an in-flight HTTP/1.1 body read is never cut
// short by an eager teardown.
type invokerBody struct {
	io.ReadCloser
	onClose func()
}

func (b *invokerBody) Close() error {
	err := b.ReadCloser.Close()
	b.onClose()
	return err
}

// newHandler builds the dial machinery shared by every request whose
// configuration hashes to one handler key.
func (inv *HTTPRequestInvoker) newHandler(cfg *Config) *connHandler {
	h := &connHandler{
		connect: NewConnectFunc(cfg, "tcp", inv.Logger),
		observe: NewObserveConnFunc(cfg, inv.Logger),
		cancel:  NewCancelWatchFunc(),
	}
	if cfg.ConnectionLimit > 0 {
		h.connSlots = make(chan struct{}, cfg.ConnectionLimit)
	}
	return h
}

// dial establishes the connection for one attempt against endpoint.Node,
// wrapping it into an [*HTTPConn]. The dial stages come from the shared
// handler; the TLS and proxy stages are per-attempt because they depend
// on the target node. When cfg.ProxyAddress is set, it dials the proxy
// and (for an https node) performs an HTTP CONNECT tunnel before the TLS
// handshake.
func (inv *HTTPRequestInvoker) dial(ctx context.Context, handler *connHandler, endpoint Endpoint, cfg *Config) (*HTTPConn, error) {
	node := endpoint.Node
	nodeAddress := hostport(node.URI)

	dialAddress := nodeAddress
	usingProxy := cfg.ProxyAddress != ""
	if usingProxy {
		dialAddress = cfg.ProxyAddress
	}

	connectOp := handler.connect
	observeOp := handler.observe
	cancelOp := handler.cancel

	isTLS := node.URI.Scheme == "https"

	if !isTLS {
		// Plain HTTP through a proxy sends the request built by
		// buildRequest over the proxy connection; no CONNECT tunnel is made.
		httpConnOp := NewHTTPConnFuncPlain(cfg, inv.Logger)
		pipe := compose4(connectOp, observeOp, cancelOp, httpConnOp)
		return pipe.Call(ctx, dialAddress)
	}

	tlsConfig := cfg.tlsConfig(node.URI.Hostname())
	tlsOp := NewTLSHandshakeFunc(cfg, tlsConfig, inv.Logger)
	httpConnOp := NewHTTPConnFuncTLS(cfg, inv.Logger)

	if !usingProxy {
		pipe := compose5(connectOp, observeOp, cancelOp, tlsOp, httpConnOp)
		return pipe.Call(ctx, dialAddress)
	}

	proxyConnectOp := &proxyConnectFunc{
		targetHost:    nodeAddress,
		proxyUsername: cfg.ProxyUsername,
		proxyPassword: cfg.ProxyPassword,
	}
	pipe := compose2(connectOp, compose2(observeOp, compose2(cancelOp, compose2(proxyConnectOp, compose2(tlsOp, httpConnOp)))))
	return pipe.Call(ctx, dialAddress)
}

// hostport returns u's authority as a "host:port" string, filling in the
// scheme's default port when absent.
func hostport(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// proxyConnectFunc performs an HTTP CONNECT tunnel handshake over an
// already-established connection to a proxy, so a subsequent TLS
// handshake can proceed end-to-end with targetHost.
type proxyConnectFunc struct {
	targetHost    string
	proxyUsername string
	proxyPassword string
}

var _ stage[net.Conn, net.Conn] = &proxyConnectFunc{}

func (p *proxyConnectFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: p.targetHost},
		Host:   p.targetHost,
		Header: make(http.Header),
	}
	if p.proxyUsername != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+basicAuthValue(p.proxyUsername, p.proxyPassword))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("transport: proxy CONNECT to %s failed: %s", p.targetHost, resp.Status)
	}
	return conn, nil
}

func basicAuthValue(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// buildRequest assembles the outgoing [*http.Request] for endpoint,
// applying defaults, authentication precedence, optional compression,
// and (when cfg.DisableDirectStreaming) capturing the serialized body
// bytes for diagnostics.
func (inv *HTTPRequestInvoker) buildRequest(ctx context.Context, endpoint Endpoint, body PostData, headers http.Header, cfg *Config) (*http.Request, []byte, error) {
	var bodyBuf bytes.Buffer
	var capturedBytes []byte

	if body != nil {
		var target io.Writer = &bodyBuf
		var gz *gzip.Writer
		if cfg.HttpCompression {
			gz = gzip.NewWriter(&bodyBuf)
			target = gz
		}
		if err := body.WriteTo(target, cfg.MemoryStreamFactory, cfg.DisableDirectStreaming); err != nil {
			return nil, nil, err
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				return nil, nil, err
			}
		}
		if cfg.DisableDirectStreaming {
			if b, ok := body.capturedBytes(); ok {
				capturedBytes = b
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, string(endpoint.Method), endpoint.URL(), io.NopCloser(bytes.NewReader(bodyBuf.Bytes())))
	if err != nil {
		return nil, nil, err
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if bodyBuf.Len() > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "nodalio-transport")
	}
	if cfg.HttpCompression {
		req.Header.Set("Content-Encoding", "gzip")
	}

	applyAuthentication(req, endpoint.Node, cfg)

	if cfg.TransferEncodingChunked {
		req.ContentLength = -1
	} else {
		req.ContentLength = int64(bodyBuf.Len())
	}

	return req, capturedBytes, nil
}

// applyAuthentication sets the Authorization header following a fixed
// precedence: an explicit per-call header wins, then the node URI's
// user-info, then the configured default.
func applyAuthentication(req *http.Request, node *Node, cfg *Config) {
	if req.Header.Get("Authorization") != "" {
		return
	}
	if node.URI.User != nil {
		if password, ok := node.URI.User.Password(); ok {
			req.SetBasicAuth(node.URI.User.Username(), password)
			return
		}
	}
	if cfg.AuthenticationHeader != "" {
		req.Header.Set("Authorization", cfg.AuthenticationHeader)
	}
}

// InMemoryRequestInvoker is a [RequestInvoker] test fake that returns
// caller-scripted outcomes without performing any I/O.
type InMemoryRequestInvoker struct {
	// Handle produces the outcome for each call. It must be set.
	Handle func(ctx context.Context, endpoint Endpoint, body PostData, headers http.Header, cfg *Config) (*RequestOutcome, error)

	mu    sync.Mutex
	calls []Endpoint
}

var _ RequestInvoker = (*InMemoryRequestInvoker)(nil)

// Invoke implements [RequestInvoker].
func (f *InMemoryRequestInvoker) Invoke(ctx context.Context, endpoint Endpoint, body PostData, headers http.Header, cfg *Config) (*RequestOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	f.mu.Unlock()
	return f.Handle(ctx, endpoint, body, headers, cfg)
}

// Stats implements [RequestInvoker]. The fake never caches handlers.
func (f *InMemoryRequestInvoker) Stats() InvokerStats {
	return InvokerStats{}
}

// Calls returns every [Endpoint] this fake was invoked with, in order.
func (f *InMemoryRequestInvoker) Calls() []Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Endpoint(nil), f.calls...)
}
