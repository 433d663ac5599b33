// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestOptions carries per-call overrides merged onto the global
// [Config] to produce the bound configuration for one logical call.
// Every field is a pointer (or, for Headers, a nil-means-absent map) so
// "not set" is distinguishable from the type's zero value. This is the
// minimum surface [Transport.Request] needs, not a fluent configuration
// builder.
type RequestOptions struct {
	RequestTimeout                  *time.Duration
	PingTimeout                     *time.Duration
	MaxRetryTimeout                 *time.Duration
	MaxRetries                      *int
	DisablePings                    *bool
	DisableSniffOnConnectionFailure *bool
	SniffOnStaleCluster             *bool
	ThrowExceptions                 *bool
	DisableDirectStreaming          *bool
	HttpCompression                 *bool
	AuthenticationHeader            *string

	// Headers are additional request headers merged on top of the
	// product's meta headers; present only for this call.
	Headers http.Header
}

// Transport is the single entry point: it binds one [*Config], one
// [*NodePool], one [ProductRegistration] and one [RequestInvoker] for its
// lifetime. A *Transport is safe for concurrent calls.
type Transport struct {
	Cfg     *Config
	Pool    *NodePool
	Product ProductRegistration
	Invoker RequestInvoker

	// Tracer attaches product OpenTelemetry attributes to the active
	// span after each call, when non-nil. Left nil by [NewTransport];
	// set it explicitly to opt in.
	Tracer trace.Tracer
}

// NewTransport returns a new [*Transport]. cfg, pool, product and invoker
// must all be non-nil; cfg.Serializer may be nil only if every call this
// transport makes is stream-like. The transport takes ownership of cfg,
// folding the product's [ProductRegistration.DefaultHeadersToParse] into
// cfg.ResponseHeadersToParse.
func NewTransport(cfg *Config, pool *NodePool, product ProductRegistration, invoker RequestInvoker) *Transport {
	for _, name := range product.DefaultHeadersToParse() {
		if !containsString(cfg.ResponseHeadersToParse, name) {
			cfg.ResponseHeadersToParse = append(cfg.ResponseHeadersToParse, name)
		}
	}
	return &Transport{Cfg: cfg, Pool: pool, Product: product, Invoker: invoker}
}

// mergeConfig produces the bound [*Config] for one call: a shallow copy
// of t.Cfg with any non-nil opts fields applied. The returned value is
// never mutated again and is safe to read concurrently with other calls
// sharing t.Cfg.
func (t *Transport) mergeConfig(opts *RequestOptions) *Config {
	bound := *t.Cfg
	if opts == nil {
		return &bound
	}
	if opts.RequestTimeout != nil {
		bound.RequestTimeout = *opts.RequestTimeout
	}
	if opts.PingTimeout != nil {
		bound.PingTimeout = *opts.PingTimeout
	}
	if opts.MaxRetryTimeout != nil {
		bound.MaxRetryTimeout = *opts.MaxRetryTimeout
	}
	if opts.MaxRetries != nil {
		bound.MaxRetries = *opts.MaxRetries
	}
	if opts.DisablePings != nil {
		bound.DisablePings = *opts.DisablePings
	}
	if opts.DisableSniffOnConnectionFailure != nil {
		bound.DisableSniffOnConnectionFailure = *opts.DisableSniffOnConnectionFailure
	}
	if opts.SniffOnStaleCluster != nil {
		bound.SniffOnStaleCluster = *opts.SniffOnStaleCluster
	}
	if opts.ThrowExceptions != nil {
		bound.ThrowExceptions = *opts.ThrowExceptions
	}
	if opts.DisableDirectStreaming != nil {
		bound.DisableDirectStreaming = *opts.DisableDirectStreaming
	}
	if opts.HttpCompression != nil {
		bound.HttpCompression = *opts.HttpCompression
	}
	if opts.AuthenticationHeader != nil {
		bound.AuthenticationHeader = *opts.AuthenticationHeader
	}
	return &bound
}

// buildHeaders assembles the per-call header set the invoker merges onto
// the outgoing request: the product's meta headers, then any per-call
// override headers from opts.
func (t *Transport) buildHeaders(opts *RequestOptions) http.Header {
	h := make(http.Header)
	for _, producer := range t.Product.MetaHeaderProducers() {
		h.Set(producer.HeaderName(), producer.ProduceHeaderValue())
	}
	if opts != nil {
		for k, vs := range opts.Headers {
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	return h
}

// Request performs one logical call and deserializes its body into T. It
// constructs a [*RequestPipeline] scoped to this single call, runs it,
// and attaches product OpenTelemetry attributes to the context's active
// span when [Transport.Tracer] is set.
func Request[T any](ctx context.Context, t *Transport, method HttpMethod, path string, body PostData, opts *RequestOptions) (*TransportResponse[T], error) {
	return doRequest[T](ctx, t, method, path, body, opts, false)
}

// RequestStream is [Request]'s stream-like counterpart: the response
// factory leaves the underlying stream open for the caller to read
// instead of deserializing it. T is typically a placeholder type the
// caller never inspects; use [TransportResponse.Stream] to read the
// body.
func RequestStream[T any](ctx context.Context, t *Transport, method HttpMethod, path string, body PostData, opts *RequestOptions) (*TransportResponse[T], error) {
	return doRequest[T](ctx, t, method, path, body, opts, true)
}

func doRequest[T any](ctx context.Context, t *Transport, method HttpMethod, path string, body PostData, opts *RequestOptions, streamLike bool) (*TransportResponse[T], error) {
	cfg := t.mergeConfig(opts)
	headers := t.buildHeaders(opts)

	pipeline := &RequestPipeline{
		Pool:    t.Pool,
		Product: t.Product,
		Invoker: t.Invoker,
		Factory: NewResponseFactory(cfg),
		Cfg:     cfg,
	}

	resp, err := Execute[T](ctx, pipeline, method, path, body, headers, streamLike)
	if resp != nil {
		t.attachSpanAttributes(ctx, resp.ApiCallDetails)
	}
	return resp, err
}

// attachSpanAttributes sets product-derived OpenTelemetry attributes on
// ctx's active span, a best-effort diagnostic aid that never affects
// pipeline control flow.
func (t *Transport) attachSpanAttributes(ctx context.Context, details ApiCallDetails) {
	if t.Tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := map[string]string{}
	for k, v := range t.Product.DefaultOpenTelemetryAttributes() {
		attrs[k] = v
	}
	for k, v := range t.Product.ParseOpenTelemetryAttributesFromApiCallDetails(details) {
		attrs[k] = v
	}
	if len(attrs) == 0 {
		return
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	span.SetAttributes(kvs...)
}

// Get, Head, Post, Put and Delete are thin convenience wrappers around
// [Request] for the corresponding HTTP method.
func Get[T any](ctx context.Context, t *Transport, path string, opts *RequestOptions) (*TransportResponse[T], error) {
	return Request[T](ctx, t, MethodGet, path, nil, opts)
}

func Head[T any](ctx context.Context, t *Transport, path string, opts *RequestOptions) (*TransportResponse[T], error) {
	return Request[T](ctx, t, MethodHead, path, nil, opts)
}

func Post[T any](ctx context.Context, t *Transport, path string, body PostData, opts *RequestOptions) (*TransportResponse[T], error) {
	return Request[T](ctx, t, MethodPost, path, body, opts)
}

func Put[T any](ctx context.Context, t *Transport, path string, body PostData, opts *RequestOptions) (*TransportResponse[T], error) {
	return Request[T](ctx, t, MethodPut, path, body, opts)
}

func Delete[T any](ctx context.Context, t *Transport, path string, opts *RequestOptions) (*TransportResponse[T], error) {
	return Request[T](ctx, t, MethodDelete, path, nil, opts)
}

// Stats reports the underlying [RequestInvoker]'s handler-cache occupancy.
func (t *Transport) Stats() InvokerStats {
	return t.Invoker.Stats()
}
