// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"
)

// ApiCallDetails is produced once per logical call. It is attached to
// every [TransportResponse], successful or not.
type ApiCallDetails struct {
	Method   HttpMethod
	URI      string
	Node     *Node

	// CallID correlates this call's details with its [AuditTrail] and
	// with the log lines [RequestPipeline] emitted while serving it.
	CallID string

	HasResponse           bool
	StatusCode            int
	ResponseMimeType      string
	ResponseContentLength int64
	Headers               http.Header

	HasSuccessfulStatusCode bool
	HasExpectedContentType  bool

	RequestBodyInBytes  []byte
	ResponseBodyInBytes []byte

	OriginalException error
	ServerError       ServerError

	Audit    *AuditTrail
	Started  time.Time
	Duration time.Duration
}

// TransportResponse is the outcome of one logical call, parameterized over
// the deserialized body type.
type TransportResponse[T any] struct {
	ApiCallDetails ApiCallDetails
	Body           T

	leaveOpen bool
	stream    io.ReadCloser
}

// Success reports whether the call produced a response with a
// product-classified successful status code.
func (r *TransportResponse[T]) Success() bool {
	return r.ApiCallDetails.HasSuccessfulStatusCode
}

// LeaveOpen reports whether the caller owns the raw response stream
// (stream-like responses); when false, the stream was already consumed
// and released before the response was returned.
func (r *TransportResponse[T]) LeaveOpen() bool {
	return r.leaveOpen
}

// Stream returns the raw response body when [TransportResponse.LeaveOpen]
// is true, nil otherwise.
func (r *TransportResponse[T]) Stream() io.ReadCloser {
	return r.stream
}

// Close releases the underlying stream, if any. Safe to call even when
// LeaveOpen is false (a no-op in that case), and safe to call more than
// once.
func (r *TransportResponse[T]) Close() error {
	if r.stream == nil {
		return nil
	}
	s := r.stream
	r.stream = nil
	return s.Close()
}

// ServerError is a product-specific error body. The core treats it
// opaquely except for [ServerError.HasError] and its string form.
type ServerError interface {
	HasError() bool
	String() string
}

// ResponseFactory builds a [TransportResponse] from a raw [RequestOutcome].
//
// All fields are safe to modify after construction but before first use.
type ResponseFactory struct {
	// Serializer deserializes response bodies into the caller's type.
	Serializer Serializer

	// DisableDirectStreaming captures the raw response bytes onto
	// [ApiCallDetails.ResponseBodyInBytes] for diagnostics.
	DisableDirectStreaming bool

	// HeadersToParse is the allow-list of response headers to copy onto
	// [ApiCallDetails.Headers], unless ParseAllHeaders is set.
	HeadersToParse []string

	// ParseAllHeaders overrides HeadersToParse and copies every header.
	ParseAllHeaders bool

	// SkipDeserializationForStatusCodes lists statuses whose body is never
	// deserialized, regardless of content type.
	SkipDeserializationForStatusCodes []int
}

// NewResponseFactory returns a [*ResponseFactory] configured from cfg.
func NewResponseFactory(cfg *Config) *ResponseFactory {
	return &ResponseFactory{
		Serializer:                        cfg.Serializer,
		DisableDirectStreaming:            cfg.DisableDirectStreaming,
		HeadersToParse:                    cfg.ResponseHeadersToParse,
		ParseAllHeaders:                   cfg.ParseAllHeaders,
		SkipDeserializationForStatusCodes: cfg.SkipDeserializationForStatusCodes,
	}
}

// BuildParams bundles the per-call inputs to [BuildResponse] that aren't
// carried by the [*RequestOutcome] itself.
type BuildParams struct {
	Method     HttpMethod
	URI        string
	Node       *Node
	Product    ProductRegistration
	StreamLike bool
	Started    time.Time
	Now        func() time.Time
	Audit      *AuditTrail
}

// BuildResponse converts outcome (or outcomeErr, if the invoker failed
// outright) into a [*TransportResponse], deserializing into T unless the
// call requested a stream-like response or the algorithm decides to skip
// the body.
//
// Exactly one of outcome, outcomeErr is expected to carry the result; when
// outcomeErr is non-nil, outcome's body (if any) has already been closed
// by the caller and is not touched here.
func BuildResponse[T any](f *ResponseFactory, outcome *RequestOutcome, outcomeErr error, p BuildParams) *TransportResponse[T] {
	details := ApiCallDetails{
		Method:            p.Method,
		URI:               p.URI,
		Node:              p.Node,
		OriginalException: outcomeErr,
		Audit:             p.Audit,
		Started:           p.Started,
	}
	if p.Audit != nil {
		details.CallID = p.Audit.CallID
	}
	defer func() { details.Duration = p.Now().Sub(p.Started) }()

	if outcomeErr != nil || outcome == nil {
		return &TransportResponse[T]{ApiCallDetails: details}
	}

	details.HasResponse = true
	details.StatusCode = outcome.StatusCode
	details.ResponseContentLength = contentLength(outcome.Header)
	details.Headers = f.parseHeaders(outcome.Header)
	details.ResponseMimeType = mimeType(outcome.Header.Get("Content-Type"))
	details.HasSuccessfulStatusCode = p.Product.HTTPStatusCodeClassifier(p.Method, outcome.StatusCode)
	details.HasExpectedContentType = mimeStartsWith(details.ResponseMimeType, p.Product.DefaultContentType())

	if f.DisableDirectStreaming && outcome.RequestBodyBytes != nil {
		details.RequestBodyInBytes = outcome.RequestBodyBytes
	}

	skip := outcome.Body == nil ||
		details.ResponseContentLength == 0 ||
		p.Method == MethodHead ||
		containsInt(f.SkipDeserializationForStatusCodes, outcome.StatusCode)

	if skip {
		if outcome.Body != nil {
			outcome.Body.Close()
		}
		return &TransportResponse[T]{ApiCallDetails: details}
	}

	if p.StreamLike {
		return &TransportResponse[T]{ApiCallDetails: details, leaveOpen: true, stream: outcome.Body}
	}
	defer outcome.Body.Close()

	// The error-parse attempt needs a seekable view of the body so a
	// failed parse can fall through to normal deserialization; buffer it
	// once up front whenever that path might run.
	var bodyReader io.Reader = outcome.Body
	var buffered []byte
	if !details.HasSuccessfulStatusCode {
		raw, err := io.ReadAll(outcome.Body)
		if err != nil {
			details.OriginalException = err
			return &TransportResponse[T]{ApiCallDetails: details}
		}
		buffered = raw

		if serverErr, ok := p.Product.ParseServerError(raw); ok && serverErr.HasError() {
			details.ServerError = serverErr
		}
		bodyReader = bytes.NewReader(raw)
	}

	if f.DisableDirectStreaming {
		if buffered == nil {
			raw, err := io.ReadAll(bodyReader)
			if err != nil {
				details.OriginalException = err
				return &TransportResponse[T]{ApiCallDetails: details}
			}
			buffered = raw
		}
		details.ResponseBodyInBytes = buffered
		bodyReader = bytes.NewReader(buffered)
	}

	var body T
	if f.Serializer != nil {
		if err := f.Serializer.Deserialize(bodyReader, &body); err != nil {
			details.OriginalException = err
		}
	}

	return &TransportResponse[T]{ApiCallDetails: details, Body: body}
}

func (f *ResponseFactory) parseHeaders(h http.Header) http.Header {
	if f.ParseAllHeaders {
		return h.Clone()
	}
	out := make(http.Header, len(f.HeadersToParse))
	for _, name := range f.HeadersToParse {
		if v := h.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

func contentLength(h http.Header) int64 {
	if h.Get("Transfer-Encoding") == "chunked" {
		return -1
	}
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// mimeType returns the media type portion of a Content-Type header value,
// dropping any parameters.
func mimeType(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(contentType)
}

func mimeStartsWith(mime, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.EqualFold(mime, prefix) || strings.HasPrefix(strings.ToLower(mime), strings.ToLower(prefix))
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
