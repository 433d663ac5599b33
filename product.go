// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
)

// MetaHeaderProducer produces one request header advertising client/runtime
// metadata to the remote service.
type MetaHeaderProducer interface {
	HeaderName() string
	ProduceHeaderValue() string
}

type metaHeaderProducerFunc struct {
	name string
	fn   func() string
}

func (m metaHeaderProducerFunc) HeaderName() string        { return m.name }
func (m metaHeaderProducerFunc) ProduceHeaderValue() string { return m.fn() }

// NewMetaHeaderProducer adapts a name and value function into a
// [MetaHeaderProducer].
func NewMetaHeaderProducer(name string, fn func() string) MetaHeaderProducer {
	return metaHeaderProducerFunc{name: name, fn: fn}
}

// ProductRegistration is the abstract strategy the core consumes for
// everything that varies by backend product. A [*Transport] is
// parameterized by exactly one ProductRegistration for its lifetime.
type ProductRegistration interface {
	// Name, ServiceIdentifier and ProductAssemblyVersion identify the
	// product for diagnostics and meta headers.
	Name() string
	ServiceIdentifier() string
	ProductAssemblyVersion() string

	// DefaultContentType is matched against the response MIME type.
	DefaultContentType() string

	// DefaultHeadersToParse seeds [Config.ResponseHeadersToParse] when the
	// caller hasn't overridden it.
	DefaultHeadersToParse() []string

	// SupportsPing and SupportsSniff gate the pipeline's revival-ping and
	// sniff behavior.
	SupportsPing() bool
	SupportsSniff() bool

	// NodePredicate reports whether node may be used to serve API calls.
	NodePredicate(node *Node) bool

	// SniffOrder orders sniff candidates; lower values are tried first.
	SniffOrder(node *Node) int

	// HTTPStatusCodeClassifier reports whether status is a success for
	// method, per this product's conventions.
	HTTPStatusCodeClassifier(method HttpMethod, status int) bool

	// CreatePingEndpoint builds the [Endpoint] used to probe node.
	CreatePingEndpoint(node *Node) Endpoint

	// Ping probes endpoint and returns an error if the node should be
	// considered unreachable.
	Ping(ctx context.Context, invoker RequestInvoker, endpoint Endpoint, cfg *Config) error

	// CreateSniffEndpoint builds the [Endpoint] used to discover topology
	// from node.
	CreateSniffEndpoint(node *Node) Endpoint

	// Sniff queries endpoint and returns the discovered node set. forceSSL
	// overrides the discovered scheme when the pool requires TLS.
	Sniff(ctx context.Context, invoker RequestInvoker, endpoint Endpoint, cfg *Config, forceSSL bool) ([]*Node, error)

	// ParseServerError attempts to extract a product-specific error body.
	// ok is false when body doesn't match the product's error shape.
	ParseServerError(body []byte) (serverErr ServerError, ok bool)

	// TryGetServerErrorReason extracts a human-readable reason from the
	// server error carried by details, for diagnostics. ok is false when
	// details carries no recognizable server error.
	TryGetServerErrorReason(details ApiCallDetails) (reason string, ok bool)

	// MetaHeaderProducers returns the client-metadata headers to attach to
	// every request.
	MetaHeaderProducers() []MetaHeaderProducer

	// DefaultOpenTelemetryAttributes seeds span attributes before a call
	// starts.
	DefaultOpenTelemetryAttributes() map[string]string

	// ParseOpenTelemetryAttributesFromApiCallDetails derives span
	// attributes from a completed call.
	ParseOpenTelemetryAttributesFromApiCallDetails(details ApiCallDetails) map[string]string
}

// DefaultProductRegistration is a [ProductRegistration] that supports
// neither ping nor sniff and accepts any 2xx status as successful.
type DefaultProductRegistration struct{}

var _ ProductRegistration = DefaultProductRegistration{}

func (DefaultProductRegistration) Name() string                 { return "default" }
func (DefaultProductRegistration) ServiceIdentifier() string     { return "" }
func (DefaultProductRegistration) ProductAssemblyVersion() string { return "" }
func (DefaultProductRegistration) DefaultContentType() string    { return "application/json" }
func (DefaultProductRegistration) DefaultHeadersToParse() []string { return nil }
func (DefaultProductRegistration) SupportsPing() bool            { return false }
func (DefaultProductRegistration) SupportsSniff() bool           { return false }
func (DefaultProductRegistration) NodePredicate(*Node) bool      { return true }
func (DefaultProductRegistration) SniffOrder(*Node) int          { return 0 }

func (DefaultProductRegistration) HTTPStatusCodeClassifier(_ HttpMethod, status int) bool {
	return status >= 200 && status < 300
}

func (DefaultProductRegistration) CreatePingEndpoint(node *Node) Endpoint {
	return Endpoint{Method: MethodHead, PathAndQuery: "/", Node: node}
}

func (DefaultProductRegistration) Ping(context.Context, RequestInvoker, Endpoint, *Config) error {
	return errors.New("transport: ping is not supported by this product registration")
}

func (DefaultProductRegistration) CreateSniffEndpoint(node *Node) Endpoint {
	return Endpoint{Method: MethodGet, PathAndQuery: "/", Node: node}
}

func (DefaultProductRegistration) Sniff(context.Context, RequestInvoker, Endpoint, *Config, bool) ([]*Node, error) {
	return nil, errors.New("transport: sniff is not supported by this product registration")
}

func (DefaultProductRegistration) ParseServerError([]byte) (ServerError, bool) { return nil, false }

func (DefaultProductRegistration) TryGetServerErrorReason(ApiCallDetails) (string, bool) {
	return "", false
}
func (DefaultProductRegistration) MetaHeaderProducers() []MetaHeaderProducer   { return nil }
func (DefaultProductRegistration) DefaultOpenTelemetryAttributes() map[string]string {
	return nil
}
func (DefaultProductRegistration) ParseOpenTelemetryAttributesFromApiCallDetails(ApiCallDetails) map[string]string {
	return nil
}

// ElasticsearchProductRegistration is the Elasticsearch-style
// [ProductRegistration]: it supports ping and sniff, advertises a
// vendor-specific content type, and prefers master-eligible nodes when
// ordering sniff candidates.
type ElasticsearchProductRegistration struct {
	// AssemblyVersion is the client library version advertised in the
	// meta header; empty is rendered as "0.0.0".
	AssemblyVersion string
}

var _ ProductRegistration = (*ElasticsearchProductRegistration)(nil)

// NewElasticsearchProductRegistration returns a new
// [*ElasticsearchProductRegistration].
func NewElasticsearchProductRegistration() *ElasticsearchProductRegistration {
	return &ElasticsearchProductRegistration{}
}

func (p *ElasticsearchProductRegistration) Name() string             { return "elasticsearch" }
func (p *ElasticsearchProductRegistration) ServiceIdentifier() string { return "es" }

func (p *ElasticsearchProductRegistration) ProductAssemblyVersion() string {
	if p.AssemblyVersion == "" {
		return "0.0.0"
	}
	return p.AssemblyVersion
}

func (p *ElasticsearchProductRegistration) DefaultContentType() string {
	return "application/vnd.elasticsearch+json"
}

func (p *ElasticsearchProductRegistration) DefaultHeadersToParse() []string {
	return []string{"Warning", "X-Found-Handling-Cluster", "X-Elastic-Product"}
}

func (p *ElasticsearchProductRegistration) SupportsPing() bool  { return true }
func (p *ElasticsearchProductRegistration) SupportsSniff() bool { return true }

func (p *ElasticsearchProductRegistration) NodePredicate(node *Node) bool {
	return node.HasCapability(CapabilityHTTP)
}

// SniffOrder prefers master-eligible nodes, matching the official clients'
// bias toward stable coordinating nodes.
func (p *ElasticsearchProductRegistration) SniffOrder(node *Node) int {
	if node.HasCapability(CapabilityMasterEligible) {
		return 0
	}
	return 1
}

func (p *ElasticsearchProductRegistration) HTTPStatusCodeClassifier(_ HttpMethod, status int) bool {
	return status >= 200 && status < 300
}

func (p *ElasticsearchProductRegistration) CreatePingEndpoint(node *Node) Endpoint {
	return Endpoint{Method: MethodHead, PathAndQuery: "/", Node: node}
}

func (p *ElasticsearchProductRegistration) Ping(ctx context.Context, invoker RequestInvoker, endpoint Endpoint, cfg *Config) error {
	outcome, err := invoker.Invoke(ctx, endpoint, nil, http.Header{}, cfg)
	if err != nil {
		return err
	}
	if outcome.Body != nil {
		defer outcome.Body.Close()
	}
	if outcome.StatusCode < 200 || outcome.StatusCode >= 300 {
		return fmt.Errorf("transport: ping against %s returned status %d", endpoint.Node.URI, outcome.StatusCode)
	}
	return nil
}

func (p *ElasticsearchProductRegistration) CreateSniffEndpoint(node *Node) Endpoint {
	return Endpoint{Method: MethodGet, PathAndQuery: "/_nodes/http", Node: node}
}

// esSniffResponse is the shape of Elasticsearch's `GET /_nodes/http`
// response relevant to topology discovery. This wire format is a product
// protocol detail, independent of the caller's configured [Serializer].
type esSniffResponse struct {
	ClusterName string                  `json:"cluster_name"`
	Nodes       map[string]esSniffNode  `json:"nodes"`
}

type esSniffNode struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Roles   []string        `json:"roles"`
	HTTP    *esSniffNodeHTTP `json:"http"`
}

type esSniffNodeHTTP struct {
	PublishAddress string `json:"publish_address"`
}

// Sniff queries endpoint's `_nodes/http` and turns the result into a fresh
// node set, preserving role information as [Capability] entries.
func (p *ElasticsearchProductRegistration) Sniff(ctx context.Context, invoker RequestInvoker, endpoint Endpoint, cfg *Config, forceSSL bool) ([]*Node, error) {
	outcome, err := invoker.Invoke(ctx, endpoint, nil, http.Header{}, cfg)
	if err != nil {
		return nil, err
	}
	defer outcome.Body.Close()
	if outcome.StatusCode < 200 || outcome.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: sniff against %s returned status %d", endpoint.Node.URI, outcome.StatusCode)
	}

	var parsed esSniffResponse
	if err := json.NewDecoder(outcome.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport: decoding sniff response: %w", err)
	}

	scheme := "http"
	if forceSSL {
		scheme = "https"
	}

	nodes := make([]*Node, 0, len(parsed.Nodes))
	for id, n := range parsed.Nodes {
		if n.HTTP == nil || n.HTTP.PublishAddress == "" {
			continue
		}
		u, err := url.Parse(scheme + "://" + n.HTTP.PublishAddress)
		if err != nil {
			continue
		}
		node := NewNode(u)
		caps := map[Capability]bool{CapabilityHTTP: true}
		for _, role := range n.Roles {
			switch role {
			case "data":
				caps[CapabilityData] = true
			case "master":
				caps[CapabilityMasterEligible] = true
			case "ingest":
				caps[CapabilityIngest] = true
			}
		}
		node.setMeta(id, n.Name, n.Version, caps)
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		return nil, errors.New("transport: sniff response contained no usable nodes")
	}
	return nodes, nil
}

// elasticsearchServerError is the `{"error": {...}, "status": ...}` shape
// Elasticsearch returns on non-success responses.
type elasticsearchServerError struct {
	ErrorType string `json:"type"`
	Reason    string `json:"reason"`
	Status    int    `json:"status"`
}

func (e *elasticsearchServerError) HasError() bool {
	return e.ErrorType != "" || e.Reason != ""
}

func (e *elasticsearchServerError) String() string {
	return fmt.Sprintf("elasticsearch: %s: %s (status %d)", e.ErrorType, e.Reason, e.Status)
}

// ParseServerError decodes the Elasticsearch `{"error": {"type", "reason"}, "status"}`
// error envelope. ok is false when body doesn't parse as that shape.
func (p *ElasticsearchProductRegistration) ParseServerError(body []byte) (ServerError, bool) {
	var envelope struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
		Status int `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false
	}
	if envelope.Error.Type == "" && envelope.Error.Reason == "" {
		return nil, false
	}
	return &elasticsearchServerError{
		ErrorType: envelope.Error.Type,
		Reason:    envelope.Error.Reason,
		Status:    envelope.Status,
	}, true
}

// TryGetServerErrorReason renders the error envelope parsed by
// [ElasticsearchProductRegistration.ParseServerError], if any.
func (p *ElasticsearchProductRegistration) TryGetServerErrorReason(details ApiCallDetails) (string, bool) {
	if details.ServerError == nil || !details.ServerError.HasError() {
		return "", false
	}
	return details.ServerError.String(), true
}

// MetaHeaderProducers advertises client/runtime versions on every request,
// following the `x-elastic-client-meta` convention shared by Elastic's
// official clients.
func (p *ElasticsearchProductRegistration) MetaHeaderProducers() []MetaHeaderProducer {
	return []MetaHeaderProducer{
		NewMetaHeaderProducer("x-elastic-client-meta", func() string {
			return fmt.Sprintf("es=%s,go=%s", p.ProductAssemblyVersion(), strings.TrimPrefix(runtime.Version(), "go"))
		}),
	}
}

func (p *ElasticsearchProductRegistration) DefaultOpenTelemetryAttributes() map[string]string {
	return map[string]string{"db.system": "elasticsearch"}
}

func (p *ElasticsearchProductRegistration) ParseOpenTelemetryAttributesFromApiCallDetails(details ApiCallDetails) map[string]string {
	attrs := map[string]string{"db.system": "elasticsearch"}
	if details.Node != nil {
		attrs["server.address"] = details.Node.URI.Hostname()
		attrs["server.port"] = details.Node.URI.Port()
	}
	if details.HasResponse {
		attrs["http.response.status_code"] = strconv.Itoa(details.StatusCode)
	}
	return attrs
}

// ParseCloudID parses an Elastic Cloud ID ("name:base64(domain$esUUID$kibanaUUID)")
// into the URI of its Elasticsearch endpoint, for use with [NewCloudPool].
func ParseCloudID(cloudID string) (*url.URL, error) {
	parts := strings.SplitN(cloudID, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, &ConfigurationError{Msg: "invalid cloud id: missing ':' separator"}
	}

	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, &ConfigurationError{Msg: "invalid cloud id: " + err.Error()}
	}

	segments := strings.Split(string(decoded), "$")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return nil, &ConfigurationError{Msg: "invalid cloud id: malformed payload"}
	}

	domain, esUUID := segments[0], segments[1]
	return url.Parse(fmt.Sprintf("https://%s.%s", esUUID, domain))
}
