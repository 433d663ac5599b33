// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"net"
	"time"
)

// Dialer abstracts [*net.Dialer] so tests can substitute a fake, exactly
// as [ConnectFunc] depends on it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds process-wide configuration shared by every call a
// [Transport] makes. Pass it to [NewTransport]; all fields have sensible
// defaults set by [NewConfig] and are safe to modify after construction
// but before the transport is used. Fields must not be mutated
// concurrently with in-flight calls.
type Config struct {
	// Dialer is used to establish the underlying connection for each
	// attempt. Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies low-level I/O errors for structured
	// logging. Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time (configurable for testing). Set
	// by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration

	// PingTimeout bounds a single ping request issued on node revival.
	PingTimeout time.Duration

	// MaxRetryTimeout bounds the entire logical call across every
	// attempt. Defaults to RequestTimeout.
	MaxRetryTimeout time.Duration

	// MaxRetries caps the number of attempts beyond the first. A value
	// of -1 means "use the pool-size-derived default" computed per
	// call: poolSize-1 for static/sniffing pools, 0 for a single-node
	// pool.
	MaxRetries int

	// DeadTimeout is the base back-off duration a failed node is marked
	// dead for; see [Node] liveness.
	DeadTimeout time.Duration

	// MaxDeadTimeout caps the exponential back-off applied to repeatedly
	// failing nodes.
	MaxDeadTimeout time.Duration

	// SniffLifespan is how long a sniffing pool's topology is considered
	// fresh before a stale-cluster sniff is triggered.
	SniffLifespan time.Duration

	// DisablePings disables ping-on-revival for resurrecting nodes.
	DisablePings bool

	// DisableSniffOnStartup disables the first-call sniff.
	DisableSniffOnStartup bool

	// DisableSniffOnConnectionFailure disables sniffing after a
	// transient attempt failure.
	DisableSniffOnConnectionFailure bool

	// SniffOnStaleCluster enables sniffing when pool age exceeds
	// SniffLifespan.
	SniffOnStaleCluster bool

	// ThrowExceptions promotes pool-exhausted and non-success terminals
	// to errors instead of returning a failure response.
	ThrowExceptions bool

	// HttpCompression enables gzip-compressed request bodies.
	HttpCompression bool

	// TransferEncodingChunked streams the request body with chunked
	// transfer encoding instead of a Content-Length header.
	TransferEncodingChunked bool

	// DisableDirectStreaming buffers request and response bodies so
	// they can be captured onto [ApiCallDetails] for diagnostics.
	DisableDirectStreaming bool

	// DisableAutomaticProxyDetection disables environment-based proxy
	// discovery. The invoker never reads proxy settings from the
	// environment, so only ProxyAddress selects a proxy; this flag is
	// still part of the handler key.
	DisableAutomaticProxyDetection bool

	// ConnectionLimit caps the connections concurrently open through one
	// shared handler (one equal-configuration class; see [InvokerStats]).
	// Zero means unlimited.
	ConnectionLimit int

	// ProxyAddress, ProxyUsername, ProxyPassword configure an explicit
	// upstream proxy. ProxyAddress empty means no explicit proxy.
	ProxyAddress  string
	ProxyUsername string
	ProxyPassword string

	// CertificateFingerprint, when non-empty, pins the expected SHA-256
	// fingerprint (hex) of the node's leaf certificate.
	CertificateFingerprint string

	// ClientCertificates are presented during the TLS handshake for
	// mutual TLS.
	ClientCertificates []tls.Certificate

	// ServerCertificateValidationCallback, if set, overrides the default
	// certificate verification with a caller-supplied check of the leaf
	// certificate's raw DER bytes.
	ServerCertificateValidationCallback func(leaf []byte) error

	// AuthenticationHeader is the default Authorization header value
	// (e.g. "ApiKey ...", "Basic ..."), used when neither an explicit
	// per-request header nor URI user-info is present.
	AuthenticationHeader string

	// ResponseHeadersToParse is the allow-list of response header names
	// captured onto [ApiCallDetails.Headers].
	ResponseHeadersToParse []string

	// ParseAllHeaders overrides ResponseHeadersToParse and captures
	// every response header.
	ParseAllHeaders bool

	// SkipDeserializationForStatusCodes lists status codes whose body is
	// never deserialized.
	SkipDeserializationForStatusCodes []int

	// RetryableStatusCodes are non-success statuses eligible for retry
	// when the product classifier rejects them and the method is
	// idempotent.
	RetryableStatusCodes []int

	// Serializer (de)serializes response bodies. Set by [NewConfig] to
	// nil; a [Transport] without one can only use stream-like responses.
	Serializer Serializer

	// MemoryStreamFactory produces reusable buffers for body capture.
	// Set by [NewConfig] to [NewBytePoolMemoryStreamFactory].
	MemoryStreamFactory MemoryStreamFactory

	// MetricsHook observes pipeline-level counters. Set by [NewConfig]
	// to [NoopMetricsHook].
	MetricsHook MetricsHook
}

// NewConfig returns a [*Config] with sensible production defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:                            &net.Dialer{},
		ErrClassifier:                      DefaultErrClassifier,
		TimeNow:                            time.Now,
		RequestTimeout:                     60 * time.Second,
		PingTimeout:                        2 * time.Second,
		MaxRetryTimeout:                    60 * time.Second,
		MaxRetries:                         -1,
		DeadTimeout:                        60 * time.Second,
		MaxDeadTimeout:                     30 * time.Minute,
		SniffLifespan:                      0,
		ResponseHeadersToParse:             []string{"Warning", "X-Found-Handling-Cluster"},
		SkipDeserializationForStatusCodes:  []int{204, 304},
		RetryableStatusCodes:               []int{502, 503, 504},
		MemoryStreamFactory:                NewBytePoolMemoryStreamFactory(),
		MetricsHook:                        NoopMetricsHook{},
	}
}

// tlsConfig builds the [*tls.Config] for a TLS handshake against
// serverName, wiring CertificateFingerprint/ServerCertificateValidationCallback
// as a custom verifier when configured.
func (c *Config) tlsConfig(serverName string) *tls.Config {
	cfg := &tls.Config{ServerName: serverName, Certificates: c.ClientCertificates}

	switch {
	case c.CertificateFingerprint != "":
		want := c.CertificateFingerprint
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("transport: no peer certificate presented")
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != want {
				return errors.New("transport: certificate fingerprint mismatch")
			}
			return nil
		}
	case c.ServerCertificateValidationCallback != nil:
		cb := c.ServerCertificateValidationCallback
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("transport: no peer certificate presented")
			}
			return cb(rawCerts[0])
		}
	}
	return cfg
}
