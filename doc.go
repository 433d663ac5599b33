// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport implements a resilient, product-aware HTTP transport
// for talking to clustered REST services (Elasticsearch and similar).
//
// # Core abstraction
//
// A [Transport] hands every logical call to a [RequestPipeline], which
// asks a [NodePool] for a candidate [Node], executes the exchange through
// a [RequestInvoker], classifies the outcome through a [ProductRegistration],
// and converts it into a typed response via a [ResponseFactory]. Every
// state transition is appended to an [AuditTrail] carried on
// [ApiCallDetails].
//
// # Node pools
//
// [NewSinglePool], [NewStaticPool], [NewSniffingPool] and [NewCloudPool]
// build the four pool shapes described by the data model: a static or
// sniffing pool never exposes dead nodes whose dead-until has not elapsed,
// while a single or cloud pool always yields its one node; a sniffing pool
// reseeds atomically and bumps its generation counter on every reseed.
//
// # Request invocation
//
// [NewHTTPRequestInvoker] performs a single HTTP exchange by composing the
// same low-level primitives this package started from: [ConnectFunc] dials
// the node, [CancelWatchFunc] ties the connection's lifetime to the call's
// context, [ObserveConnFunc] and [HTTPConn] emit structured I/O and
// round-trip events, and an optional [TLSHandshakeFunc] negotiates TLS
// before the HTTP exchange. [InMemoryRequestInvoker] offers a
// response-scripted fake for tests that never touches the network.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible
// with [log/slog]); by default logging is disabled. [ErrClassifier]
// classifies low-level I/O errors into short labels for structured
// logging; whether a failed attempt is retried is decided separately by
// [ClassifyAttemptError]. Each [RequestPipeline.Logger]
// line and every [AuditEvent] on a call's [AuditTrail] carry a shared
// [AuditTrail.CallID], generated once per call via [NewSpanID] by
// [NewAuditTrail], so the two can be correlated after the fact.
//
// # Timeout and cancellation philosophy
//
// Two deadlines apply to every call: the per-attempt [Config.RequestTimeout],
// applied as a derived context around each single exchange, and the
// per-call [Config.MaxRetryTimeout], which dominates retries. Caller
// cancellation propagates to the current suspension point, terminating
// the call without further attempts or sniffs.
//
// # Design boundaries
//
// This package is the request pipeline core. Concrete JSON serialization
// ([Serializer]), configuration-surface sugar, and observability sinks are
// external collaborators the core depends on only through narrow
// interfaces.
package transport
