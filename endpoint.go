// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "strings"

// HttpMethod is an HTTP request method.
type HttpMethod string

// The HTTP methods the pipeline knows about. IsIdempotent uses this set to
// decide whether a non-success response is eligible for retry.
const (
	MethodGet    HttpMethod = "GET"
	MethodHead   HttpMethod = "HEAD"
	MethodPost   HttpMethod = "POST"
	MethodPut    HttpMethod = "PUT"
	MethodDelete HttpMethod = "DELETE"
	MethodPatch  HttpMethod = "PATCH"
)

// IsIdempotent reports whether the method is safe to retry against a
// different node without risking a duplicate side effect.
func (m HttpMethod) IsIdempotent() bool {
	switch m {
	case MethodGet, MethodHead, MethodPut, MethodDelete:
		return true
	default:
		return false
	}
}

// Endpoint identifies where a single pipeline attempt is sent: a method and
// path bound to one [Node]. A pipeline iteration rebinds Node on every
// attempt while Method and PathAndQuery stay fixed for the logical call.
type Endpoint struct {
	// Method is the HTTP method for this attempt.
	Method HttpMethod

	// PathAndQuery is the request path plus any query string, always
	// starting with "/".
	PathAndQuery string

	// Node is the node this attempt targets.
	Node *Node
}

// URL returns the full request URL for this endpoint against its node. A
// trailing slash on the node's root path folds into PathAndQuery's leading
// one.
func (e Endpoint) URL() string {
	return strings.TrimSuffix(e.Node.URI.String(), "/") + e.PathAndQuery
}
