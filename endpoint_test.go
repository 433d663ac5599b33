// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	u, err := url.Parse("http://10.0.0.1:9200")
	require.NoError(t, err)
	node := NewNode(u)

	e := Endpoint{Method: MethodGet, PathAndQuery: "/_cluster/health", Node: node}

	assert.Equal(t, "http://10.0.0.1:9200/_cluster/health", e.URL())
}

func TestEndpointURLFoldsTrailingSlash(t *testing.T) {
	u, err := url.Parse("http://10.0.0.1:9200/")
	require.NoError(t, err)
	node := NewNode(u)

	e := Endpoint{Method: MethodGet, PathAndQuery: "/_search", Node: node}

	assert.Equal(t, "http://10.0.0.1:9200/_search", e.URL())
}

func TestHttpMethodIsIdempotent(t *testing.T) {
	tests := []struct {
		method HttpMethod
		want   bool
	}{
		{MethodGet, true},
		{MethodHead, true},
		{MethodPut, true},
		{MethodDelete, true},
		{MethodPost, false},
		{MethodPatch, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.method.IsIdempotent(), tt.method)
	}
}
