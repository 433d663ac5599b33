// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name string `json:"name"`
}

func newTestFactory() *ResponseFactory {
	return &ResponseFactory{
		Serializer:     jsonSerializer,
		HeadersToParse: []string{"X-Found-Handling-Cluster"},
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBuildResponseDeserializesSuccessfulBody(t *testing.T) {
	f := newTestFactory()
	body := `{"name":"cluster-1"}`
	header := http.Header{"Content-Type": {"application/json"}, "Content-Length": {"20"}}

	outcome := &RequestOutcome{StatusCode: 200, Header: header, Body: newStringReader(body)}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodGet,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	require.True(t, resp.Success())
	assert.Equal(t, "cluster-1", resp.Body.Name)
	assert.False(t, resp.LeaveOpen())
	assert.Nil(t, resp.Stream())
}

func TestBuildResponseSkipsBodyForHead(t *testing.T) {
	f := newTestFactory()
	header := http.Header{"Content-Length": {"20"}}
	closed := &closeTrackingReader{stringReadCloser: newStringReader(`{"name":"x"}`)}

	outcome := &RequestOutcome{StatusCode: 200, Header: header, Body: closed}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodHead,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.Empty(t, resp.Body.Name)
	assert.True(t, closed.closed, "body must be closed when the skip path is taken")
}

func TestBuildResponseSkipsBodyForZeroContentLength(t *testing.T) {
	f := newTestFactory()
	header := http.Header{"Content-Length": {"0"}}

	outcome := &RequestOutcome{StatusCode: 204, Header: header, Body: newStringReader("")}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodPost,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.True(t, resp.Success())
	assert.Empty(t, resp.Body.Name)
}

func TestBuildResponseSkipsBodyForConfiguredStatusCode(t *testing.T) {
	f := newTestFactory()
	f.SkipDeserializationForStatusCodes = []int{304}
	header := http.Header{"Content-Length": {"20"}}

	outcome := &RequestOutcome{StatusCode: 304, Header: header, Body: newStringReader(`{"name":"x"}`)}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodGet,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.Empty(t, resp.Body.Name)
}

func TestBuildResponseLeavesStreamOpenForStreamLikeCalls(t *testing.T) {
	f := newTestFactory()
	header := http.Header{"Content-Length": {"20"}}
	body := newStringReader(`{"name":"cluster-1"}`)

	outcome := &RequestOutcome{StatusCode: 200, Header: header, Body: body}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:     MethodGet,
		Product:    DefaultProductRegistration{},
		StreamLike: true,
		Started:    time.Now(),
		Now:        fixedNow(time.Now()),
	})

	require.True(t, resp.LeaveOpen())
	require.NotNil(t, resp.Stream())
	raw, err := io.ReadAll(resp.Stream())
	require.NoError(t, err)
	assert.Equal(t, `{"name":"cluster-1"}`, string(raw))
	assert.NoError(t, resp.Close())
}

func TestBuildResponseParsesProductServerErrorOnFailureStatus(t *testing.T) {
	f := newTestFactory()
	errBody := `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`
	header := http.Header{"Content-Length": {"90"}}

	outcome := &RequestOutcome{StatusCode: 404, Header: header, Body: newStringReader(errBody)}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodGet,
		Product: NewElasticsearchProductRegistration(),
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	require.False(t, resp.Success())
	require.NotNil(t, resp.ApiCallDetails.ServerError)
	assert.True(t, resp.ApiCallDetails.ServerError.HasError())
}

func TestBuildResponseFallsBackToDeserializationWhenErrorBodyDoesNotMatch(t *testing.T) {
	f := newTestFactory()
	body := `{"name":"not-an-error-shape"}`
	header := http.Header{"Content-Length": {"30"}}

	outcome := &RequestOutcome{StatusCode: 500, Header: header, Body: newStringReader(body)}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodGet,
		Product: NewElasticsearchProductRegistration(),
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.Nil(t, resp.ApiCallDetails.ServerError)
	assert.Equal(t, "not-an-error-shape", resp.Body.Name)
}

func TestBuildResponseDisableDirectStreamingCapturesRawBytes(t *testing.T) {
	f := newTestFactory()
	f.DisableDirectStreaming = true
	body := `{"name":"cluster-1"}`
	header := http.Header{"Content-Length": {"20"}}

	outcome := &RequestOutcome{StatusCode: 200, Header: header, Body: newStringReader(body)}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodGet,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.Equal(t, body, string(resp.ApiCallDetails.ResponseBodyInBytes))
	assert.Equal(t, "cluster-1", resp.Body.Name)
}

func TestBuildResponseCarriesInvokerErrorWithoutTouchingOutcome(t *testing.T) {
	f := newTestFactory()
	outcomeErr := assert.AnError

	resp := BuildResponse[testDoc](f, nil, outcomeErr, BuildParams{
		Method:  MethodGet,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.False(t, resp.ApiCallDetails.HasResponse)
	assert.Same(t, outcomeErr, resp.ApiCallDetails.OriginalException)
}

func TestBuildResponseHeadersToParseAllowList(t *testing.T) {
	f := newTestFactory()
	header := http.Header{
		"Content-Length":            {"2"},
		"X-Found-Handling-Cluster":  {"cluster-a"},
		"X-Unrelated":               {"ignored"},
	}
	outcome := &RequestOutcome{StatusCode: 200, Header: header, Body: newStringReader("{}")}
	resp := BuildResponse[testDoc](f, outcome, nil, BuildParams{
		Method:  MethodGet,
		Product: DefaultProductRegistration{},
		Started: time.Now(),
		Now:     fixedNow(time.Now()),
	})

	assert.Equal(t, "cluster-a", resp.ApiCallDetails.Headers.Get("X-Found-Handling-Cluster"))
	assert.Empty(t, resp.ApiCallDetails.Headers.Get("X-Unrelated"))
}

type closeTrackingReader struct {
	*stringReadCloser
	closed bool
}

func (c *closeTrackingReader) Close() error {
	c.closed = true
	return nil
}
