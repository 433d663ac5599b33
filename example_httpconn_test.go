// SPDX-License-Identifier: GPL-3.0-or-later

package transport_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/nodalio/transport"
)

// This example shows how a [transport.RequestInvoker] performs a single
// HTTP exchange against one node: it dials, sends the request, and
// returns the response headers immediately while the body stays a stream.
func Example_requestInvokerRoundTrip() {
	// Stand in for one cluster node with a minimal HTTP server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Found-Handling-Cluster", "example-cluster")
		fmt.Fprint(w, `{"status":"green"}`)
	}))
	defer srv.Close()

	// Caller controls timeout externally - the invoker never modifies the context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := transport.NewConfig()
	invoker := transport.NewHTTPRequestInvoker(transport.DefaultSLogger())

	node := transport.NewNode(runtimex.PanicOnError1(url.Parse(srv.URL)))
	endpoint := transport.Endpoint{Method: transport.MethodGet, PathAndQuery: "/_cluster/health", Node: node}

	outcome := runtimex.PanicOnError1(invoker.Invoke(ctx, endpoint, nil, http.Header{}, cfg))
	defer outcome.Body.Close()

	body := runtimex.PanicOnError1(io.ReadAll(outcome.Body))
	fmt.Printf("%d %s %s\n", outcome.StatusCode, outcome.Header.Get("X-Found-Handling-Cluster"), body)

	// Output:
	// 200 example-cluster {"status":"green"}
}
