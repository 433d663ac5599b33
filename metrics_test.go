// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNoopMetricsHookDoesNotPanic(t *testing.T) {
	var h MetricsHook = NoopMetricsHook{}
	node := NewNode(&url.URL{Scheme: "http", Host: "es1:9200"})

	h.AttemptStarted(node, MethodGet)
	h.AttemptFinished(node, MethodGet, 200, ErrorCategoryNone, time.Millisecond)
	h.CallFinished(MethodGet, 1, true, time.Millisecond)
	h.NodeMarkedDead(node, 1)
	h.SniffCompleted(true, 3)
}

func TestPrometheusMetricsHookRecordsAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook := NewPrometheusMetricsHook(reg)
	node := NewNode(&url.URL{Scheme: "http", Host: "es1:9200"})

	hook.AttemptFinished(node, MethodGet, 200, ErrorCategoryNone, 5*time.Millisecond)
	hook.CallFinished(MethodGet, 1, true, 5*time.Millisecond)
	hook.NodeMarkedDead(node, 2)
	hook.SniffCompleted(true, 3)

	metrics, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metrics {
		if mf.GetName() == "transport_attempts_total" {
			found = true
			require.Len(t, mf.Metric, 1)
			require.Equal(t, float64(1), mf.Metric[0].GetCounter().GetValue())
		}
	}
	require.True(t, found, "expected transport_attempts_total to be registered")
}
