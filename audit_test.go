// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuditTrailDebugInformationEmpty(t *testing.T) {
	var trail AuditTrail
	assert.Equal(t, "(no audit events recorded)", trail.DebugInformation())
}

func TestAuditTrailAppendAndDebugInformation(t *testing.T) {
	node := NewNode(&url.URL{Scheme: "http", Host: "es1:9200"})
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	var trail AuditTrail
	trail.Append(AuditEvent{Kind: AuditSniffOnStartup, Timestamp: ts})
	trail.Append(AuditEvent{
		Kind:      AuditPingFailure,
		Node:      node,
		Timestamp: ts.Add(time.Millisecond),
		Duration:  2 * time.Millisecond,
		Exception: errors.New("connection refused"),
	})

	assert.Len(t, trail.Events(), 2)

	debug := trail.DebugInformation()
	assert.Contains(t, debug, "SniffOnStartup")
	assert.Contains(t, debug, "PingFailure")
	assert.Contains(t, debug, "es1:9200")
	assert.Contains(t, debug, "connection refused")
}

func TestAuditEventKindString(t *testing.T) {
	assert.Equal(t, "HealthyResponse", AuditHealthyResponse.String())
	assert.Equal(t, "Unknown", AuditEventKind(999).String())
}
