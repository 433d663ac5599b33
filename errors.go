// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an invalid construction-time input, raised
// synchronously before any I/O, never retried.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "transport: invalid configuration: " + e.Msg
}

// AttemptError pairs a per-node failure with the node it occurred on, for
// aggregation in [PoolExhaustedError].
type AttemptError struct {
	Node *Node
	Err  error
}

func (a AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", a.Node.URI, a.Err)
}

// RequestFailedError is returned instead of a response when
// [Config.ThrowExceptions] promotes a non-success terminal to an error.
type RequestFailedError struct {
	Details ApiCallDetails
	Reason  string
}

func (e *RequestFailedError) Error() string {
	msg := fmt.Sprintf("transport: request failed with status %d", e.Details.StatusCode)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PoolExhaustedError is returned (or wrapped into the synthetic failure
// response) when every attempted node failed and [Config.ThrowExceptions]
// promotes the terminal to an error.
type PoolExhaustedError struct {
	Attempts []AttemptError
}

func (e *PoolExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "transport: no nodes were attempted"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "transport: all nodes failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the underlying per-node errors to [errors.Is]/[errors.As].
func (e *PoolExhaustedError) Unwrap() []error {
	out := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Err
	}
	return out
}
