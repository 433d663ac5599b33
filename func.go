// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "context"

// stage is a generic single-purpose step of a per-node attempt pipeline:
// it accepts an input and returns a result or an error, never both.
//
// stage instances compose using compose2/compose4/compose5 into type-safe
// pipelines where the output of one step flows into the next;
// [HTTPRequestInvoker] builds its dial-and-exchange pipeline this way from
// [ConnectFunc], [TLSHandshakeFunc], [ObserveConnFunc] and [HTTPConnFunc].
//
// Resource cleanup contract: when a stage receives a closeable resource as
// input and returns an error, it is responsible for closing that resource
// before returning, so a composed pipeline never leaks a connection on
// partial failure. See [TLSHandshakeFunc] for an example.
type stage[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// stageFunc adapts a plain function to the [stage] interface.
//
// Use this to build ad-hoc stages from closures that do not warrant their
// own named type.
type stageFunc[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [stage].
func (f stageFunc[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
