//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.0/internal/x/dslx/fxasync.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.0/internal/x/dslx/fxcore.go
//

package transport

import "context"

// compose2 chains two [stage] instances together into a pipeline.
//
// The output of op1 becomes the input to op2. If op1 returns an error,
// op2 is not called and the error is returned immediately.
func compose2[A, B, C any](op1 stage[A, B], op2 stage[B, C]) stage[A, C] {
	return &composed2[A, B, C]{op1, op2}
}

type composed2[A, B, C any] struct {
	op1 stage[A, B]
	op2 stage[B, C]
}

func (c *composed2[A, B, C]) Call(ctx context.Context, input A) (C, error) {
	res, err := c.op1.Call(ctx, input)
	if err != nil {
		var zero C
		return zero, err
	}
	return c.op2.Call(ctx, res)
}

// compose4 chains four [stage] instances together.
func compose4[A, B, C, D, E any](op1 stage[A, B], op2 stage[B, C], op3 stage[C, D], op4 stage[D, E]) stage[A, E] {
	return compose2(op1, compose2(op2, compose2(op3, op4)))
}

// compose5 chains five [stage] instances together. [HTTPRequestInvoker] uses
// this to build its TLS dial pipeline: connect, observe, cancel-watch, TLS
// handshake, HTTP-connection wrap.
func compose5[A, B, C, D, E, F any](
	op1 stage[A, B], op2 stage[B, C], op3 stage[C, D], op4 stage[D, E], op5 stage[E, F]) stage[A, F] {
	return compose2(op1, compose4(op2, op3, op4, op5))
}
