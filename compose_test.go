// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose2(t *testing.T) {
	t.Run("success path", func(t *testing.T) {
		op1 := stageFunc[int, string](func(ctx context.Context, n int) (string, error) {
			return "hello", nil
		})
		op2 := stageFunc[string, int](func(ctx context.Context, s string) (int, error) {
			return len(s), nil
		})

		composed := compose2[int, string, int](op1, op2)
		result, err := composed.Call(context.Background(), 42)

		require.NoError(t, err)
		assert.Equal(t, 5, result) // len("hello") = 5
	})

	t.Run("first operation fails", func(t *testing.T) {
		wantErr := errors.New("op1 failed")
		op1 := stageFunc[int, string](func(ctx context.Context, n int) (string, error) {
			return "", wantErr
		})
		op2 := stageFunc[string, int](func(ctx context.Context, s string) (int, error) {
			t.Fatal("op2 should not be called")
			return 0, nil
		})

		composed := compose2[int, string, int](op1, op2)
		_, err := composed.Call(context.Background(), 42)

		require.ErrorIs(t, err, wantErr)
	})

	t.Run("second operation fails", func(t *testing.T) {
		wantErr := errors.New("op2 failed")
		op1 := stageFunc[int, string](func(ctx context.Context, n int) (string, error) {
			return "hello", nil
		})
		op2 := stageFunc[string, int](func(ctx context.Context, s string) (int, error) {
			return 0, wantErr
		})

		composed := compose2[int, string, int](op1, op2)
		_, err := composed.Call(context.Background(), 42)

		require.ErrorIs(t, err, wantErr)
	})
}

func TestCompose4(t *testing.T) {
	op1 := stageFunc[int, int](func(ctx context.Context, n int) (int, error) { return n + 1, nil })
	op2 := stageFunc[int, int](func(ctx context.Context, n int) (int, error) { return n + 1, nil })
	op3 := stageFunc[int, int](func(ctx context.Context, n int) (int, error) { return n + 1, nil })
	op4 := stageFunc[int, int](func(ctx context.Context, n int) (int, error) { return n + 1, nil })

	composed := compose4[int, int, int, int, int](op1, op2, op3, op4)
	result, err := composed.Call(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 4, result)
}

func TestCompose5(t *testing.T) {
	op := stageFunc[int, int](func(ctx context.Context, n int) (int, error) { return n + 1, nil })

	composed := compose5[int, int, int, int, int, int](op, op, op, op, op)
	result, err := composed.Call(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 5, result)
}
