// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytePoolMemoryStreamWriteRead(t *testing.T) {
	factory := NewBytePoolMemoryStreamFactory()
	stream := factory.New()
	defer stream.Release()

	n, err := stream.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, 11, stream.Len())
	assert.Equal(t, []byte("hello world"), stream.Bytes())

	buf := make([]byte, 5)
	n, err = stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	rest, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, " world", string(rest))
}

func TestBytePoolMemoryStreamFactoryReuse(t *testing.T) {
	factory := NewBytePoolMemoryStreamFactory()

	first := factory.New()
	_, _ = first.Write([]byte("reused"))
	first.Release()

	second := factory.New()
	defer second.Release()
	assert.Equal(t, 0, second.Len())
}
