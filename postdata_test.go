// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesPostData(t *testing.T) {
	p := NewBytesPostData([]byte("payload"))

	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf, nil, false))
	assert.Equal(t, "payload", buf.String())

	got, ok := p.capturedBytes()
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestStringPostData(t *testing.T) {
	p := NewStringPostData(`{"hello":"world"}`)

	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf, nil, false))
	assert.Equal(t, `{"hello":"world"}`, buf.String())
}

func TestSerializablePostDataCapturesOnceWhenDirectStreamingDisabled(t *testing.T) {
	factory := NewBytePoolMemoryStreamFactory()
	calls := 0
	serializer := SerializerFunc{
		SerializeFunc: func(w io.Writer, value any) error {
			calls++
			_, err := w.Write([]byte(`{"n":1}`))
			return err
		},
	}
	p := NewSerializablePostData(map[string]int{"n": 1}, serializer)

	var first, second bytes.Buffer
	require.NoError(t, p.WriteTo(&first, factory, true))
	require.NoError(t, p.WriteTo(&second, factory, true))

	assert.Equal(t, 1, calls, "serializer should only run once; later writes replay the capture")
	assert.Equal(t, first.String(), second.String())
}

func TestSerializablePostDataDirectStreamingRunsEveryTime(t *testing.T) {
	calls := 0
	serializer := SerializerFunc{
		SerializeFunc: func(w io.Writer, value any) error {
			calls++
			_, err := w.Write([]byte("x"))
			return err
		},
	}
	p := NewSerializablePostData(1, serializer)

	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf, nil, false))
	require.NoError(t, p.WriteTo(&buf, nil, false))
	assert.Equal(t, 2, calls)
}

func TestMultiJsonPostData(t *testing.T) {
	serializer := jsonSerializer
	items := []MultiJsonItem{
		{Raw: `{"index":{"_id":"1"}}`},
		{Value: map[string]string{"field": "value"}},
	}
	p := NewMultiJsonPostData(items, serializer)

	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf, nil, false))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, `{"index":{"_id":"1"}}`, string(lines[0]))
	assert.JSONEq(t, `{"field":"value"}`, string(lines[1]))
}

func TestStreamHandlerPostDataPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	p := NewStreamHandlerPostData(func(w io.Writer) error {
		return boom
	})

	var buf bytes.Buffer
	err := p.WriteTo(&buf, nil, false)
	assert.ErrorIs(t, err, boom)
}

func TestStreamHandlerPostDataCapturesWhenDirectStreamingDisabled(t *testing.T) {
	factory := NewBytePoolMemoryStreamFactory()
	calls := 0
	p := NewStreamHandlerPostData(func(w io.Writer) error {
		calls++
		_, err := w.Write([]byte("captured"))
		return err
	})

	var first, second bytes.Buffer
	require.NoError(t, p.WriteTo(&first, factory, true))
	require.NoError(t, p.WriteTo(&second, factory, true))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "captured", first.String())
	assert.Equal(t, "captured", second.String())
}
