// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// MemoryStream is a reusable, growable buffer used to capture a request or
// response body for diagnostics when [Config.DisableDirectStreaming] is
// set, and to buffer a [PostData] body across retry attempts.
type MemoryStream interface {
	io.Writer
	io.Reader

	// Bytes returns the buffer's current contents. The returned slice is
	// only valid until the next call to Release.
	Bytes() []byte

	// Len returns the number of bytes currently buffered.
	Len() int

	// Release returns the buffer to its factory's pool. Callers must not
	// use the stream after calling Release.
	Release()
}

// MemoryStreamFactory produces [MemoryStream] instances. Set
// [Config.MemoryStreamFactory] to a custom implementation to plug in a
// different pooling strategy (or an unpooled one, for tests).
type MemoryStreamFactory interface {
	New() MemoryStream
}

// bytePoolMemoryStream adapts a pooled [bytebufferpool.ByteBuffer] to
// [MemoryStream], tracking an independent read cursor so the same captured
// bytes can be replayed across retry attempts without disturbing writes.
type bytePoolMemoryStream struct {
	pool   *bytebufferpool.Pool
	buf    *bytebufferpool.ByteBuffer
	offset int
}

func (s *bytePoolMemoryStream) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *bytePoolMemoryStream) Read(p []byte) (int, error) {
	if s.offset >= len(s.buf.B) {
		return 0, io.EOF
	}
	n := copy(p, s.buf.B[s.offset:])
	s.offset += n
	return n, nil
}

func (s *bytePoolMemoryStream) Bytes() []byte {
	return s.buf.B
}

func (s *bytePoolMemoryStream) Len() int {
	return len(s.buf.B)
}

func (s *bytePoolMemoryStream) Release() {
	s.pool.Put(s.buf)
	s.buf = nil
}

// bytePoolMemoryStreamFactory is the default [MemoryStreamFactory], backed
// by a shared [bytebufferpool.Pool] so repeated body captures across many
// calls amortize their allocations.
type bytePoolMemoryStreamFactory struct {
	pool *bytebufferpool.Pool
}

// NewBytePoolMemoryStreamFactory returns a [MemoryStreamFactory] backed by
// [bytebufferpool]. This is [NewConfig]'s default.
func NewBytePoolMemoryStreamFactory() MemoryStreamFactory {
	return &bytePoolMemoryStreamFactory{pool: new(bytebufferpool.Pool)}
}

func (f *bytePoolMemoryStreamFactory) New() MemoryStream {
	return &bytePoolMemoryStream{pool: f.pool, buf: f.pool.Get()}
}
