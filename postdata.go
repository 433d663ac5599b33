// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"io"
)

// PostData describes the outgoing body of a request as a tagged variant.
// It must be reusable across retry attempts: the pipeline may call
// [PostData.WriteTo] more than once for the same logical call, once per
// attempt.
//
// When direct streaming is disabled (see [Config.DisableDirectStreaming]),
// the first [PostData.WriteTo] call captures the written bytes into a
// [MemoryStream] so later calls replay the capture instead of re-running
// a (possibly non-idempotent) writer function, and so the bytes are
// available for [ApiCallDetails] diagnostics.
type PostData interface {
	// WriteTo streams the body to w. streams is used to obtain a capture
	// buffer when direct streaming is disabled; it is ignored otherwise.
	WriteTo(w io.Writer, streams MemoryStreamFactory, disableDirectStreaming bool) error

	// capturedBytes returns the body bytes available for diagnostics.
	// The bytes and string variants always report their contents; the
	// other variants report the bytes captured by a prior WriteTo call
	// made with disableDirectStreaming set, or (nil, false) if nothing
	// has been captured yet.
	capturedBytes() ([]byte, bool)
}

// bytesPostData is the Bytes(buf) variant: a pre-materialized byte slice.
type bytesPostData struct {
	buf []byte
}

// NewBytesPostData returns a [PostData] that writes buf verbatim.
func NewBytesPostData(buf []byte) PostData {
	return &bytesPostData{buf: buf}
}

func (p *bytesPostData) WriteTo(w io.Writer, _ MemoryStreamFactory, _ bool) error {
	_, err := w.Write(p.buf)
	return err
}

func (p *bytesPostData) capturedBytes() ([]byte, bool) {
	return p.buf, true
}

// stringPostData is the String(s) variant.
type stringPostData struct {
	s string
}

// NewStringPostData returns a [PostData] that writes s verbatim.
func NewStringPostData(s string) PostData {
	return &stringPostData{s: s}
}

func (p *stringPostData) WriteTo(w io.Writer, _ MemoryStreamFactory, _ bool) error {
	_, err := io.WriteString(w, p.s)
	return err
}

func (p *stringPostData) capturedBytes() ([]byte, bool) {
	return []byte(p.s), true
}

// serializablePostData is the Serializable(value, type) variant: the body
// is produced lazily by handing value to a [Serializer] on first write.
type serializablePostData struct {
	value      any
	serializer Serializer

	captured   []byte
	hasCapture bool
}

// NewSerializablePostData returns a [PostData] that serializes value with
// serializer on first write.
func NewSerializablePostData(value any, serializer Serializer) PostData {
	return &serializablePostData{value: value, serializer: serializer}
}

func (p *serializablePostData) WriteTo(w io.Writer, streams MemoryStreamFactory, disableDirectStreaming bool) error {
	if disableDirectStreaming && p.hasCapture {
		_, err := w.Write(p.captured)
		return err
	}
	if !disableDirectStreaming {
		return p.serializer.Serialize(w, p.value)
	}

	stream := streams.New()
	defer stream.Release()
	if err := p.serializer.Serialize(stream, p.value); err != nil {
		return err
	}
	p.captured = append([]byte(nil), stream.Bytes()...)
	p.hasCapture = true
	_, err := w.Write(p.captured)
	return err
}

func (p *serializablePostData) capturedBytes() ([]byte, bool) {
	return p.captured, p.hasCapture
}

// MultiJsonItem is one line of a [NewMultiJsonPostData] body: either a
// pre-serialized raw string (e.g. a bulk-API action line) or a value to be
// serialized by the configured [Serializer] (e.g. the corresponding
// source document).
type MultiJsonItem struct {
	Raw   string
	Value any
}

// multiJsonPostData is the MultiJson(iter<...>) variant: a sequence of
// newline-delimited JSON objects, as used by bulk/multi-search style APIs.
type multiJsonPostData struct {
	items      []MultiJsonItem
	serializer Serializer

	captured   []byte
	hasCapture bool
}

// NewMultiJsonPostData returns a [PostData] that writes items as
// newline-delimited JSON, each terminated by "\n".
func NewMultiJsonPostData(items []MultiJsonItem, serializer Serializer) PostData {
	return &multiJsonPostData{items: items, serializer: serializer}
}

func (p *multiJsonPostData) WriteTo(w io.Writer, streams MemoryStreamFactory, disableDirectStreaming bool) error {
	if disableDirectStreaming && p.hasCapture {
		_, err := w.Write(p.captured)
		return err
	}

	var target io.Writer = w
	var stream MemoryStream
	if disableDirectStreaming {
		stream = streams.New()
		defer stream.Release()
		target = stream
	}

	bw := bufio.NewWriter(target)
	for _, item := range p.items {
		if item.Raw != "" {
			if _, err := bw.WriteString(item.Raw); err != nil {
				return err
			}
		} else if err := p.serializer.Serialize(bw, item.Value); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	if disableDirectStreaming {
		p.captured = append([]byte(nil), stream.Bytes()...)
		p.hasCapture = true
		_, err := w.Write(p.captured)
		return err
	}
	return nil
}

func (p *multiJsonPostData) capturedBytes() ([]byte, bool) {
	return p.captured, p.hasCapture
}

// StreamWriterFunc writes a request body directly to w.
type StreamWriterFunc func(w io.Writer) error

// streamHandlerPostData is the StreamHandler(writer-fn) variant: a
// caller-supplied function that writes the body.
type streamHandlerPostData struct {
	write StreamWriterFunc

	captured   []byte
	hasCapture bool
}

// NewStreamHandlerPostData returns a [PostData] whose body is produced by
// calling write.
func NewStreamHandlerPostData(write StreamWriterFunc) PostData {
	return &streamHandlerPostData{write: write}
}

func (p *streamHandlerPostData) WriteTo(w io.Writer, streams MemoryStreamFactory, disableDirectStreaming bool) error {
	if disableDirectStreaming && p.hasCapture {
		_, err := w.Write(p.captured)
		return err
	}
	if !disableDirectStreaming {
		return p.write(w)
	}

	stream := streams.New()
	defer stream.Release()
	if err := p.write(stream); err != nil {
		return err
	}
	p.captured = append([]byte(nil), stream.Bytes()...)
	p.hasCapture = true
	_, err := w.Write(p.captured)
	return err
}

func (p *streamHandlerPostData) capturedBytes() ([]byte, bool) {
	return p.captured, p.hasCapture
}
