// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"io"
	"os"
)

// Reader wraps the read end of an OS pipe with deque-backed
// buffering. The descriptor is in non-blocking mode and registered
// with the runtime poller, so raw reads that would block suspend only
// the calling goroutine.
type Reader struct {
	file   *os.File
	buf    ByteDeque
	chunk  int
	eof    bool
	closed bool
}

// NewReader takes ownership of file, which must already be pollable
// (see ReaderPipe).
func NewReader(file *os.File, config Config) *Reader {
	return &Reader{
		file:  file,
		chunk: config.PipeBufferSize,
	}
}

// ReadExactly returns exactly n bytes, issuing raw reads until enough
// bytes are buffered. At end of stream it returns the remaining
// bytes, which may be fewer than n; once the stream is exhausted it
// returns io.EOF.
func (r *Reader) ReadExactly(n int) ([]byte, error) {
	if r.closed {
		return nil, Error.Wrap(os.ErrClosed)
	}
	if n < 0 {
		return nil, Error.New("negative read: %d", n)
	}

	if err := r.fill(n); err != nil {
		return nil, err
	}

	take := n
	if r.buf.Len() < take {
		take = r.buf.Len()
	}
	if take == 0 && n > 0 {
		return nil, io.EOF
	}
	return r.buf.Get(take)
}

// Read implements io.Reader over the buffered stream.
func (r *Reader) Read(p []byte) (int, error) {
	out, err := r.ReadExactly(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, out), nil
}

// fill buffers until at least want bytes are queued or the stream
// ends.
func (r *Reader) fill(want int) error {
	for r.buf.Len() < want && !r.eof {
		chunk := make([]byte, r.chunk)
		n, err := r.file.Read(chunk)
		if n > 0 {
			r.buf.Add(chunk[:n])
		}
		if err == io.EOF {
			r.eof = true
			return nil
		}
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Buffered returns the number of bytes queued but not yet consumed.
func (r *Reader) Buffered() int { return r.buf.Len() }

// Close closes the underlying descriptor. Calling it twice is safe.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return Error.Wrap(r.file.Close())
}
