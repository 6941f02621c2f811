// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"os"
)

// smallRetain is how many bytes a partial flush may leave buffered,
// trading fewer small writes against copy cost.
const smallRetain = 4096

// Writer wraps the write end of an OS pipe with deque-backed
// buffering. Writes accumulate until a pipe-buffer's worth is queued,
// then flush down to a small retained remainder.
type Writer struct {
	file      *os.File
	buf       ByteDeque
	threshold int
	closed    bool
}

// NewWriter takes ownership of file, which must already be pollable
// (see WriterPipe).
func NewWriter(file *os.File, config Config) *Writer {
	return &Writer{
		file:      file,
		threshold: config.PipeBufferSize,
	}
}

// Write implements io.Writer. The data is buffered; a copy is taken
// because the deque outlives the call.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, Error.Wrap(os.ErrClosed)
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.buf.Add(chunk)

	if w.buf.Len() > w.threshold {
		if err := w.flushDownTo(smallRetain); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush drains the buffer completely.
func (w *Writer) Flush() error {
	if w.closed {
		return Error.Wrap(os.ErrClosed)
	}
	return w.flushDownTo(0)
}

// flushDownTo writes buffered bytes until at most retain remain.
func (w *Writer) flushDownTo(retain int) error {
	for w.buf.Len() > retain {
		out, err := w.buf.Get(w.buf.Len() - retain)
		if err != nil {
			return err
		}
		for len(out) > 0 {
			n, err := w.file.Write(out)
			if err != nil {
				return Error.Wrap(err)
			}
			out = out[n:]
		}
	}
	return nil
}

// Buffered returns the number of bytes queued but not yet flushed.
func (w *Writer) Buffered() int { return w.buf.Len() }

// Abandon closes the underlying descriptor without flushing buffered
// bytes. Used when the stream's consumer is known to be gone.
func (w *Writer) Abandon() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return Error.Wrap(w.file.Close())
}

// Close flushes any remaining bytes and closes the underlying
// descriptor. Calling it twice is safe.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	flushErr := w.flushDownTo(0)
	w.closed = true
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return Error.Wrap(closeErr)
}
