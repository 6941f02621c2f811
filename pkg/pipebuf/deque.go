// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package pipebuf implements buffered, non-blocking access to OS pipe
// file descriptors. A ByteDeque defragments the byte chunks moving
// through a pipe without unnecessary copies; Reader and Writer wrap
// the two ends of a pipe with deque-backed buffering sized to the
// kernel's pipe buffer.
package pipebuf

import (
	"github.com/zeebo/errs"
)

// Error is the pipebuf error class.
var Error = errs.Class("pipebuf error")

// ByteDeque is an ordered queue of byte chunks with a running total
// length. It is owned by exactly one Reader or Writer and is not safe
// for concurrent use.
type ByteDeque struct {
	chunks [][]byte
	size   int
}

// Add appends a chunk to the deque in O(1). The deque takes ownership
// of the slice.
func (d *ByteDeque) Add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.chunks = append(d.chunks, chunk)
	d.size += len(chunk)
}

// Len returns the total number of buffered bytes.
func (d *ByteDeque) Len() int { return d.size }

// Get removes and returns exactly n bytes, assembling them from one
// or more queued chunks and splitting the last chunk when the request
// straddles a chunk boundary. Requests outside [0, Len()] are
// invariant violations.
func (d *ByteDeque) Get(n int) ([]byte, error) {
	if n < 0 {
		return nil, Error.New("negative read from deque: %d", n)
	}
	if n > d.size {
		return nil, Error.New("read past deque end: %d > %d buffered", n, d.size)
	}
	if n == 0 {
		return []byte{}, nil
	}

	// Fast path: the first chunk satisfies the request exactly, so
	// hand it over without copying.
	if len(d.chunks[0]) == n {
		chunk := d.chunks[0]
		d.chunks[0] = nil
		d.chunks = d.chunks[1:]
		d.size -= n
		return chunk, nil
	}

	out := make([]byte, 0, n)
	remaining := n
	for remaining > 0 {
		head := d.chunks[0]
		if len(head) <= remaining {
			out = append(out, head...)
			remaining -= len(head)
			d.chunks[0] = nil
			d.chunks = d.chunks[1:]
			continue
		}
		out = append(out, head[:remaining]...)
		d.chunks[0] = head[remaining:]
		remaining = 0
	}
	d.size -= n
	return out, nil
}
