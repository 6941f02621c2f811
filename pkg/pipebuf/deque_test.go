// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-e/wal-e-sub000/internal/testrand"
)

func TestByteDequeOrdering(t *testing.T) {
	var deque ByteDeque

	var reference []byte
	for i := 0; i < 20; i++ {
		chunk := testrand.BytesN(1 + testrand.Intn(300))
		reference = append(reference, chunk...)
		deque.Add(append([]byte(nil), chunk...))
	}
	require.Equal(t, len(reference), deque.Len())

	var got []byte
	sizes := []int{0, 1, 7, 100, 3, 255}
	for _, n := range sizes {
		if n > deque.Len() {
			n = deque.Len()
		}
		out, err := deque.Get(n)
		require.NoError(t, err)
		require.Len(t, out, n)
		got = append(got, out...)
	}
	rest, err := deque.Get(deque.Len())
	require.NoError(t, err)
	got = append(got, rest...)

	require.True(t, bytes.Equal(reference, got))
	require.Zero(t, deque.Len())
}

func TestByteDequeBounds(t *testing.T) {
	var deque ByteDeque
	deque.Add([]byte("hello"))

	out, err := deque.Get(0)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, 5, deque.Len())

	_, err = deque.Get(deque.Len() + 1)
	require.Error(t, err)
	require.True(t, Error.Has(err))

	_, err = deque.Get(-1)
	require.Error(t, err)
	require.True(t, Error.Has(err))

	// Failed calls must not disturb the buffered bytes.
	out, err = deque.Get(5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out)
}

func TestByteDequeZeroCopyFastPath(t *testing.T) {
	var deque ByteDeque
	chunk := []byte("exactly this chunk")
	deque.Add(chunk)

	out, err := deque.Get(len(chunk))
	require.NoError(t, err)
	assert.True(t, &chunk[0] == &out[0], "exact-size request should not copy")
}

func TestByteDequeSplitsStraddlingChunk(t *testing.T) {
	var deque ByteDeque
	deque.Add([]byte("abc"))
	deque.Add([]byte("defgh"))

	out, err := deque.Get(4)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), out)
	require.Equal(t, 4, deque.Len())

	out, err = deque.Get(4)
	require.NoError(t, err)
	require.Equal(t, []byte("efgh"), out)
	require.Zero(t, deque.Len())
}
