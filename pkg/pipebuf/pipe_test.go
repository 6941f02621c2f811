// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wal-e/wal-e-sub000/internal/testcontext"
	"github.com/wal-e/wal-e-sub000/internal/testrand"
)

func TestReaderPipe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := DefaultConfig()
	reader, writeEnd, err := ReaderPipe(config)
	require.NoError(t, err)
	defer ctx.Check(reader.Close)

	payload := testrand.BytesN(3*config.PipeBufferSize + 17)
	ctx.Go(func() error {
		defer func() { _ = writeEnd.Close() }()
		_, err := writeEnd.Write(payload)
		return err
	})

	first, err := reader.ReadExactly(1000)
	require.NoError(t, err)
	require.Len(t, first, 1000)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, append(first, rest...)))

	_, err = reader.ReadExactly(1)
	require.Equal(t, io.EOF, err)
}

func TestWriterPipe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := DefaultConfig()
	readEnd, writer, err := WriterPipe(config)
	require.NoError(t, err)

	payload := testrand.BytesN(2*config.PipeBufferSize + 5)

	var got []byte
	done := make(chan error, 1)
	ctx.Go(func() error {
		var err error
		got, err = io.ReadAll(readEnd)
		done <- err
		return err
	})

	for off := 0; off < len(payload); off += 1 << 12 {
		end := off + 1<<12
		if end > len(payload) {
			end = len(payload)
		}
		_, err := writer.Write(payload[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, <-done)
	require.True(t, bytes.Equal(payload, got))
	require.NoError(t, readEnd.Close())
}

func TestWriterRetainsSmallBuffer(t *testing.T) {
	ctx := testcontext.New(t)

	config := Config{PipeBufferSize: 8 * 1024}
	readEnd, writer, err := WriterPipe(config)
	require.NoError(t, err)
	defer ctx.Check(readEnd.Close)
	defer ctx.Cleanup()

	// A sink keeps the pipe from filling up.
	ctx.Go(func() error {
		_, err := io.Copy(io.Discard, readEnd)
		return err
	})

	small := testrand.BytesN(100)
	_, err = writer.Write(small)
	require.NoError(t, err)
	require.Equal(t, 100, writer.Buffered(), "small writes stay buffered")

	_, err = writer.Write(testrand.BytesN(config.PipeBufferSize))
	require.NoError(t, err)
	require.LessOrEqual(t, writer.Buffered(), smallRetain)

	require.NoError(t, writer.Flush())
	require.Zero(t, writer.Buffered())
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close(), "close is idempotent")
}
