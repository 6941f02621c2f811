// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"os"

	"golang.org/x/sys/unix"
)

// pipe creates an OS pipe and flips only the parent-retained end to
// non-blocking mode, before wrapping it in an *os.File so the runtime
// registers it with the poller. The other end stays blocking: pipe
// ends have separate file descriptions, and a child process inheriting
// its end must see ordinary blocking I/O.
func pipe(config Config, nonblockRead bool) (readEnd, writeEnd *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	parent := fds[1]
	if nonblockRead {
		parent = fds[0]
	}
	if err := unix.SetNonblock(parent, true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, Error.Wrap(err)
	}

	readEnd = os.NewFile(uintptr(fds[0]), "|0")
	writeEnd = os.NewFile(uintptr(fds[1]), "|1")
	growPipe(writeEnd, config.PipeBufferSize)
	return readEnd, writeEnd, nil
}

// ReaderPipe creates a pipe whose read end is buffered for the
// calling process; the blocking write end is meant to be handed to a
// child process.
func ReaderPipe(config Config) (*Reader, *os.File, error) {
	readEnd, writeEnd, err := pipe(config, true)
	if err != nil {
		return nil, nil, err
	}
	return NewReader(readEnd, config), writeEnd, nil
}

// WriterPipe creates a pipe whose write end is buffered for the
// calling process; the blocking read end is meant to be handed to a
// child process.
func WriterPipe(config Config) (*os.File, *Writer, error) {
	readEnd, writeEnd, err := pipe(config, false)
	if err != nil {
		return nil, nil, err
	}
	return readEnd, NewWriter(writeEnd, config), nil
}
