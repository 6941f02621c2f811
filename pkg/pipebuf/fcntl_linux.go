// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package pipebuf

import (
	"os"

	"golang.org/x/sys/unix"
)

// growPipe asks the kernel to resize the pipe behind file to size
// bytes. Best effort: unprivileged processes may be refused and the
// pipe still works at its default size.
func growPipe(file *os.File, size int) {
	rawConn, err := file.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_, _ = unix.FcntlInt(fd, unix.F_SETPIPE_SZ, size)
	})
}
