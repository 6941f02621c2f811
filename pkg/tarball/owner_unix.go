// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

//go:build unix

package tarball

import (
	"os"
	"syscall"
)

func owner(info os.FileInfo) (uid, gid int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}
