// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

//go:build !unix

package tarball

import "os"

func owner(info os.FileInfo) (uid, gid int) { return 0, 0 }
