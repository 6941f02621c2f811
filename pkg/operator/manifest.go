// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package operator

import (
	"os"
	"path/filepath"
)

// skipContents lists directories whose entries never belong in a base
// backup: the WAL itself ships separately, and the rest is runtime
// state PostgreSQL rebuilds. The directories themselves are archived
// as empty so a restore recreates them.
var skipContents = map[string]bool{
	"pg_wal":      true,
	"pg_xlog":     true,
	"pg_replslot": true,
	"pgsql_tmp":   true,
	"pg_stat_tmp": true,
}

// skipFiles lists per-cluster operational files excluded entirely.
var skipFiles = map[string]bool{
	"postmaster.pid":   true,
	"postmaster.opts":  true,
	"pg_internal.init": true,
	"recovery.conf":    true,
}

// Manifest walks dataDir and returns the absolute paths to archive,
// in deterministic (lexical walk) order.
func Manifest(dataDir string) ([]string, error) {
	var paths []string
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != dataDir {
				return nil // vanished during the walk; planner copes
			}
			return err
		}
		if path == dataDir {
			return nil
		}

		name := info.Name()
		if info.IsDir() {
			paths = append(paths, path)
			if skipContents[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if skipFiles[name] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return paths, nil
}
