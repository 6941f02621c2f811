// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package tarball

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractAll reads a tar stream and restores its entries under dest.
// Every regular file and each directory that received one is fsynced
// before return, so a completed extraction survives a crash.
func ExtractAll(ctx context.Context, r io.Reader, dest string) (err error) {
	defer mon.Task()(&ctx)(&err)

	dirty := make(map[string]struct{})
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Error.Wrap(err)
		}

		target, err := securePath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return Error.Wrap(err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return Error.Wrap(err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, header); err != nil {
				return err
			}
			dirty[filepath.Dir(target)] = struct{}{}
		}
	}

	for dir := range dirty {
		if err := syncPath(dir); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(tr *tar.Reader, target string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return Error.Wrap(err)
	}

	file, err := os.OpenFile(target,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = io.Copy(file, tr)
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err != nil {
		return Error.Wrap(err)
	}
	if closeErr != nil {
		return Error.Wrap(closeErr)
	}
	return Error.Wrap(os.Chtimes(target, header.ModTime, header.ModTime))
}

// securePath joins name under dest, rejecting entries that would
// escape the destination.
func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", Error.New("archive entry %q escapes destination", name)
	}
	return target, nil
}

func syncPath(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return Error.Wrap(err)
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return Error.Wrap(syncErr)
	}
	return Error.Wrap(closeErr)
}
