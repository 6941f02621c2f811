// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package tarball plans and streams size-bounded tar volumes from a
// manifest of filesystem paths.
package tarball

import (
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
)

// Error is the tarball error class.
var Error = errs.Class("tar partition error")

// Kind classifies an archive member.
type Kind int

const (
	// KindFile is a regular file whose contents are streamed.
	KindFile Kind = iota
	// KindDirectory is a metadata-only directory entry.
	KindDirectory
	// KindSymlink is a metadata-only symbolic link entry.
	KindSymlink
	// KindOther covers sockets, fifos and devices, which are
	// recorded but carry no content.
	KindOther
)

// Member is one planned archive entry. Immutable once planned.
type Member struct {
	// SubmittedPath is the absolute path on the local filesystem.
	SubmittedPath string

	// ArchiveName is the path relative to the common root, as it
	// appears inside the tar stream.
	ArchiveName string

	Size     int64
	Kind     Kind
	Mode     os.FileMode
	ModTime  time.Time
	Linkname string
	UID      int
	GID      int
}

// NewMember stats path and derives the archive entry relative to
// root.
func NewMember(root, path string) (Member, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Member{}, Error.Wrap(err)
	}

	name, err := filepath.Rel(root, path)
	if err != nil {
		return Member{}, Error.New("%q is not relative to %q: %v", path, root, err)
	}

	member := Member{
		SubmittedPath: path,
		ArchiveName:   filepath.ToSlash(name),
		Mode:          info.Mode(),
		ModTime:       info.ModTime(),
	}
	member.UID, member.GID = owner(info)

	switch {
	case info.Mode().IsRegular():
		member.Kind = KindFile
		member.Size = info.Size()
	case info.IsDir():
		member.Kind = KindDirectory
	case info.Mode()&os.ModeSymlink != 0:
		member.Kind = KindSymlink
		target, err := os.Readlink(path)
		if err != nil {
			return Member{}, Error.Wrap(err)
		}
		member.Linkname = target
	default:
		member.Kind = KindOther
	}
	return member, nil
}
