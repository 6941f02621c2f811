// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package tarball

import (
	"archive/tar"
	"context"
	"io"
	"os"

	"go.uber.org/zap"
)

// StreamTo serializes the partition as a tar stream into w. Files are
// re-read at stream time: a file that shrank since planning is
// zero-padded to its planned size and one that grew is truncated at
// it, so the header never lies about entry length. A file that
// vanished entirely is skipped, which is normal for a live cluster.
func (p *Partition) StreamTo(ctx context.Context, log *zap.Logger, w io.Writer) (err error) {
	defer mon.Task()(&ctx)(&err)

	tw := tar.NewWriter(w)
	for _, member := range p.members {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		if err := writeMember(tw, log, member); err != nil {
			return err
		}
	}
	return Error.Wrap(tw.Close())
}

func writeMember(tw *tar.Writer, log *zap.Logger, member Member) error {
	header := &tar.Header{
		Name:    member.ArchiveName,
		Mode:    int64(member.Mode.Perm()),
		Uid:     member.UID,
		Gid:     member.GID,
		ModTime: member.ModTime,
	}

	switch member.Kind {
	case KindDirectory:
		header.Typeflag = tar.TypeDir
		header.Name += "/"
	case KindSymlink:
		header.Typeflag = tar.TypeSymlink
		header.Linkname = member.Linkname
	case KindOther:
		log.Warn("skipping special file",
			zap.String("path", member.SubmittedPath))
		return nil
	case KindFile:
		header.Typeflag = tar.TypeReg
		header.Size = member.Size
		return writeFileMember(tw, log, member, header)
	}

	return Error.Wrap(tw.WriteHeader(header))
}

func writeFileMember(tw *tar.Writer, log *zap.Logger, member Member, header *tar.Header) error {
	file, err := os.Open(member.SubmittedPath)
	if os.IsNotExist(err) {
		log.Warn("file vanished before archiving",
			zap.String("path", member.SubmittedPath))
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	if err := tw.WriteHeader(header); err != nil {
		return Error.Wrap(err)
	}

	written, err := io.CopyN(tw, file, member.Size)
	if err == io.EOF {
		// The file shrank under us; honor the planned size.
		log.Warn("file shrank during archiving, padding with zeros",
			zap.String("path", member.SubmittedPath),
			zap.Int64("planned", member.Size),
			zap.Int64("actual", written))
		if err := writeZeros(tw, member.Size-written); err != nil {
			return err
		}
		return nil
	}
	return Error.Wrap(err)
}

func writeZeros(w io.Writer, n int64) error {
	zeros := make([]byte, 32*1024)
	for n > 0 {
		chunk := int64(len(zeros))
		if chunk > n {
			chunk = n
		}
		if _, err := w.Write(zeros[:chunk]); err != nil {
			return Error.Wrap(err)
		}
		n -= chunk
	}
	return nil
}
