// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package operator

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/pipeline"
	"github.com/wal-e/wal-e-sub000/pkg/walarchive"
)

// WALPush archives the named segment, handed to us by the database's
// archive_command, and opportunistically ships any other segments
// whose .ready markers are already waiting, up to the concurrency
// bound.
func (op *Operator) WALPush(ctx context.Context, walDir, segmentName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	explicit, err := walarchive.NewSegment(walDir, segmentName, true)
	if err != nil {
		return err
	}

	group := walarchive.NewTransferGroup(ctx, op.log, &segmentUploader{op: op})
	if err := group.Start(explicit); err != nil {
		return err
	}

	pending, err := walarchive.ScanPending(walDir)
	if err != nil {
		return err
	}
	for _, segment := range pending {
		if group.Started() >= op.config.Concurrency {
			break
		}
		if segment.Name == explicit.Name {
			continue
		}
		if err := group.Start(segment); err != nil {
			return err
		}
	}

	if err := group.Join(ctx); err != nil {
		return err
	}
	op.log.Info("wal segments archived",
		zap.String("explicit", explicit.Name),
		zap.Int("count", group.Started()))
	return nil
}

// segmentUploader ships one WAL segment through the upload pipeline.
// It implements walarchive.Transferer.
type segmentUploader struct {
	op *Operator
}

func (u *segmentUploader) Transfer(ctx context.Context, segment walarchive.Segment) error {
	op := u.op

	file, err := os.Open(segment.Path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	pl, err := pipeline.Upload(ctx, op.config.Pipeline)
	if err != nil {
		return err
	}

	fed := make(chan error, 1)
	go func() {
		_, err := io.Copy(pl.Stdin, file)
		fed <- errs.Combine(err, pl.Stdin.Close())
	}()

	ref := op.ref()
	ref.Key = op.walKey(segment.Name)
	if err := op.backend.Put(ctx, ref, pl.Stdout); err != nil {
		_ = pl.Abort()
		<-fed
		return err
	}
	feedErr := <-fed
	finishErr := pl.Finish(ctx)
	if err := errs.Combine(feedErr, finishErr); err != nil {
		return err
	}
	op.log.Info("archived wal segment", zap.String("segment", segment.Name))
	return nil
}

// WALFetch restores one segment to destPath, typically invoked as
// restore_command. A missing segment is a normal occurrence during
// timeline probing, reported as a user-facing miss without retries.
func (op *Operator) WALFetch(ctx context.Context, segmentName, destPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	// The download pipeline starts before the object lookup so its
	// stages overlap the first round-trip; a miss aborts it unused.
	pl, err := pipeline.Download(ctx, op.config.Pipeline)
	if err != nil {
		return err
	}

	ref := op.ref()
	ref.Key = op.walKey(segmentName)
	body, found, err := op.backend.Get(ctx, ref)
	if err != nil {
		_ = pl.Stdin.Abandon()
		_ = pl.Abort()
		return err
	}
	if !found {
		_ = pl.Stdin.Abandon()
		_ = pl.Abort()
		return Error.Wrap(fault.New(
			"wal segment not found",
			"no object at "+ref.String()).WithHint(
			"absence is expected while PostgreSQL probes timelines"))
	}
	defer func() { _ = body.Close() }()

	fed := make(chan error, 1)
	go func() {
		_, err := io.Copy(pl.Stdin, body)
		fed <- errs.Combine(err, pl.Stdin.Close())
	}()

	if err := writeDurable(destPath, pl.Stdout); err != nil {
		_ = pl.Abort()
		<-fed
		return err
	}
	feedErr := <-fed
	finishErr := pl.Finish(ctx)
	if err := errs.Combine(feedErr, finishErr); err != nil {
		return err
	}
	op.log.Info("restored wal segment",
		zap.String("segment", segmentName),
		zap.String("dest", destPath))
	return nil
}

// writeDurable writes body to a temporary sibling of path and renames
// it into place after fsync, so restore_command never exposes a
// truncated segment.
func writeDurable(path string, body io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wal-fetch-*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, err = io.Copy(tmp, body)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err != nil {
		return Error.Wrap(err)
	}
	if closeErr != nil {
		return Error.Wrap(closeErr)
	}
	return Error.Wrap(os.Rename(tmp.Name(), path))
}
