// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/pipeline"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
	"github.com/wal-e/wal-e-sub000/pkg/tarball"
	"github.com/wal-e/wal-e-sub000/pkg/upload"
)

// StopPosition is where in the WAL stream the base backup ended, as
// reported by pg_stop_backup. Replay must reach it before the restored
// cluster is consistent.
type StopPosition struct {
	Segment string `json:"wal_segment_backup_stop"`
	Offset  int    `json:"wal_segment_offset_backup_stop"`
}

// Sentinel marks a base backup as complete and records what is needed
// to reach consistency from it.
type Sentinel struct {
	PartitionCount    int       `json:"partition_count"`
	ExpandedSizeBytes int64     `json:"expanded_size_bytes"`
	FinishTime        time.Time `json:"finish_time"`
	StopPosition
}

// BackupPush plans dataDir into bounded tar volumes and uploads them
// concurrently, writing the sentinel object last so a backup is never
// visible half-made. The backup name and stop position are the
// caller's concern, derived from the cluster's WAL positions.
func (op *Operator) BackupPush(ctx context.Context, dataDir, backupName string, stop StopPosition) (err error) {
	defer mon.Task()(&ctx)(&err)

	paths, err := Manifest(dataDir)
	if err != nil {
		return err
	}
	partitions, err := tarball.Plan(dataDir, paths, op.config.PartitionMaxSize)
	if err != nil {
		return err
	}
	op.log.Info("planned base backup",
		zap.String("name", backupName),
		zap.Int("partitions", len(partitions)),
		zap.Int("paths", len(paths)))

	uploader := &partitionUploader{
		op:         op,
		dataDir:    dataDir,
		backupName: backupName,
		numbers:    make(map[*tarball.Partition]int, len(partitions)),
	}
	var expanded int64
	for i, partition := range partitions {
		uploader.numbers[partition] = i
		expanded += partition.TotalSize()
	}

	pool, err := upload.New(uploader, op.config.Concurrency, op.config.PoolMaxMembers)
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		if err := pool.Put(ctx, partition); err != nil {
			return err
		}
	}
	if err := pool.Join(ctx); err != nil {
		return err
	}

	sentinel, err := json.Marshal(Sentinel{
		PartitionCount:    len(partitions),
		ExpandedSizeBytes: expanded,
		FinishTime:        time.Now().UTC(),
		StopPosition:      stop,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	ref := op.ref(baseBackupPrefix, backupName+sentinelSuffix)
	if err := op.backend.Put(ctx, ref, bytes.NewReader(sentinel)); err != nil {
		return err
	}
	op.log.Info("base backup complete", zap.String("name", backupName))
	return nil
}

// partitionUploader streams one partition through the upload pipeline
// into the backend. It implements upload.Uploader.
type partitionUploader struct {
	op         *Operator
	dataDir    string
	backupName string
	numbers    map[*tarball.Partition]int
}

func (u *partitionUploader) UploadPartition(ctx context.Context, partition *tarball.Partition) error {
	op := u.op
	number := u.numbers[partition]
	ref := op.ref(baseBackupPrefix, u.backupName, "tar_partitions", op.volumeName(number))

	pl, err := pipeline.Upload(ctx, op.config.Pipeline)
	if err != nil {
		return err
	}

	streamed := make(chan error, 1)
	go func() {
		err := partition.StreamTo(ctx, op.log, pl.Stdin)
		streamed <- errs.Combine(err, pl.Stdin.Close())
	}()

	if err := op.backend.Put(ctx, ref, pl.Stdout); err != nil {
		// The streamer may be blocked on a full pipe; aborting breaks
		// the pipes under it so it returns before we do.
		_ = pl.Abort()
		<-streamed
		return err
	}
	streamErr := <-streamed
	finishErr := pl.Finish(ctx)
	if err := errs.Combine(streamErr, finishErr); err != nil {
		return err
	}

	op.log.Info("uploaded tar partition",
		zap.String("key", ref.Key),
		zap.Int("members", partition.MemberCount()),
		zap.Int64("bytes", partition.TotalSize()))
	return nil
}

var volumeNameRx = regexp.MustCompile(`part_(\d+)\.tar(\.[a-z0-9]+)?$`)

// BackupFetch restores the named base backup into dataDir. The
// part_<N> sequence must be contiguous and duplicate-free; anything
// else means the archive is damaged.
func (op *Operator) BackupFetch(ctx context.Context, dataDir, backupName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	prefix := op.key(baseBackupPrefix, backupName, "tar_partitions") + "/"
	infos, err := op.backend.List(ctx, op.config.Container, prefix)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return Error.Wrap(fault.New(
			"base backup not found",
			fmt.Sprintf("no tar partitions under %q", prefix),
		).WithHint("check the backup name with backup-list"))
	}

	volumes := make(map[int]string, len(infos))
	for _, info := range infos {
		match := volumeNameRx.FindStringSubmatch(info.Key)
		if match == nil {
			return fault.Internal.New("unrecognized volume name %q", info.Key)
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			return fault.Internal.New("unparsable volume number in %q", info.Key)
		}
		if _, ok := volumes[n]; ok {
			return fault.Internal.New("duplicate volume number %d in backup %q", n, backupName)
		}
		volumes[n] = info.Key
	}
	for n := 0; n < len(volumes); n++ {
		if _, ok := volumes[n]; !ok {
			return fault.Internal.New("gap in volume sequence: part_%d missing from backup %q",
				n, backupName)
		}
	}

	numbers := make([]int, 0, len(volumes))
	for n := range volumes {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	for _, n := range numbers {
		if err := op.fetchVolume(ctx, volumes[n], dataDir); err != nil {
			return err
		}
	}
	op.log.Info("base backup restored",
		zap.String("name", backupName),
		zap.Int("volumes", len(numbers)))
	return nil
}

func (op *Operator) fetchVolume(ctx context.Context, key, dataDir string) error {
	body, found, err := op.backend.Get(ctx, storage.Ref{
		Container: op.config.Container,
		Key:       key,
	})
	if err != nil {
		return err
	}
	if !found {
		return fault.Internal.New("volume %q vanished between listing and fetch", key)
	}
	defer func() { _ = body.Close() }()

	pl, err := pipeline.Download(ctx, op.config.Pipeline)
	if err != nil {
		return err
	}

	fed := make(chan error, 1)
	go func() {
		_, err := io.Copy(pl.Stdin, body)
		fed <- errs.Combine(err, pl.Stdin.Close())
	}()

	if err := tarball.ExtractAll(ctx, pl.Stdout, dataDir); err != nil {
		_ = pl.Abort()
		<-fed
		return err
	}
	feedErr := <-fed
	finishErr := pl.Finish(ctx)
	return errs.Combine(feedErr, finishErr)
}
