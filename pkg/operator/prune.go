// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package operator

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/retention"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

// BackupList returns the completed base backups, oldest first. Backup
// names embed the starting WAL position, so lexical order is
// chronological order.
func (op *Operator) BackupList(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	prefix := op.key(baseBackupPrefix) + "/"
	infos, err := op.backend.List(ctx, op.config.Container, prefix)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, sentinelSuffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(info.Key, prefix), sentinelSuffix)
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes all base backups except the newest retain, feeding
// every doomed key through the batched deleter. WAL older than the
// oldest kept backup is out of scope for now: deleting it safely
// needs the backup's start position from its sentinel.
func (op *Operator) Prune(ctx context.Context, retain int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if retain < 1 {
		return Error.Wrap(fault.New(
			"refusing to delete every base backup",
			"retention must keep at least one backup",
		).WithHint("pass a retain count of one or more"))
	}

	names, err := op.BackupList(ctx)
	if err != nil {
		return err
	}
	if len(names) <= retain {
		op.log.Info("nothing to prune",
			zap.Int("backups", len(names)),
			zap.Int("retain", retain))
		return nil
	}
	doomed := names[:len(names)-retain]

	deleter := retention.New(ctx, op.log, op.backend)
	for _, name := range doomed {
		// The sentinel goes first so a partially pruned backup is no
		// longer listed as complete. The trailing slash keeps sibling
		// backups whose names merely extend this one out of the listing.
		err := deleter.Delete(op.ref(baseBackupPrefix, name+sentinelSuffix))
		if err != nil {
			_ = deleter.Close()
			return err
		}
		prefix := op.key(baseBackupPrefix, name) + "/"
		infos, err := op.backend.List(ctx, op.config.Container, prefix)
		if err != nil {
			_ = deleter.Close()
			return err
		}
		for _, info := range infos {
			err := deleter.Delete(storage.Ref{
				Container: op.config.Container,
				Key:       info.Key,
			})
			if err != nil {
				_ = deleter.Close()
				return err
			}
		}
		op.log.Info("pruning base backup", zap.String("name", name))
	}
	return deleter.Close()
}
