// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package walarchive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
)

// stragglerTimeout bounds how long Join waits for still-running
// transfers after the first failure before abandoning them.
const stragglerTimeout = 30 * time.Second

// Transferer is the injected per-segment transfer capability.
type Transferer interface {
	Transfer(ctx context.Context, segment Segment) error
}

// TransferGroup runs segment transfers concurrently. On success each
// task marks its segment done in archive_status, unless the segment
// was explicit, in which case bookkeeping belongs to PostgreSQL.
type TransferGroup struct {
	log      *zap.Logger
	transfer Transferer

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
	// firstErr holds the one failure Join re-raises; later failures
	// are logged and discarded.
	firstErr chan error

	started int
	joined  bool
}

// NewTransferGroup constructs a group whose tasks run under a
// cancellable child of ctx.
func NewTransferGroup(ctx context.Context, log *zap.Logger, transfer Transferer) *TransferGroup {
	groupCtx, cancel := context.WithCancel(ctx)
	return &TransferGroup{
		log:      log,
		transfer: transfer,
		ctx:      groupCtx,
		cancel:   cancel,
		firstErr: make(chan error, 1),
	}
}

// Start launches a transfer for segment. Calling Start after Join is
// a fatal misuse.
func (group *TransferGroup) Start(segment Segment) error {
	if group.joined {
		return Error.Wrap(fault.New(
			"transfer group already closed",
			"a segment transfer was started after Join"))
	}

	group.started++
	group.wg.Add(1)
	go func() {
		defer group.wg.Done()

		err := group.transfer.Transfer(group.ctx, segment)
		if err == nil && !segment.Explicit {
			err = segment.MarkDone()
		}
		if err != nil {
			select {
			case group.firstErr <- err:
			default:
				group.log.Warn("discarding secondary transfer failure",
					zap.String("segment", segment.Name),
					zap.Error(err))
			}
		}
	}()
	return nil
}

// Join waits for every launched transfer. On the first failure it
// cancels the stragglers, waits for them within a bounded window so a
// stuck transfer cannot hang the process, and re-raises that first
// failure.
func (group *TransferGroup) Join(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group.joined = true
	defer group.cancel()

	finished := make(chan struct{})
	go func() {
		group.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		select {
		case err := <-group.firstErr:
			return err
		default:
			return nil
		}
	case err := <-group.firstErr:
		group.cancel()
		select {
		case <-finished:
		case <-time.After(stragglerTimeout):
			group.log.Error("transfers still running after forced cancellation",
				zap.Duration("waited", stragglerTimeout))
		}
		return err
	case <-ctx.Done():
		group.cancel()
		return Error.Wrap(ctx.Err())
	}
}

// Started returns how many transfers were launched.
func (group *TransferGroup) Started() int { return group.started }
