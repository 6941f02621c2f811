// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package upload runs partition uploads concurrently under two
// simultaneous resource ceilings: task count and total in-flight
// archive-member count.
package upload

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/tarball"
)

var (
	// Error is the upload pool error class.
	Error = errs.Class("upload pool error")

	mon = monkit.Package()
)

// Uploader is the injected per-partition transfer capability.
type Uploader interface {
	UploadPartition(ctx context.Context, partition *tarball.Partition) error
}

type result struct {
	members int
	err     error
}

// TarUploadPool schedules partition uploads. It is owned by a single
// goroutine: only that owner may call Put and Join, which is what
// lets the counters live without a lock.
type TarUploadPool struct {
	uploader       Uploader
	maxConcurrency int
	maxMembers     int

	inflightTasks   int
	inflightMembers int
	pendingErr      error
	closed          bool

	// done is the single synchronization channel completions are
	// observed on; the pool never polls.
	done chan result
}

// New constructs a pool. Both ceilings must be positive.
func New(uploader Uploader, maxConcurrency, maxMembers int) (*TarUploadPool, error) {
	if maxConcurrency <= 0 || maxMembers <= 0 {
		return nil, Error.New("pool ceilings must be positive: concurrency %d, members %d",
			maxConcurrency, maxMembers)
	}
	return &TarUploadPool{
		uploader:       uploader,
		maxConcurrency: maxConcurrency,
		maxMembers:     maxMembers,
		done:           make(chan result, maxConcurrency),
	}, nil
}

// Put blocks until launching the upload would not exceed either
// ceiling, then schedules it. If a previously launched upload has
// already failed, Put surfaces that failure instead of scheduling new
// work.
func (pool *TarUploadPool) Put(ctx context.Context, partition *tarball.Partition) (err error) {
	defer mon.Task()(&ctx)(&err)

	if pool.closed {
		return Error.Wrap(fault.New(
			"upload pool already closed",
			"an upload was submitted after Join"))
	}
	if partition.MemberCount() > pool.maxMembers {
		return Error.Wrap(fault.New(
			"tar partition cannot fit in the upload pool",
			fmt.Sprintf("the partition holds %d members but the pool's total member capacity is %d",
				partition.MemberCount(), pool.maxMembers),
		).WithHint("raise the pool member limit or lower the partition size"))
	}

	for pool.inflightTasks+1 > pool.maxConcurrency ||
		pool.inflightMembers+partition.MemberCount() > pool.maxMembers {
		if err := pool.consume(ctx); err != nil {
			return err
		}
		if pool.pendingErr != nil {
			return pool.takePending()
		}
	}
	if pool.pendingErr != nil {
		return pool.takePending()
	}

	pool.inflightTasks++
	pool.inflightMembers += partition.MemberCount()
	go func() {
		err := pool.uploader.UploadPartition(ctx, partition)
		pool.done <- result{members: partition.MemberCount(), err: err}
	}()
	return nil
}

// Join waits for all outstanding uploads and surfaces the first
// failure. The pool accepts no further work afterwards.
func (pool *TarUploadPool) Join(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	pool.closed = true
	for pool.inflightTasks > 0 {
		if err := pool.consume(ctx); err != nil {
			return err
		}
	}
	return pool.takePending()
}

// consume observes one completion and updates the resource counters.
// Counters move only after the result has been received, so
// accounting can never race scheduling.
func (pool *TarUploadPool) consume(ctx context.Context) error {
	select {
	case res := <-pool.done:
		pool.inflightTasks--
		pool.inflightMembers -= res.members
		if res.err != nil && pool.pendingErr == nil {
			// First failure wins; later ones are accounted for
			// but not re-raised.
			pool.pendingErr = res.err
		}
		return nil
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	}
}

func (pool *TarUploadPool) takePending() error {
	err := pool.pendingErr
	pool.pendingErr = nil
	return err
}
