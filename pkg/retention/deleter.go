// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package retention deletes no-longer-needed archive objects in bulk
// pages behind a background queue.
package retention

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

var (
	// Error is the retention error class.
	Error = errs.Class("retention error")

	mon = monkit.Package()
)

// queueDepth bounds how many keys may be pending before Delete
// blocks.
const queueDepth = 4 * storage.PaginationMax

// Deleter accumulates object refs and issues bulk-delete calls in
// pages of at most storage.PaginationMax keys, never mixing
// containers within a page.
type Deleter struct {
	log     *zap.Logger
	backend storage.Backend

	ctx context.Context

	mu      sync.Mutex
	closing bool

	queue chan storage.Ref
	done  chan error

	// carry holds the ref that terminated the previous page because
	// its container differed.
	carry *storage.Ref
}

// New starts the background drain task.
func New(ctx context.Context, log *zap.Logger, backend storage.Backend) *Deleter {
	deleter := &Deleter{
		log:     log,
		backend: backend,
		ctx:     ctx,
		queue:   make(chan storage.Ref, queueDepth),
		done:    make(chan error, 1),
	}
	go deleter.run()
	return deleter
}

// Delete enqueues one object for eventual deletion. Calling it after
// Close has begun is a fatal misuse.
func (d *Deleter) Delete(ref storage.Ref) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return Error.Wrap(fault.New(
			"deleter already closing",
			"a deletion was requested after Close"))
	}
	d.queue <- ref
	return nil
}

// Close signals shutdown, waits for the queue to drain fully and
// stops the background task, returning its terminal error if any.
func (d *Deleter) Close() error {
	d.mu.Lock()
	if !d.closing {
		d.closing = true
		close(d.queue)
	}
	d.mu.Unlock()
	return <-d.done
}

func (d *Deleter) run() {
	err := d.drain()
	d.done <- err
	close(d.done)
}

func (d *Deleter) drain() (err error) {
	ctx := d.ctx
	defer mon.Task()(&ctx)(&err)

	for {
		var first storage.Ref
		if d.carry != nil {
			first, d.carry = *d.carry, nil
		} else {
			ref, ok := <-d.queue
			if !ok {
				return nil
			}
			first = ref
		}

		page, closed := d.fillPage(first)
		if err := d.deletePage(first.Container, page); err != nil {
			return err
		}
		if closed && d.carry == nil {
			return nil
		}
	}
}

// fillPage gathers refs for one page without blocking, stopping at
// the page limit, at a container change, or when the queue is empty.
func (d *Deleter) fillPage(first storage.Ref) (page []storage.Ref, closed bool) {
	page = []storage.Ref{first}
	for len(page) < storage.PaginationMax {
		select {
		case ref, ok := <-d.queue:
			if !ok {
				return page, true
			}
			if ref.Container != first.Container {
				d.carry = &ref
				return page, false
			}
			page = append(page, ref)
		default:
			return page, false
		}
	}
	return page, false
}

// deletePage issues the bulk call for one page, retrying transient
// failures indefinitely with backoff. Cancellation is never retried:
// the in-flight page is reported aborted and the error propagates.
func (d *Deleter) deletePage(container string, page []storage.Ref) error {
	keys := make([]string, 0, len(page))
	for _, ref := range page {
		if ref.Container != container {
			return fault.Internal.New(
				"delete page mixes containers %q and %q", container, ref.Container)
		}
		keys = append(keys, ref.Key)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until cancelled

	attempt := 0
	operation := func() error {
		attempt++
		err := d.backend.DeleteBatch(d.ctx, container, keys)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || d.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		d.log.Warn("bulk delete failed, retrying",
			zap.String("container", container),
			zap.Int("keys", len(keys)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, d.ctx))
	if err != nil {
		d.log.Error("aborting in-flight delete page",
			zap.String("container", container),
			zap.Int("aborted_keys", len(keys)),
			zap.Error(err))
		return Error.Wrap(err)
	}
	mon.Counter("deleted_keys").Inc(int64(len(keys)))
	return nil
}
