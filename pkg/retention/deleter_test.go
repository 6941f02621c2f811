// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package retention

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/wal-e/wal-e-sub000/internal/testcontext"
	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
	"github.com/wal-e/wal-e-sub000/pkg/storage/teststore"
)

var errFlaky = errs.Class("test flaky backend")

func emptyReader() io.Reader { return bytes.NewReader(nil) }

func fillStore(t *testing.T, store *teststore.Client, container string, n int) []storage.Ref {
	ctx := context.Background()
	refs := make([]storage.Ref, 0, n)
	for i := 0; i < n; i++ {
		ref := storage.Ref{Container: container, Key: fmt.Sprintf("wal_005/key-%06d", i)}
		require.NoError(t, store.Put(ctx, ref, emptyReader()))
		refs = append(refs, ref)
	}
	return refs
}

func TestDeleterPagesUnderLimit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	log := zaptest.NewLogger(t)

	store := teststore.New()
	refs := fillStore(t, store, "backups", 20001)

	deleter := New(ctx, log, store)
	for _, ref := range refs {
		require.NoError(t, deleter.Delete(ref))
	}
	require.NoError(t, deleter.Close())

	// Every key deleted exactly once, and only through bulk pages of
	// at most the pagination max.
	assert.Zero(t, store.Len("backups"))
	total := 0
	for _, size := range store.BatchSizes {
		require.LessOrEqual(t, size, storage.PaginationMax)
		require.Positive(t, size)
		total += size
	}
	assert.Equal(t, 20001, total)
	assert.GreaterOrEqual(t, store.CallCount.DeleteBatch, 21)
}

func TestDeleterSplitsContainers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	log := zaptest.NewLogger(t)

	store := teststore.New()
	alpha := fillStore(t, store, "alpha", 3)
	beta := fillStore(t, store, "beta", 3)

	deleter := New(ctx, log, store)
	for i := range alpha {
		require.NoError(t, deleter.Delete(alpha[i]))
		require.NoError(t, deleter.Delete(beta[i]))
	}
	require.NoError(t, deleter.Close())

	assert.Zero(t, store.Len("alpha"))
	assert.Zero(t, store.Len("beta"))
}

func TestDeleterRetriesTransientFailures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	log := zaptest.NewLogger(t)

	store := teststore.New()
	refs := fillStore(t, store, "backups", 5)
	store.FailDeletes(errFlaky.New("throttled"))

	deleter := New(ctx, log, store)
	for _, ref := range refs {
		require.NoError(t, deleter.Delete(ref))
	}

	// Wait until at least one failing attempt happened; nothing may
	// have been deleted meanwhile.
	require.Eventually(t, func() bool {
		return store.DeleteCalls() >= 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, store.Len("backups"))

	store.FailDeletes(nil)
	require.NoError(t, deleter.Close())
	assert.Zero(t, store.Len("backups"))
}

func TestDeleterCancellationIsNotRetried(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	log := zaptest.NewLogger(t)

	store := teststore.New()
	refs := fillStore(t, store, "backups", 4)
	store.FailDeletes(context.Canceled)

	deleter := New(ctx, log, store)
	for _, ref := range refs {
		require.NoError(t, deleter.Delete(ref))
	}

	err := deleter.Close()
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	// The aborted page was not deleted, and only one attempt was
	// made: cancellation is never retried.
	assert.Equal(t, 4, store.Len("backups"))
	attempts := store.CallCount.DeleteBatch

	// The deleter is closed now; nothing further may be enqueued.
	err = deleter.Delete(refs[0])
	require.Error(t, err)
	_, ok := fault.AsUser(err)
	require.True(t, ok)
	assert.Equal(t, attempts, store.CallCount.DeleteBatch)
}
