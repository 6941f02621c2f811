// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package upload

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/wal-e/wal-e-sub000/internal/testcontext"
	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/tarball"
)

var errUpload = errs.Class("test upload")

// fakeUploader counts uploads and fails the partitions it is told to.
type fakeUploader struct {
	mu            sync.Mutex
	uploads       int
	inflight      int
	maxInflight   int
	failPartition *tarball.Partition
}

func (f *fakeUploader) UploadPartition(ctx context.Context, partition *tarball.Partition) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.uploads++
		f.mu.Unlock()
	}()

	if partition == f.failPartition {
		return errUpload.New("injected failure")
	}
	return nil
}

func singleMemberPartition(name string) *tarball.Partition {
	return tarball.NewPartition(tarball.Member{
		SubmittedPath: "/cluster/" + name,
		ArchiveName:   name,
		Size:          1,
		Kind:          tarball.KindFile,
	})
}

func TestPoolSequentialWithUnitCapacity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	uploader := &fakeUploader{}
	pool, err := New(uploader, 1, 1)
	require.NoError(t, err)

	const k = 7
	for i := 0; i < k; i++ {
		require.NoError(t, pool.Put(ctx, singleMemberPartition("seg")))
	}
	require.NoError(t, pool.Join(ctx))

	assert.Equal(t, k, uploader.uploads)
	assert.Equal(t, 1, uploader.maxInflight, "unit capacity means strictly sequential uploads")
}

func TestPoolHonorsMemberCeiling(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	uploader := &fakeUploader{}
	pool, err := New(uploader, 8, 2)
	require.NoError(t, err)

	// Each partition has one member, so at most two run at once even
	// though eight tasks are allowed.
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Put(ctx, singleMemberPartition("seg")))
	}
	require.NoError(t, pool.Join(ctx))

	assert.Equal(t, 20, uploader.uploads)
	assert.LessOrEqual(t, uploader.maxInflight, 2)
}

func TestPoolRejectsPartitionOverTotalCapacity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	uploader := &fakeUploader{}
	pool, err := New(uploader, 4, 2)
	require.NoError(t, err)

	big := tarball.NewPartition(
		tarball.Member{ArchiveName: "a", Size: 1},
		tarball.Member{ArchiveName: "b", Size: 1},
		tarball.Member{ArchiveName: "c", Size: 1},
	)
	err = pool.Put(ctx, big)
	require.Error(t, err)
	_, ok := fault.AsUser(err)
	require.True(t, ok, "impossible admission is a configuration error")
	assert.Zero(t, uploader.uploads, "no upload may start")

	require.NoError(t, pool.Join(ctx))
}

func TestPoolPutAfterJoin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pool, err := New(&fakeUploader{}, 1, 1)
	require.NoError(t, err)
	require.NoError(t, pool.Join(ctx))

	err = pool.Put(ctx, singleMemberPartition("seg"))
	require.Error(t, err)
	_, ok := fault.AsUser(err)
	require.True(t, ok)
}

func TestPoolSurfacesFailureExactlyOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	failing := singleMemberPartition("bad")
	uploader := &fakeUploader{failPartition: failing}
	pool, err := New(uploader, 1, 1)
	require.NoError(t, err)

	var failures int
	for _, partition := range []*tarball.Partition{
		singleMemberPartition("a"), failing,
		singleMemberPartition("b"), singleMemberPartition("c"),
	} {
		if err := pool.Put(ctx, partition); err != nil {
			require.True(t, errUpload.Has(err))
			failures++
		}
	}
	if err := pool.Join(ctx); err != nil {
		require.True(t, errUpload.Has(err))
		failures++
	}
	assert.Equal(t, 1, failures, "one failing partition surfaces exactly one error")
}

func TestPoolRejectsBadCeilings(t *testing.T) {
	_, err := New(&fakeUploader{}, 0, 1)
	require.Error(t, err)
	_, err = New(&fakeUploader{}, 1, 0)
	require.Error(t, err)
}
