// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package operator

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/wal-e/wal-e-sub000/internal/testcontext"
	"github.com/wal-e/wal-e-sub000/internal/testrand"
	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/pipebuf"
	"github.com/wal-e/wal-e-sub000/pkg/pipeline"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
	"github.com/wal-e/wal-e-sub000/pkg/storage/teststore"
)

// newTestOperator wires an operator against the in-memory backend
// with the in-process gzip codec, so tests need no external filter
// programs.
func newTestOperator(t *testing.T, store *teststore.Client) *Operator {
	return New(zaptest.NewLogger(t), store, Config{
		Container: "archive",
		Prefix:    "cluster-a",
		Pipeline: pipeline.Options{
			Buffer: pipebuf.DefaultConfig(),
			Codec:  pipeline.CodecGzip,
		},
		Concurrency:      2,
		PartitionMaxSize: 4096,
	})
}

// makeCluster creates a minimal data directory with enough bulk to
// span several tar partitions at the test's partition cap.
func makeCluster(t *testing.T, ctx *testcontext.Context) (dataDir string, contents map[string][]byte) {
	dataDir = ctx.Dir("pgdata")
	contents = map[string][]byte{
		"PG_VERSION":        []byte("9.4\n"),
		"base/1/16384":      testrand.BytesN(3000),
		"base/1/16385":      testrand.BytesN(3000),
		"base/2/16500":      testrand.BytesN(3000),
		"global/pg_control": testrand.BytesN(1024),
	}
	for name, data := range contents {
		path := filepath.Join(dataDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		require.NoError(t, os.WriteFile(path, data, 0600))
	}
	// Excluded operational state must not reach the archive.
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "pg_wal"), 0700))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "pg_wal", "000000010000000000000001"),
		testrand.BytesN(100), 0600))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "postmaster.pid"), []byte("42\n"), 0600))
	return dataDir, contents
}

func TestBackupPushFetchRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)
	dataDir, contents := makeCluster(t, ctx)

	const name = "base_000000010000000000000002_00000040"
	stop := StopPosition{Segment: "000000010000000000000002", Offset: 64}
	require.NoError(t, op.BackupPush(ctx, dataDir, name, stop))

	// Multiple volumes plus the sentinel, numbered contiguously.
	keys := store.Keys("archive")
	var volumes, sentinels int
	for _, key := range keys {
		switch {
		case strings.Contains(key, "/tar_partitions/part_"):
			volumes++
		case strings.HasSuffix(key, sentinelSuffix):
			sentinels++
		}
	}
	require.Greater(t, volumes, 1, "partition cap should force several volumes")
	require.Equal(t, 1, sentinels)

	// The sentinel records the stop position recovery must replay to.
	body, found, err := store.Get(ctx, storage.Ref{
		Container: "archive",
		Key:       "cluster-a/basebackups_005/" + name + sentinelSuffix,
	})
	require.NoError(t, err)
	require.True(t, found)
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	var sentinel Sentinel
	require.NoError(t, json.Unmarshal(raw, &sentinel))
	require.Equal(t, stop, sentinel.StopPosition)
	require.Greater(t, sentinel.PartitionCount, 1)
	require.Contains(t, string(raw), "wal_segment_backup_stop")

	restoreDir := ctx.Dir("restore")
	require.NoError(t, op.BackupFetch(ctx, restoreDir, name))

	for file, want := range contents {
		got, err := os.ReadFile(filepath.Join(restoreDir, file))
		require.NoError(t, err, file)
		require.True(t, bytes.Equal(want, got), file)
	}
	// The WAL contents and operational files stayed home.
	_, err = os.Stat(filepath.Join(restoreDir, "pg_wal", "000000010000000000000001"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(restoreDir, "postmaster.pid"))
	require.True(t, os.IsNotExist(err))
	// But the excluded directory itself is restored empty.
	info, err := os.Stat(filepath.Join(restoreDir, "pg_wal"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestBackupFetchDetectsGaps(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)

	// A backup whose volume sequence starts at 1 is damaged.
	ref := storage.Ref{
		Container: "archive",
		Key:       "cluster-a/basebackups_005/base_broken/tar_partitions/part_1.tar.gz",
	}
	require.NoError(t, store.Put(ctx, ref, bytes.NewReader([]byte("x"))))

	err := op.BackupFetch(ctx, ctx.Dir("restore"), "base_broken")
	require.Error(t, err)
	require.True(t, fault.IsInternal(err))
	require.Contains(t, err.Error(), "part_0")
}

func TestWALPushAndFetch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)

	walDir := ctx.Dir("pgdata", "pg_wal")
	statusDir := filepath.Join(walDir, "archive_status")
	require.NoError(t, os.MkdirAll(statusDir, 0700))

	const explicit = "000000010000000000000005"
	const pending = "000000010000000000000004"
	explicitData := testrand.BytesN(16 * 1024)
	pendingData := testrand.BytesN(16 * 1024)
	require.NoError(t, os.WriteFile(filepath.Join(walDir, explicit), explicitData, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(walDir, pending), pendingData, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(statusDir, explicit+".ready"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(statusDir, pending+".ready"), nil, 0600))

	require.NoError(t, op.WALPush(ctx, walDir, explicit))

	// Both segments are in the archive; only the scanned one had its
	// marker renamed, the explicit one's bookkeeping belongs to
	// PostgreSQL.
	assert.Equal(t, 2, store.Len("archive"))
	_, err := os.Stat(filepath.Join(statusDir, pending+".done"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(statusDir, explicit+".ready"))
	require.NoError(t, err)

	dest := ctx.File("restore", "RECOVERYXLOG")
	require.NoError(t, op.WALFetch(ctx, explicit, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(explicitData, got))

	// A missing segment is a user-visible miss, not an internal
	// failure.
	err = op.WALFetch(ctx, "0000000100000000000000FF", ctx.File("restore", "missing"))
	require.Error(t, err)
	userErr, ok := fault.AsUser(err)
	require.True(t, ok)
	require.Contains(t, userErr.Message, "not found")
}

func TestPruneRetainsNewest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)
	dataDir, _ := makeCluster(t, ctx)

	backups := []string{
		"base_000000010000000000000002_00000040",
		"base_000000010000000000000009_00000040",
		"base_0000000100000000000000A0_00000040",
	}
	for _, name := range backups {
		require.NoError(t, op.BackupPush(ctx, dataDir, name, StopPosition{}))
	}

	names, err := op.BackupList(ctx)
	require.NoError(t, err)
	require.Equal(t, backups, names)

	require.NoError(t, op.Prune(ctx, 1))

	names, err = op.BackupList(ctx)
	require.NoError(t, err)
	require.Equal(t, backups[2:], names)

	// No key of the deleted backups survives.
	for _, key := range store.Keys("archive") {
		require.NotContains(t, key, backups[0])
		require.NotContains(t, key, backups[1])
	}

	// Refusing to delete everything is a configuration error.
	err = op.Prune(ctx, 0)
	require.Error(t, err)
	_, ok := fault.AsUser(err)
	require.True(t, ok)
}

func TestPruneSparesPrefixSiblingBackup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)
	dataDir, contents := makeCluster(t, ctx)

	// The doomed backup's name is a prefix of the survivor's.
	require.NoError(t, op.BackupPush(ctx, dataDir, "nightly", StopPosition{}))
	require.NoError(t, op.BackupPush(ctx, dataDir, "nightly2", StopPosition{}))

	require.NoError(t, op.Prune(ctx, 1))

	names, err := op.BackupList(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"nightly2"}, names)

	// The doomed backup is fully gone.
	for _, key := range store.Keys("archive") {
		require.NotContains(t, key, "basebackups_005/nightly/")
		require.False(t, strings.HasSuffix(key, "/nightly"+sentinelSuffix), key)
	}

	// The survivor restores intact, untouched by the prefix overlap.
	restoreDir := ctx.Dir("restore")
	require.NoError(t, op.BackupFetch(ctx, restoreDir, "nightly2"))
	for file, want := range contents {
		got, err := os.ReadFile(filepath.Join(restoreDir, file))
		require.NoError(t, err, file)
		require.True(t, bytes.Equal(want, got), file)
	}
}

func TestBackupPushSurfacesPutFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := New(zaptest.NewLogger(t), store, Config{
		Container: "archive",
		Prefix:    "cluster-a",
		Pipeline: pipeline.Options{
			Buffer: pipebuf.DefaultConfig(),
			Codec:  pipeline.CodecGzip,
		},
		Concurrency:      2,
		PartitionMaxSize: 64 << 20,
	})

	// Enough incompressible bulk to saturate every pipe between the
	// tar streamer and an upload that dies after its first read.
	dataDir := ctx.Dir("pgdata")
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("9.4\n"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "base", "1"), 0700))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "base", "1", "16384"), testrand.BytesN(8<<20), 0600))

	store.FailPuts(errs.New("remote hung up"))

	err := op.BackupPush(ctx, dataDir, "base_failing", StopPosition{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "remote hung up")

	// Without a sentinel the half-pushed backup is invisible.
	names, err := op.BackupList(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
	require.Equal(t, 0, store.Len("archive"))
}

func TestWALPushSurfacesPutFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)

	walDir := ctx.Dir("pgdata", "pg_wal")
	statusDir := filepath.Join(walDir, "archive_status")
	require.NoError(t, os.MkdirAll(statusDir, 0700))

	const segment = "000000010000000000000007"
	require.NoError(t, os.WriteFile(
		filepath.Join(walDir, segment), testrand.BytesN(8<<20), 0600))
	require.NoError(t, os.WriteFile(
		filepath.Join(statusDir, segment+".ready"), nil, 0600))

	store.FailPuts(errs.New("remote hung up"))

	err := op.WALPush(ctx, walDir, segment)
	require.Error(t, err)
	require.Contains(t, err.Error(), "remote hung up")
	require.Equal(t, 0, store.Len("archive"))
}

func TestBackupFetchSurfacesCorruptVolume(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	op := newTestOperator(t, store)

	// A volume of garbage bytes cannot decompress.
	ref := storage.Ref{
		Container: "archive",
		Key:       "cluster-a/basebackups_005/base_corrupt/tar_partitions/part_0.tar.gz",
	}
	require.NoError(t, store.Put(ctx, ref, bytes.NewReader(testrand.BytesN(64*1024))))

	err := op.BackupFetch(ctx, ctx.Dir("restore"), "base_corrupt")
	require.Error(t, err)
}
