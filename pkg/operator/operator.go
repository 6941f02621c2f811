// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package operator implements the archiver's top-level operations:
// base backup push and fetch, WAL segment push and fetch, and
// retention pruning.
package operator

import (
	"fmt"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/wal-e/wal-e-sub000/pkg/pipeline"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

var (
	// Error is the operator error class.
	Error = errs.Class("operator error")

	mon = monkit.Package()
)

// Storage layout version markers, kept for compatibility with
// archives written by earlier releases.
const (
	baseBackupPrefix = "basebackups_005"
	walPrefix        = "wal_005"
	sentinelSuffix   = "_backup_stop_sentinel.json"
)

// DefaultPartitionMaxSize bounds one tar volume. Large enough to
// amortize per-object overhead, small enough to retry cheaply.
const DefaultPartitionMaxSize = 1610612736 // 1.5 GiB

// Config carries the knobs shared by all operations.
type Config struct {
	// Container is the bucket or share holding the archive.
	Container string

	// Prefix scopes all keys, so several clusters can share a
	// container.
	Prefix string

	// Pipeline configures compression, encryption and rate limiting.
	Pipeline pipeline.Options

	// Concurrency bounds simultaneous partition or segment
	// transfers.
	Concurrency int

	// PoolMaxMembers bounds the aggregate archive-member count in
	// flight during backup-push.
	PoolMaxMembers int

	// PartitionMaxSize bounds one tar volume in bytes.
	PartitionMaxSize int64
}

func (config *Config) fillDefaults() {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PoolMaxMembers <= 0 {
		// tar headers are cheap but file handles are not; this
		// matches the planner's typical member counts.
		config.PoolMaxMembers = 32 * 1024
	}
	if config.PartitionMaxSize <= 0 {
		config.PartitionMaxSize = DefaultPartitionMaxSize
	}
}

// Operator runs archive operations against one storage backend.
type Operator struct {
	log     *zap.Logger
	backend storage.Backend
	config  Config
}

// New constructs an Operator.
func New(log *zap.Logger, backend storage.Backend, config Config) *Operator {
	config.fillDefaults()
	return &Operator{
		log:     log,
		backend: backend,
		config:  config,
	}
}

func (op *Operator) key(parts ...string) string {
	all := append([]string{op.config.Prefix}, parts...)
	return strings.TrimPrefix(strings.Join(all, "/"), "/")
}

func (op *Operator) ref(parts ...string) storage.Ref {
	return storage.Ref{Container: op.config.Container, Key: op.key(parts...)}
}

// volumeName formats the archive volume object name for partition n.
func (op *Operator) volumeName(n int) string {
	return fmt.Sprintf("part_%d.tar%s", n, op.config.Pipeline.Codec.Extension())
}

// walKey returns the object key for a WAL segment.
func (op *Operator) walKey(segmentName string) string {
	return op.key(walPrefix, segmentName+op.config.Pipeline.Codec.Extension())
}
