// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package storage defines the narrow object-storage capability the
// archiver core consumes. Backends are thin adapters; the core never
// speaks a storage protocol itself.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Error is the storage error class.
var Error = errs.Class("storage error")

// PaginationMax is the largest number of keys a single bulk-delete
// call accepts.
const PaginationMax = 1000

// Ref names one remote object inside a container (bucket, share or
// directory).
type Ref struct {
	Container string
	Key       string
}

// String formats the ref for logs.
func (r Ref) String() string { return r.Container + "/" + r.Key }

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is implemented by per-provider adapters.
type Backend interface {
	// Put stores the body under ref, replacing any existing object.
	Put(ctx context.Context, ref Ref, body io.Reader) error

	// Get opens the object. Absence is an expected result reported
	// through found, never through err.
	Get(ctx context.Context, ref Ref) (body io.ReadCloser, found bool, err error)

	// List returns the objects under prefix in key order.
	List(ctx context.Context, container, prefix string) ([]ObjectInfo, error)

	// DeleteBatch removes up to PaginationMax keys, all from the
	// same container.
	DeleteBatch(ctx context.Context, container string, keys []string) error
}
