// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package testcontext implements a context for tests that spawn
// goroutines and need temporary directories.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context is a context that tracks goroutines and temporary files
// created during a test, waiting for the former and deleting the
// latter on Cleanup.
type Context struct {
	context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	test   testing.TB

	once      sync.Once
	directory string
}

// New creates a test context with a default deadline.
func New(test testing.TB) *Context {
	parent, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	group, ctx := errgroup.WithContext(parent)
	return &Context{
		Context: ctx,
		cancel:  cancel,
		group:   group,
		test:    test,
	}
}

// Go runs fn in a goroutine. Call Wait or Cleanup to check the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside the test's temporary area,
// creating it as needed.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", "wale-test")
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0744); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside the test's temporary area.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one path element")
	}

	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// WriteFile writes data to a file inside the temporary area and
// returns its path.
func (ctx *Context) WriteFile(name string, data []byte) string {
	ctx.test.Helper()

	path := ctx.File(name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		ctx.test.Fatal(err)
	}
	return path
}

// Wait blocks until all goroutines have finished and returns the
// first error.
func (ctx *Context) Wait() error {
	return ctx.group.Wait()
}

// Cleanup waits for all goroutines, checks their errors and deletes
// temporary directories.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.deleteTemporary()
	defer ctx.cancel()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
}
