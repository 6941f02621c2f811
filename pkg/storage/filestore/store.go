// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package filestore implements the storage backend on a local
// directory tree, for archives kept on mounted network storage.
package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

// Client implements storage.Backend on a local directory. The
// container maps to a subdirectory of the configured root.
type Client struct {
	root string
}

// New creates a backend rooted at dir.
func New(dir string) *Client {
	return &Client{root: dir}
}

func (client *Client) path(ref storage.Ref) string {
	return filepath.Join(client.root, ref.Container, filepath.FromSlash(ref.Key))
}

// Put writes the object to a temporary file and renames it into
// place, fsyncing both file and directory so a crash cannot leave a
// half-written object under the final name.
func (client *Client) Put(ctx context.Context, ref storage.Ref, body io.Reader) error {
	target := client.path(ref)
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return storage.Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return storage.Error.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, err = io.Copy(tmp, body)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err != nil {
		return storage.Error.Wrap(err)
	}
	if closeErr != nil {
		return storage.Error.Wrap(closeErr)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return storage.Error.Wrap(err)
	}
	return syncDir(filepath.Dir(target))
}

// Get opens the object, reporting absence through found.
func (client *Client) Get(ctx context.Context, ref storage.Ref) (io.ReadCloser, bool, error) {
	file, err := os.Open(client.path(ref))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Error.Wrap(err)
	}
	return file, true, nil
}

// List walks the container subtree and returns keys under prefix in
// order.
func (client *Client) List(ctx context.Context, container, prefix string) ([]storage.ObjectInfo, error) {
	base := filepath.Join(client.root, container)

	var infos []storage.ObjectInfo
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return filepath.SkipAll
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, storage.ObjectInfo{
				Key:          key,
				Size:         info.Size(),
				LastModified: info.ModTime(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// DeleteBatch removes the keys one unlink at a time; the filesystem
// has no bulk call. Missing keys are already deleted.
func (client *Client) DeleteBatch(ctx context.Context, container string, keys []string) error {
	if len(keys) > storage.PaginationMax {
		return storage.Error.New("batch of %d exceeds pagination max %d",
			len(keys), storage.PaginationMax)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return storage.Error.Wrap(err)
		}
		err := os.Remove(client.path(storage.Ref{Container: container, Key: key}))
		if err != nil && !os.IsNotExist(err) {
			return storage.Error.Wrap(err)
		}
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return storage.Error.Wrap(err)
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return storage.Error.Wrap(syncErr)
	}
	return storage.Error.Wrap(closeErr)
}
