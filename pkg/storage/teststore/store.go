// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package teststore implements an in-memory storage backend with
// call accounting and fault injection for tests.
package teststore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

// Client implements storage.Backend in memory.
type Client struct {
	mu      sync.Mutex
	objects map[string]map[string][]byte

	// CallCount tracks how often each operation ran.
	CallCount struct {
		Put         int
		Get         int
		List        int
		DeleteBatch int
	}

	// BatchSizes records the size of every DeleteBatch page issued.
	BatchSizes []int

	putErr    error
	deleteErr error
}

// New creates an empty in-memory backend.
func New() *Client {
	return &Client{objects: map[string]map[string][]byte{}}
}

// FailPuts makes subsequent Put calls read a small amount of body and
// then return err without storing anything, like a transfer dying
// mid-stream, until cleared with a nil argument.
func (client *Client) FailPuts(err error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.putErr = err
}

// FailDeletes makes subsequent DeleteBatch calls return err until
// cleared with a nil argument.
func (client *Client) FailDeletes(err error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.deleteErr = err
}

// Put stores body under ref.
func (client *Client) Put(ctx context.Context, ref storage.Ref, body io.Reader) error {
	client.mu.Lock()
	client.CallCount.Put++
	putErr := client.putErr
	client.mu.Unlock()
	if putErr != nil {
		// Consume a little of the stream first, leaving the rest to
		// whoever is still producing it.
		_, _ = io.CopyN(io.Discard, body, 4096)
		return putErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return storage.Error.Wrap(err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	container := client.objects[ref.Container]
	if container == nil {
		container = map[string][]byte{}
		client.objects[ref.Container] = container
	}
	container[ref.Key] = data
	return nil
}

// Get opens the object, reporting absence through found.
func (client *Client) Get(ctx context.Context, ref storage.Ref) (io.ReadCloser, bool, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.Get++
	data, ok := client.objects[ref.Container][ref.Key]
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

// List returns objects under prefix in key order.
func (client *Client) List(ctx context.Context, container, prefix string) ([]storage.ObjectInfo, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.List++

	var infos []storage.ObjectInfo
	for key, data := range client.objects[container] {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			infos = append(infos, storage.ObjectInfo{
				Key:          key,
				Size:         int64(len(data)),
				LastModified: time.Time{},
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// DeleteBatch removes the keys, honoring injected faults and the
// bulk-call page limit.
func (client *Client) DeleteBatch(ctx context.Context, container string, keys []string) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.DeleteBatch++
	client.BatchSizes = append(client.BatchSizes, len(keys))

	if len(keys) > storage.PaginationMax {
		return storage.Error.New("batch of %d exceeds pagination max %d",
			len(keys), storage.PaginationMax)
	}
	if client.deleteErr != nil {
		return client.deleteErr
	}
	for _, key := range keys {
		delete(client.objects[container], key)
	}
	return nil
}

// DeleteCalls returns how many DeleteBatch calls have run. Safe to
// poll while the backend is in use.
func (client *Client) DeleteCalls() int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.CallCount.DeleteBatch
}

// Keys returns all keys currently stored in container, sorted.
func (client *Client) Keys(container string) []string {
	client.mu.Lock()
	defer client.mu.Unlock()

	var keys []string
	for key := range client.objects[container] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of objects stored in container.
func (client *Client) Len(container string) int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.objects[container])
}
