// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package gcsstore implements the storage backend on Google Cloud
// Storage.
package gcsstore

import (
	"context"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

// Client implements storage.Backend on GCS.
type Client struct {
	api *gcs.Client
}

// New dials GCS with ambient credentials.
func New(ctx context.Context) (*Client, error) {
	api, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return &Client{api: api}, nil
}

// Put uploads the body.
func (client *Client) Put(ctx context.Context, ref storage.Ref, body io.Reader) error {
	writer := client.api.Bucket(ref.Container).Object(ref.Key).NewWriter(ctx)
	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return storage.Error.Wrap(err)
	}
	return storage.Error.Wrap(writer.Close())
}

// Get opens the object, reporting absence through found.
func (client *Client) Get(ctx context.Context, ref storage.Ref) (io.ReadCloser, bool, error) {
	reader, err := client.api.Bucket(ref.Container).Object(ref.Key).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Error.Wrap(err)
	}
	return reader, true, nil
}

// List returns the objects under prefix in key order.
func (client *Client) List(ctx context.Context, container, prefix string) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo
	objects := client.api.Bucket(container).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := objects.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storage.Error.Wrap(err)
		}
		infos = append(infos, storage.ObjectInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
	return infos, nil
}

// DeleteBatch removes the keys. GCS exposes no bulk call, so the page
// is drained one delete at a time; a missing key is already deleted.
func (client *Client) DeleteBatch(ctx context.Context, container string, keys []string) error {
	if len(keys) > storage.PaginationMax {
		return storage.Error.New("batch of %d exceeds pagination max %d",
			len(keys), storage.PaginationMax)
	}
	bucket := client.api.Bucket(container)
	for _, key := range keys {
		err := bucket.Object(key).Delete(ctx)
		if err != nil && err != gcs.ErrObjectNotExist {
			return storage.Error.Wrap(err)
		}
	}
	return nil
}

// Close releases the underlying client.
func (client *Client) Close() error {
	return storage.Error.Wrap(client.api.Close())
}
