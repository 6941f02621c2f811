// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package s3store implements the storage backend on S3-compatible
// object stores.
package s3store

import (
	"context"
	"io"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wal-e/wal-e-sub000/pkg/storage"
)

// Config carries S3 connection parameters.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// Client implements storage.Backend on an S3-compatible store.
type Client struct {
	api *minio.Client
}

// New dials the endpoint. Credentials are static; resolution order
// (environment, instance profile) is the caller's concern.
func New(config Config) (*Client, error) {
	api, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.Secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return &Client{api: api}, nil
}

// Put uploads the body. Size is unknown ahead of time because the
// body is the tail of a compression pipeline, so the client streams
// with multipart chunking.
func (client *Client) Put(ctx context.Context, ref storage.Ref, body io.Reader) error {
	_, err := client.api.PutObject(ctx, ref.Container, ref.Key, body, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return storage.Error.Wrap(err)
}

// Get opens the object, reporting absence through found.
func (client *Client) Get(ctx context.Context, ref storage.Ref) (io.ReadCloser, bool, error) {
	// Stat first: GetObject defers errors to the first Read, which
	// would blur the absent-object case the callers depend on.
	_, err := client.api.StatObject(ctx, ref.Container, ref.Key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, false, nil
		}
		return nil, false, storage.Error.Wrap(err)
	}

	object, err := client.api.GetObject(ctx, ref.Container, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, storage.Error.Wrap(err)
	}
	return object, true, nil
}

// List returns the objects under prefix in key order.
func (client *Client) List(ctx context.Context, container, prefix string) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo
	for object := range client.api.ListObjects(ctx, container, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, storage.Error.Wrap(object.Err)
		}
		infos = append(infos, storage.ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	return infos, nil
}

// DeleteBatch issues one bulk-delete call for the page.
func (client *Client) DeleteBatch(ctx context.Context, container string, keys []string) error {
	if len(keys) > storage.PaginationMax {
		return storage.Error.New("batch of %d exceeds pagination max %d",
			len(keys), storage.PaginationMax)
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)

	for result := range client.api.RemoveObjects(ctx, container, objects,
		minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return storage.Error.Wrap(result.Err)
		}
	}
	return nil
}
