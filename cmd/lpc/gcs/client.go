// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs uploads offset database backups to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type Client struct {
	storageClient *storage.Client
	ProjectId     string
	BucketName    string
}

func NewClient(ctx context.Context, projectId, bucketName, saKeyPath string) (*Client, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("no backup bucket configured")
	}
	if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at path: %s. Please ensure you have the correct key and it is accessible", saKeyPath)
	}

	storageClient, err := storage.NewClient(ctx, option.WithCredentialsFile(saKeyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Client{
		storageClient: storageClient,
		ProjectId:     projectId,
		BucketName:    bucketName,
	}, nil
}

// ObjectName returns the object path of a backup taken at t, e.g.
// "lpc/backups/offsets-20250704T100000Z.json".
func ObjectName(prefix string, t time.Time) string {
	name := "offsets-" + t.UTC().Format("20060102T150405Z") + ".json"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Upload streams r to gcsPath and returns the gs:// URI of the object.
func (c *Client) Upload(ctx context.Context, r io.Reader, gcsPath string) (string, error) {
	obj := c.storageClient.Bucket(c.BucketName).Object(gcsPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to copy backup to GCS object %s: %w", gcsPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", gcsPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", c.BucketName, gcsPath), nil
}

// UploadFile uploads a local backup file.
func (c *Client) UploadFile(ctx context.Context, localPath, gcsPath string) (string, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer localFile.Close()
	return c.Upload(ctx, localFile, gcsPath)
}

// Close releases the storage client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}
