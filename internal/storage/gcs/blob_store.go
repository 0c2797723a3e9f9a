// Package gcs archives fetched procurement files to a Google Cloud Storage
// bucket. Objects are write-once: a data version is immutable, so a resumed
// session re-archiving a file keeps the object that is already there.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config names the archive bucket.
type Config struct {
	Bucket string
}

// BlobStore implements storage.BlobStore on a single bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Open connects with Application Default Credentials and fails fast when the
// archive bucket is unreachable. The returned func closes the client.
func Open(ctx context.Context, cfg Config) (*BlobStore, func() error, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("get GCS bucket %q attributes: %w", cfg.Bucket, err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client.Close, nil
}

// PutObject uploads r as key unless the object already exists, and returns
// its gs:// URI in both cases.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, key)

	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	_, copyErr := io.Copy(writer, r)
	closeErr := writer.Close()
	switch {
	case alreadyArchived(copyErr), alreadyArchived(closeErr):
		return uri, nil
	case copyErr != nil && closeErr != nil:
		return "", fmt.Errorf("upload %s: %w (close writer: %v)", key, copyErr, closeErr)
	case copyErr != nil:
		return "", fmt.Errorf("upload %s: %w", key, copyErr)
	case closeErr != nil:
		return "", fmt.Errorf("finalize %s: %w", key, closeErr)
	}
	return uri, nil
}

func alreadyArchived(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
