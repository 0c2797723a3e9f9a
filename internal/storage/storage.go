// Package storage archives fetched files to a blob store.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver implements harvest.Archiver on top of a BlobStore.
type Archiver struct {
	blobs  BlobStore
	prefix string
}

// NewArchiver returns an Archiver writing under prefix.
func NewArchiver(blobs BlobStore, prefix string) (*Archiver, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Archiver{blobs: blobs, prefix: prefix}, nil
}

// Archive uploads body as <prefix>/<source>[_sample]/<version>/<filename>.
func (a *Archiver) Archive(ctx context.Context, session harvest.Session, file harvest.FileStatus, body io.Reader) (string, error) {
	uri, err := a.blobs.PutObject(ctx, ObjectKey(a.prefix, session, file.Filename), ContentType(file.DataType), body)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", file.Filename, err)
	}
	return uri, nil
}

// ObjectKey builds the archive key of a file.
func ObjectKey(prefix string, session harvest.Session, filename string) string {
	source := session.Source
	if session.Sample {
		source += "_sample"
	}
	return path.Join(prefix, source, session.DataVersion, filename)
}

// ContentType maps a data type to the MIME type stored with the object.
func ContentType(dt harvest.DataType) string {
	switch {
	case dt.IsMeta():
		return "application/octet-stream"
	case dt.IsLineDelimited():
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

var _ harvest.Archiver = (*Archiver)(nil)
