package storage_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/storage"
	"github.com/JakeFAU/procurement-harvester/internal/storage/memory"
)

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestArchiverWritesKeyedObject(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := storage.NewArchiver(blobs, "raw")
	require.NoError(t, err)

	sess := harvest.Session{Source: "moldova", DataVersion: "2024-01-02-03-04-05", Sample: true}
	file := harvest.FileStatus{FileDescriptor: harvest.NewFileDescriptor("page-1.json", "u", harvest.DataTypeReleasePackageJSONLines)}
	uri, err := a.Archive(context.Background(), sess, file, strings.NewReader("{}\n{}\n"))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/moldova_sample/2024-01-02-03-04-05/page-1.json", uri)

	obj, ok := blobs.Get("raw/moldova_sample/2024-01-02-03-04-05/page-1.json")
	require.True(t, ok)
	require.Equal(t, "{}\n{}\n", string(obj.Data))
	require.Equal(t, "application/x-ndjson", obj.ContentType)
}

func TestArchiverWrapsErrors(t *testing.T) {
	t.Parallel()

	a, err := storage.NewArchiver(failingStore{}, "")
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), harvest.Session{Source: "s", DataVersion: "v"},
		harvest.FileStatus{FileDescriptor: harvest.NewFileDescriptor("f", "u", harvest.DataTypeRecord)}, strings.NewReader(""))
	require.ErrorContains(t, err, "quota exceeded")

	_, err = storage.NewArchiver(nil, "")
	require.Error(t, err)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/json", storage.ContentType(harvest.DataTypeReleasePackage))
	require.Equal(t, "application/x-ndjson", storage.ContentType(harvest.DataTypeRecordPackageJSONLines))
	require.Equal(t, "application/octet-stream", storage.ContentType("meta"))
}
