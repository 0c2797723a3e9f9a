package harvest

import (
	"errors"
	"fmt"
)

// ErrGatherNotSucceeded is returned when the fetch phase is requested before a successful gather.
var ErrGatherNotSucceeded = errors.New("gather phase has not succeeded")

// ErrDuplicateFilename is returned by Store.AddFile when the filename already exists.
var ErrDuplicateFilename = errors.New("duplicate filename")

// ErrFileNotFound is returned when a filename has no row.
var ErrFileNotFound = errors.New("file not found")

// ClashError reports a filename that was produced twice with different metadata.
type ClashError struct {
	Filename string
	Stored   FileDescriptor
	Incoming FileDescriptor
}

func (e *ClashError) Error() string {
	return fmt.Sprintf(
		"filename %q already exists with different metadata: stored url=%q data_type=%q encoding=%q priority=%d, "+
			"got url=%q data_type=%q encoding=%q priority=%d",
		e.Filename,
		e.Stored.URL, e.Stored.DataType, e.Stored.Encoding, e.Stored.Priority,
		e.Incoming.URL, e.Incoming.DataType, e.Incoming.Encoding, e.Incoming.Priority,
	)
}

// GatherError wraps a failure that aborted the gather phase.
type GatherError struct {
	Source     string
	Err        error
	Stacktrace string
}

func (e *GatherError) Error() string {
	return fmt.Sprintf("gather %s failed: %v", e.Source, e.Err)
}

func (e *GatherError) Unwrap() error {
	return e.Err
}

// DownstreamError reports a non-success response from the ingestion service.
type DownstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// PanicError wraps a recovered plugin panic.
type PanicError struct {
	Value      any
	Stacktrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panic: %v", e.Value)
}
