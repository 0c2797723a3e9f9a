package harvest

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Source is the plugin contract for one publisher. Enumerate is called once per gather phase.
type Source interface {
	Name() string
	Enumerate(ctx context.Context) ([]FileDescriptor, error)
}

// Fetcher is implemented by sources that post-process downloads or discover further files.
// Sources without it get the default download-to-disk behaviour.
type Fetcher interface {
	Fetch(ctx context.Context, file FileDescriptor, dest string) (FetchOutcome, error)
}

// DownloadRequest describes one download to disk.
type DownloadRequest struct {
	URL           string
	Dest          string
	Header        http.Header
	SkipTLSVerify bool
	NoSanitize    bool
}

// DownloadResult reports a finished download. Errors is non-empty when nothing usable was written.
type DownloadResult struct {
	// StatusCode is the last HTTP status seen, zero if no response arrived.
	StatusCode int
	Bytes      int64
	Errors     []string
	Warnings   []string
}

// Downloader streams a URL to a file with retries and content sanitization.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) DownloadResult
}

// Store persists the session and its files. It is single-writer; the orchestrator is the only caller that mutates it.
type Store interface {
	Session(ctx context.Context) (Session, error)
	HasFile(ctx context.Context, filename string) (bool, error)
	FilesMatch(ctx context.Context, filename string, desc FileDescriptor) (bool, error)
	GetFile(ctx context.Context, filename string) (FileStatus, error)
	AddFile(ctx context.Context, desc FileDescriptor) error
	NextPendingFile(ctx context.Context) (FileStatus, bool, error)
	BeginFetch(ctx context.Context, filename string) error
	EndFetch(ctx context.Context, filename string, errs, warnings []string) error
	BeginGather(ctx context.Context) error
	EndGather(ctx context.Context, success bool, errText, stacktrace string) error
	BeginFetchPhase(ctx context.Context) error
	EndFetchPhase(ctx context.Context) (bool, error)
	RewindFailedFiles(ctx context.Context) (int64, error)
	MarkDelivered(ctx context.Context, filename string, deliveryErr string) error
	MarkEndDelivered(ctx context.Context) error
	UndeliveredFiles(ctx context.Context) ([]FileStatus, error)
	Stats(ctx context.Context) (QueueStats, error)
	Snapshot(ctx context.Context) (Snapshot, error)
}

// PublishRequest carries one file outcome to the downstream service.
type PublishRequest struct {
	Session  Session
	File     FileStatus
	Path     string
	Errors   []string
	Warnings []string
}

// Publisher forwards file outcomes to the downstream ingestion service.
type Publisher interface {
	Enabled() bool
	Publish(ctx context.Context, req PublishRequest) (DeliveryKind, error)
	PublishEndOfSession(ctx context.Context, session Session) error
}

// Archiver copies successfully fetched files to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, session Session, file FileStatus, body io.Reader) (string, error)
}

// Notifier receives session lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Reporter mirrors session summaries into an external catalog.
type Reporter interface {
	Report(ctx context.Context, summary Summary) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// EventKind names a lifecycle milestone.
type EventKind string

// Lifecycle events.
const (
	EventGatherDone EventKind = "gather_done"
	EventFileDone   EventKind = "file_done"
	EventFetchDone  EventKind = "fetch_done"
	EventRewind     EventKind = "rewind"
)

// Event is one lifecycle notification.
type Event struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	Source      string    `json:"source"`
	DataVersion string    `json:"data_version"`
	Sample      bool      `json:"sample"`
	Filename    string    `json:"filename,omitempty"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Summary is the compact session view written to the catalog.
type Summary struct {
	Source       string     `json:"source" yaml:"source"`
	DataVersion  string     `json:"data_version" yaml:"data_version"`
	Sample       bool       `json:"sample" yaml:"sample"`
	GatherState  PhaseState `json:"gather_state" yaml:"gather_state"`
	FetchState   PhaseState `json:"fetch_state" yaml:"fetch_state"`
	Stats        QueueStats `json:"stats" yaml:"stats"`
	GatherError  string     `json:"gather_error,omitempty" yaml:"gather_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at" yaml:"updated_at"`
	FetchFinish  *time.Time `json:"fetch_finish,omitempty" yaml:"fetch_finish,omitempty"`
	GatherFinish *time.Time `json:"gather_finish,omitempty" yaml:"gather_finish,omitempty"`
}

// SummaryOf builds a Summary from a session and its stats.
func SummaryOf(session Session, stats QueueStats, at time.Time) Summary {
	return Summary{
		Source:       session.Source,
		DataVersion:  session.DataVersion,
		Sample:       session.Sample,
		GatherState:  session.GatherState(),
		FetchState:   session.FetchState(),
		Stats:        stats,
		GatherError:  session.GatherError,
		UpdatedAt:    at,
		FetchFinish:  session.FetchFinish,
		GatherFinish: session.GatherFinish,
	}
}
