// Package harvest defines the core types and ports shared across the harvester subsystems.
package harvest

import (
	"strings"
	"time"
)

// DataType tags the shape of a downloaded file and selects how it is delivered downstream.
type DataType string

// Data types understood by the downstream ingestion service. The names are part of the wire protocol.
const (
	DataTypeRecord                      DataType = "record"
	DataTypeRelease                     DataType = "release"
	DataTypeRecordPackage               DataType = "record_package"
	DataTypeReleasePackage              DataType = "release_package"
	DataTypeRecordPackageJSONLines      DataType = "record_package_json_lines"
	DataTypeReleasePackageJSONLines     DataType = "release_package_json_lines"
	DataTypeRecordPackageList           DataType = "record_package_list"
	DataTypeReleasePackageList          DataType = "release_package_list"
	DataTypeRecordPackageListInResults  DataType = "record_package_list_in_results"
	DataTypeReleasePackageListInResults DataType = "release_package_list_in_results"
)

// Descriptor defaults.
const (
	DefaultEncoding = "utf-8"
	DefaultPriority = 1
)

const (
	metaPrefix      = "meta"
	jsonLinesSuffix = "_json_lines"
)

var knownDataTypes = map[DataType]struct{}{
	DataTypeRecord:                      {},
	DataTypeRelease:                     {},
	DataTypeRecordPackage:               {},
	DataTypeReleasePackage:              {},
	DataTypeRecordPackageJSONLines:      {},
	DataTypeReleasePackageJSONLines:     {},
	DataTypeRecordPackageList:           {},
	DataTypeReleasePackageList:          {},
	DataTypeRecordPackageListInResults:  {},
	DataTypeReleasePackageListInResults: {},
}

// IsMeta reports whether the data type marks an intermediate discovery artifact.
func (d DataType) IsMeta() bool {
	return strings.HasPrefix(string(d), metaPrefix)
}

// IsLineDelimited reports whether every line of the file is one package.
func (d DataType) IsLineDelimited() bool {
	return strings.HasSuffix(string(d), jsonLinesSuffix)
}

// PackageType returns the per-line type of a line-delimited data type.
func (d DataType) PackageType() DataType {
	return DataType(strings.TrimSuffix(string(d), jsonLinesSuffix))
}

// Valid reports whether the data type is one of the known values or carries the meta prefix.
func (d DataType) Valid() bool {
	if d.IsMeta() {
		return true
	}
	_, ok := knownDataTypes[d]
	return ok
}

// FileDescriptor is the value object a plugin produces for each file it wants fetched.
type FileDescriptor struct {
	Filename string   `json:"filename" yaml:"filename"`
	URL      string   `json:"url" yaml:"url"`
	DataType DataType `json:"data_type" yaml:"data_type"`
	Encoding string   `json:"encoding" yaml:"encoding"`
	// Priority orders the fetch queue; higher values are fetched first. Zero means DefaultPriority.
	Priority int `json:"priority" yaml:"priority"`
}

// NewFileDescriptor returns a descriptor with the default encoding and priority.
func NewFileDescriptor(filename, url string, dataType DataType) FileDescriptor {
	return FileDescriptor{
		Filename: filename,
		URL:      url,
		DataType: dataType,
		Encoding: DefaultEncoding,
		Priority: DefaultPriority,
	}
}

// Normalized fills unset fields with their defaults.
func (d FileDescriptor) Normalized() FileDescriptor {
	if d.Encoding == "" {
		d.Encoding = DefaultEncoding
	}
	if d.Priority == 0 {
		d.Priority = DefaultPriority
	}
	return d
}

// Matches reports whether two descriptors agree on every field the clash rule compares.
func (d FileDescriptor) Matches(other FileDescriptor) bool {
	a, b := d.Normalized(), other.Normalized()
	return a.URL == b.URL &&
		a.DataType == b.DataType &&
		a.Encoding == b.Encoding &&
		a.Priority == b.Priority
}

// FetchOutcome is what a plugin's fetch returns for one file.
type FetchOutcome struct {
	Errors          []string
	Warnings        []string
	AdditionalFiles []FileDescriptor
}

// PhaseState is the tri-state outcome of a session phase.
type PhaseState string

// Phase states.
const (
	PhaseNotRun    PhaseState = "not_run"
	PhaseFailed    PhaseState = "failed"
	PhaseSucceeded PhaseState = "succeeded"
)

// Session is the persistent record of one source's harvest at a data version.
type Session struct {
	Source      string    `json:"source" yaml:"source"`
	BaseURL     string    `json:"base_url" yaml:"base_url"`
	Sample      bool      `json:"sample" yaml:"sample"`
	DataVersion string    `json:"data_version" yaml:"data_version"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`

	GatherStart      *time.Time `json:"gather_start,omitempty" yaml:"gather_start,omitempty"`
	GatherFinish     *time.Time `json:"gather_finish,omitempty" yaml:"gather_finish,omitempty"`
	GatherSuccess    *bool      `json:"gather_success,omitempty" yaml:"gather_success,omitempty"`
	GatherError      string     `json:"gather_error,omitempty" yaml:"gather_error,omitempty"`
	GatherStacktrace string     `json:"gather_stacktrace,omitempty" yaml:"gather_stacktrace,omitempty"`

	FetchStart   *time.Time `json:"fetch_start,omitempty" yaml:"fetch_start,omitempty"`
	FetchFinish  *time.Time `json:"fetch_finish,omitempty" yaml:"fetch_finish,omitempty"`
	FetchSuccess *bool      `json:"fetch_success,omitempty" yaml:"fetch_success,omitempty"`

	EndDeliveredAt *time.Time `json:"end_delivered_at,omitempty" yaml:"end_delivered_at,omitempty"`
}

// GatherState returns the gather phase outcome.
func (s Session) GatherState() PhaseState {
	return phaseState(s.GatherSuccess)
}

// FetchState returns the fetch phase outcome.
func (s Session) FetchState() PhaseState {
	return phaseState(s.FetchSuccess)
}

func phaseState(flag *bool) PhaseState {
	switch {
	case flag == nil:
		return PhaseNotRun
	case *flag:
		return PhaseSucceeded
	default:
		return PhaseFailed
	}
}

// FileStatus is the persisted state of one discovered file.
type FileStatus struct {
	FileDescriptor `yaml:",inline"`

	FetchStart    *time.Time `json:"fetch_start,omitempty" yaml:"fetch_start,omitempty"`
	FetchFinish   *time.Time `json:"fetch_finish,omitempty" yaml:"fetch_finish,omitempty"`
	FetchSuccess  bool       `json:"fetch_success" yaml:"fetch_success"`
	FetchErrors   []string   `json:"fetch_errors" yaml:"fetch_errors"`
	FetchWarnings []string   `json:"fetch_warnings,omitempty" yaml:"fetch_warnings,omitempty"`

	DeliveredAt   *time.Time `json:"delivered_at,omitempty" yaml:"delivered_at,omitempty"`
	DeliveryError string     `json:"delivery_error,omitempty" yaml:"delivery_error,omitempty"`
}

// Pending reports whether the row is eligible for fetching.
func (f FileStatus) Pending() bool {
	return !f.FetchSuccess && f.FetchErrors == nil
}

// Attempted reports whether a fetch attempt has completed for the row.
func (f FileStatus) Attempted() bool {
	return f.FetchErrors != nil
}

// QueueStats summarises the files of a session.
type QueueStats struct {
	Total       int `json:"total" yaml:"total"`
	Pending     int `json:"pending" yaml:"pending"`
	Succeeded   int `json:"succeeded" yaml:"succeeded"`
	Failed      int `json:"failed" yaml:"failed"`
	Undelivered int `json:"undelivered" yaml:"undelivered"`
}

// Snapshot is the full session and files view used for status reporting.
type Snapshot struct {
	Session Session      `json:"session" yaml:"session"`
	Stats   QueueStats   `json:"stats" yaml:"stats"`
	Files   []FileStatus `json:"files" yaml:"files"`
}

// DeliveryKind describes which downstream endpoint handled a file.
type DeliveryKind string

// Delivery kinds.
const (
	DeliveryDisabled DeliveryKind = "disabled"
	DeliverySkipped  DeliveryKind = "skipped"
	DeliveryErrors   DeliveryKind = "file_errors"
	DeliveryItems    DeliveryKind = "items"
	DeliveryFile     DeliveryKind = "file"
)
