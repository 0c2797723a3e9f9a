package harvest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeClassification(t *testing.T) {
	tests := []struct {
		dataType      DataType
		meta          bool
		lineDelimited bool
		valid         bool
	}{
		{DataTypeReleasePackage, false, false, true},
		{DataTypeRecordPackageJSONLines, false, true, true},
		{DataTypeReleasePackageListInResults, false, false, true},
		{"meta", true, false, true},
		{"meta_index", true, false, true},
		{"zip", false, false, false},
		{"", false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.dataType), func(t *testing.T) {
			assert.Equal(t, tt.meta, tt.dataType.IsMeta())
			assert.Equal(t, tt.lineDelimited, tt.dataType.IsLineDelimited())
			assert.Equal(t, tt.valid, tt.dataType.Valid())
		})
	}
}

func TestPackageType(t *testing.T) {
	assert.Equal(t, DataTypeReleasePackage, DataTypeReleasePackageJSONLines.PackageType())
	assert.Equal(t, DataTypeRecordPackage, DataTypeRecordPackageJSONLines.PackageType())
	assert.Equal(t, DataTypeRelease, DataTypeRelease.PackageType())
}

func TestDescriptorDefaultsAndMatching(t *testing.T) {
	d := NewFileDescriptor("a.json", "https://example.com/a.json", DataTypeReleasePackage)
	assert.Equal(t, DefaultEncoding, d.Encoding)
	assert.Equal(t, DefaultPriority, d.Priority)

	bare := FileDescriptor{Filename: "a.json", URL: "https://example.com/a.json", DataType: DataTypeReleasePackage}
	assert.Equal(t, d, bare.Normalized())
	assert.True(t, d.Matches(bare), "unset fields compare as their defaults")

	// The filename is the key, not part of the comparison.
	renamed := d
	renamed.Filename = "b.json"
	assert.True(t, d.Matches(renamed))

	for name, mutate := range map[string]func(*FileDescriptor){
		"url":       func(f *FileDescriptor) { f.URL = "https://example.com/other.json" },
		"data_type": func(f *FileDescriptor) { f.DataType = DataTypeRecordPackage },
		"encoding":  func(f *FileDescriptor) { f.Encoding = "latin-1" },
		"priority":  func(f *FileDescriptor) { f.Priority = 5 },
	} {
		other := d
		mutate(&other)
		assert.False(t, d.Matches(other), name)
	}
}

func TestPhaseStates(t *testing.T) {
	yes, no := true, false
	var s Session
	assert.Equal(t, PhaseNotRun, s.GatherState())
	assert.Equal(t, PhaseNotRun, s.FetchState())

	s.GatherSuccess = &yes
	s.FetchSuccess = &no
	assert.Equal(t, PhaseSucceeded, s.GatherState())
	assert.Equal(t, PhaseFailed, s.FetchState())
}

func TestFileStatusPendingAndAttempted(t *testing.T) {
	pending := FileStatus{}
	assert.True(t, pending.Pending())
	assert.False(t, pending.Attempted())

	ok := FileStatus{FetchSuccess: true, FetchErrors: []string{}}
	assert.False(t, ok.Pending())
	assert.True(t, ok.Attempted())

	failed := FileStatus{FetchErrors: []string{"boom"}}
	assert.False(t, failed.Pending())
	assert.True(t, failed.Attempted())
}

func TestErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("listing: %w", ErrFileNotFound)
	err := fmt.Errorf("wrapped: %w", &GatherError{Source: "example", Err: cause})

	var gerr *GatherError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "example", gerr.Source)
	assert.ErrorIs(t, err, ErrFileNotFound)

	clash := &ClashError{
		Filename: "a.json",
		Stored:   NewFileDescriptor("a.json", "https://example.com/1", DataTypeReleasePackage),
		Incoming: NewFileDescriptor("a.json", "https://example.com/2", DataTypeReleasePackage),
	}
	assert.Contains(t, clash.Error(), `stored url="https://example.com/1"`)
	assert.Contains(t, clash.Error(), `got url="https://example.com/2"`)
}
