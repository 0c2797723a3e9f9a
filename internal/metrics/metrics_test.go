package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := harvestFilesTotal
	Init()
	require.Same(t, first, harvestFilesTotal)
}

func TestObserveHelpers(t *testing.T) {
	ObserveFile("metrics-test", true)
	ObserveFile("metrics-test", false)
	ObserveFile("metrics-test", false)
	require.InDelta(t, 1, testutil.ToFloat64(harvestFilesTotal.WithLabelValues("metrics-test", "success")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(harvestFilesTotal.WithLabelValues("metrics-test", "failure")), 0)

	ObserveDownload("metrics.example", 0)
	ObserveDownload("metrics.example", 512)
	require.InDelta(t, 512, testutil.ToFloat64(harvestBytesTotal.WithLabelValues("metrics.example")), 0)

	ObserveDelivery("file", errors.New("boom"))
	require.InDelta(t, 1, testutil.ToFloat64(harvestDeliveriesTotal.WithLabelValues("file", "failure")), 0)

	SetPending("metrics-test", 7)
	require.InDelta(t, 7, testutil.ToFloat64(harvestPendingFiles.WithLabelValues("metrics-test")), 0)

	ObservePhase("metrics-test", "gather", true)
	require.InDelta(t, 1, testutil.ToFloat64(harvestPhasesTotal.WithLabelValues("metrics-test", "gather", "success")), 0)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
