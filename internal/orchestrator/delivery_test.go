package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

func TestDeliveryOutcomesAreRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	meta := harvest.FileDescriptor{Filename: "index", URL: "u/index", DataType: "meta", Priority: 9}
	src := &enumSource{descs: []harvest.FileDescriptor{meta, desc("A", "u/A", 5), desc("B", "u/B", 1)}}
	dl := &fakeDownloader{failures: map[string][]string{"u/B": {"gone"}}}
	pub := &fakePublisher{}
	o := h.orchestrator(t, src, dl, WithPublisher(pub))

	require.NoError(t, o.Run(ctx))
	require.Equal(t, []string{"index", "A", "B"}, pub.filenames())
	require.Equal(t, 1, pub.ends)

	pub.mu.Lock()
	require.Equal(t, filepath.Join(h.dir, "files", "A"), pub.published[1].Path)
	require.Equal(t, []string{"gone"}, pub.published[2].Errors)
	pub.mu.Unlock()

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Undelivered)

	sess, err := h.store.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess.EndDeliveredAt)
}

func TestDeliveryFailureDoesNotStopFetchAndCanBeRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	src := &enumSource{descs: []harvest.FileDescriptor{desc("A", "u/A", 5), desc("B", "u/B", 1)}}
	pub := &fakePublisher{}
	pub.setFailure("A", &harvest.DownstreamError{Endpoint: "submit/file/", StatusCode: 503})
	o := h.orchestrator(t, src, &fakeDownloader{}, WithPublisher(pub))

	require.NoError(t, o.Run(ctx))
	require.Equal(t, []string{"B"}, pub.filenames())

	a, err := h.store.GetFile(ctx, "A")
	require.NoError(t, err)
	require.True(t, a.FetchSuccess, "delivery failure leaves the fetch outcome intact")
	require.Nil(t, a.DeliveredAt)
	require.Contains(t, a.DeliveryError, "503")

	undelivered, err := h.store.UndeliveredFiles(ctx)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)

	pub.setFailure("A", nil)
	res, err := o.Redeliver(ctx)
	require.NoError(t, err)
	require.Equal(t, RedeliverResult{Delivered: 1, EndDelivered: true}, res)
	require.Equal(t, []string{"B", "A"}, pub.filenames())

	undelivered, err = h.store.UndeliveredFiles(ctx)
	require.NoError(t, err)
	require.Empty(t, undelivered)
}

func TestEndMarkerWaitsForOutstandingDeliveries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	src := &enumSource{descs: []harvest.FileDescriptor{desc("A", "u/A", 5), desc("B", "u/B", 1)}}
	pub := &fakePublisher{}
	pub.setFailure("A", &harvest.DownstreamError{Endpoint: "submit/file/", StatusCode: 503})
	o := h.orchestrator(t, src, &fakeDownloader{}, WithPublisher(pub))

	require.NoError(t, o.Run(ctx))
	require.Zero(t, pub.ends)
	sess, err := h.store.Session(ctx)
	require.NoError(t, err)
	require.Nil(t, sess.EndDeliveredAt)

	// A second failed attempt still holds the marker back.
	res, err := o.Redeliver(ctx)
	require.NoError(t, err)
	require.Equal(t, RedeliverResult{Failed: 1}, res)
	require.Zero(t, pub.ends)

	pub.setFailure("A", nil)
	res, err = o.Redeliver(ctx)
	require.NoError(t, err)
	require.Equal(t, RedeliverResult{Delivered: 1, EndDelivered: true}, res)
	require.Equal(t, 1, pub.ends)
	require.Equal(t, []string{"B", "A"}, pub.filenames())

	sess, err = h.store.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess.EndDeliveredAt)
}

func TestRedeliverSendsMissingEndMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	src := &enumSource{descs: []harvest.FileDescriptor{desc("A", "u/A", 1)}}
	pub := &fakePublisher{endErr: errors.New("unavailable")}
	o := h.orchestrator(t, src, &fakeDownloader{}, WithPublisher(pub))

	require.NoError(t, o.Run(ctx))
	sess, err := h.store.Session(ctx)
	require.NoError(t, err)
	require.Nil(t, sess.EndDeliveredAt)

	pub.mu.Lock()
	pub.endErr = nil
	pub.mu.Unlock()

	res, err := o.Redeliver(ctx)
	require.NoError(t, err)
	require.True(t, res.EndDelivered)
	require.Equal(t, 1, pub.ends)

	res, err = o.Redeliver(ctx)
	require.NoError(t, err)
	require.Equal(t, RedeliverResult{}, res)
	require.Equal(t, 1, pub.ends)
}

func TestFailFastStopsOnDeliveryError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	src := &enumSource{descs: []harvest.FileDescriptor{desc("A", "u/A", 5), desc("B", "u/B", 1)}}
	pub := &fakePublisher{}
	pub.setFailure("A", errors.New("rejected"))
	dl := &fakeDownloader{}
	o := h.orchestratorWith(t, src, dl, Config{FilesDir: filepath.Join(h.dir, "files"), FailFast: true}, WithPublisher(pub))

	err := o.Run(ctx)
	require.ErrorContains(t, err, "rejected")
	require.Equal(t, []string{"u/A"}, dl.urls())

	a, err := h.store.GetFile(ctx, "A")
	require.NoError(t, err)
	require.True(t, a.FetchSuccess)

	pending, err := h.store.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestRedeliverRequiresPublisher(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(t, &enumSource{}, &fakeDownloader{})
	_, err := o.Redeliver(context.Background())
	require.ErrorIs(t, err, ErrDeliveryDisabled)
}
