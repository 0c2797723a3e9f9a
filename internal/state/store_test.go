package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-harvester/internal/clock"
	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

func testInfo() SessionInfo {
	return SessionInfo{
		Source:      "example",
		BaseURL:     "https://example.com",
		DataVersion: "2024-01-02-03-04-05",
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), Filename)
	s, err := Open(context.Background(), path, testInfo(), WithClock(clock.NewStepping(time.Unix(1700000000, 0), time.Second)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSessionOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", Filename)
	s, err := Open(ctx, path, testInfo())
	require.NoError(t, err)
	first, err := s.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, "example", first.Source)
	require.Equal(t, harvest.PhaseNotRun, first.GatherState())
	require.Equal(t, harvest.PhaseNotRun, first.FetchState())
	require.NoError(t, s.Close())

	other := testInfo()
	other.BaseURL = "https://changed.example.com"
	other.Sample = true
	reopened, err := Open(ctx, path, other)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, first.BaseURL, second.BaseURL)
	require.False(t, second.Sample)
	require.True(t, first.CreatedAt.Equal(second.CreatedAt))

	rev, err := reopened.Revision(ctx)
	require.NoError(t, err)
	require.Equal(t, LatestRevision(), rev)
}

func TestOpenRequiresIdentity(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), filepath.Join(t.TempDir(), Filename), SessionInfo{DataVersion: "v"})
	require.ErrorContains(t, err, "source")

	_, err = Open(context.Background(), filepath.Join(t.TempDir(), Filename), SessionInfo{Source: "s"})
	require.ErrorContains(t, err, "data version")
}

func TestOpenExistingMissingFile(t *testing.T) {
	t.Parallel()

	_, err := OpenExisting(context.Background(), filepath.Join(t.TempDir(), Filename))
	require.Error(t, err)
}

func TestAddFileAndMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	desc := harvest.FileDescriptor{Filename: "a.json", URL: "https://example.com/a", DataType: harvest.DataTypeReleasePackage}
	require.NoError(t, s.AddFile(ctx, desc))

	has, err := s.HasFile(ctx, "a.json")
	require.NoError(t, err)
	require.True(t, has)

	stored, err := s.GetFile(ctx, "a.json")
	require.NoError(t, err)
	require.Equal(t, harvest.DefaultEncoding, stored.Encoding)
	require.Equal(t, harvest.DefaultPriority, stored.Priority)
	require.True(t, stored.Pending())
	require.Nil(t, stored.FetchErrors)

	match, err := s.FilesMatch(ctx, "a.json", harvest.NewFileDescriptor("a.json", "https://example.com/a", harvest.DataTypeReleasePackage))
	require.NoError(t, err)
	require.True(t, match)

	changed := desc
	changed.URL = "https://example.com/other"
	match, err = s.FilesMatch(ctx, "a.json", changed)
	require.NoError(t, err)
	require.False(t, match)

	err = s.AddFile(ctx, desc)
	require.ErrorIs(t, err, harvest.ErrDuplicateFilename)

	_, err = s.GetFile(ctx, "missing.json")
	require.ErrorIs(t, err, harvest.ErrFileNotFound)
}

func TestEndFetchExcludesFromQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("ok.json", "u1", harvest.DataTypeRecord)))
	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("bad.json", "u2", harvest.DataTypeRecord)))

	require.NoError(t, s.BeginFetch(ctx, "ok.json"))
	require.NoError(t, s.EndFetch(ctx, "ok.json", nil, []string{"removed control code"}))
	require.NoError(t, s.BeginFetch(ctx, "bad.json"))
	require.NoError(t, s.EndFetch(ctx, "bad.json", []string{"boom"}, nil))

	ok, err := s.GetFile(ctx, "ok.json")
	require.NoError(t, err)
	require.True(t, ok.FetchSuccess)
	require.NotNil(t, ok.FetchErrors)
	require.Empty(t, ok.FetchErrors)
	require.Equal(t, []string{"removed control code"}, ok.FetchWarnings)
	require.NotNil(t, ok.FetchStart)
	require.NotNil(t, ok.FetchFinish)

	bad, err := s.GetFile(ctx, "bad.json")
	require.NoError(t, err)
	require.False(t, bad.FetchSuccess)
	require.Equal(t, []string{"boom"}, bad.FetchErrors)

	_, found, err := s.NextPendingFile(ctx)
	require.NoError(t, err)
	require.False(t, found)

	err = s.EndFetch(ctx, "missing.json", nil, nil)
	require.ErrorIs(t, err, harvest.ErrFileNotFound)
}

func TestGatherAndFetchPhaseOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.BeginGather(ctx))
	require.NoError(t, s.EndGather(ctx, false, "enumerate failed", "stack"))
	sess, err := s.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.PhaseFailed, sess.GatherState())
	require.Equal(t, "enumerate failed", sess.GatherError)
	require.Equal(t, "stack", sess.GatherStacktrace)
	require.NotNil(t, sess.GatherStart)

	require.NoError(t, s.EndGather(ctx, true, "", ""))
	sess, err = s.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.PhaseSucceeded, sess.GatherState())
	require.Empty(t, sess.GatherError)

	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("a.json", "u", harvest.DataTypeRecord)))
	require.NoError(t, s.BeginFetchPhase(ctx))
	success, err := s.EndFetchPhase(ctx)
	require.NoError(t, err)
	require.False(t, success, "a pending row keeps the phase unsuccessful")

	require.NoError(t, s.EndFetch(ctx, "a.json", nil, nil))
	success, err = s.EndFetchPhase(ctx)
	require.NoError(t, err)
	require.True(t, success)

	sess, err = s.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.PhaseSucceeded, sess.FetchState())
	require.NotNil(t, sess.FetchFinish)
}

func TestRewindFailedFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	for _, name := range []string{"done.json", "failed.json", "pending.json"} {
		require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor(name, "u/"+name, harvest.DataTypeRecord)))
	}
	require.NoError(t, s.EndFetch(ctx, "done.json", nil, nil))
	require.NoError(t, s.EndFetch(ctx, "failed.json", []string{"timeout"}, nil))
	require.NoError(t, s.EndGather(ctx, true, "", ""))

	deleted, err := s.RewindFailedFiles(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	require.Equal(t, "done.json", snap.Files[0].Filename)
	require.Equal(t, harvest.PhaseNotRun, snap.Session.GatherState())

	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("failed.json", "u/failed.json", harvest.DataTypeRecord)))
	next, found, err := s.NextPendingFile(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "failed.json", next.Filename)
}

func TestDeliveryTracking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("a.json", "u/a", harvest.DataTypeRecord)))
	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("b.json", "u/b", harvest.DataTypeRecord)))
	require.NoError(t, s.AddFile(ctx, harvest.NewFileDescriptor("c.json", "u/c", harvest.DataTypeRecord)))
	require.NoError(t, s.EndFetch(ctx, "a.json", nil, nil))
	require.NoError(t, s.EndFetch(ctx, "b.json", nil, nil))

	require.NoError(t, s.MarkDelivered(ctx, "a.json", ""))
	require.NoError(t, s.MarkDelivered(ctx, "b.json", "downstream returned 500"))

	undelivered, err := s.UndeliveredFiles(ctx)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	require.Equal(t, "b.json", undelivered[0].Filename)
	require.Equal(t, "downstream returned 500", undelivered[0].DeliveryError)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.QueueStats{Total: 3, Pending: 1, Succeeded: 2, Failed: 0, Undelivered: 1}, stats)

	require.NoError(t, s.MarkEndDelivered(ctx))
	sess, err := s.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess.EndDeliveredAt)
}
