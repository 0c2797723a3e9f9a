package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/state"
)

// Latest selects the newest data version in Snapshot.
const Latest = "latest"

// Resolve maps Latest to the newest existing version and returns the session directory.
func (w *Workspace) Resolve(source string, sample bool, version string) (Session, error) {
	if version == "" || version == Latest {
		versions, err := w.Versions(source, sample)
		if err != nil {
			return Session{}, err
		}
		if len(versions) == 0 {
			return Session{}, fmt.Errorf("%s: %w", source, ErrNoVersions)
		}
		version = versions[len(versions)-1]
	}
	return w.Existing(source, sample, version)
}

// Snapshot opens an existing session store and returns its full view.
func (w *Workspace) Snapshot(ctx context.Context, source string, sample bool, version string) (harvest.Snapshot, error) {
	sess, err := w.Resolve(source, sample, version)
	if err != nil {
		return harvest.Snapshot{}, err
	}
	st, err := state.OpenExisting(ctx, sess.StorePath())
	if err != nil {
		return harvest.Snapshot{}, err
	}
	defer func() { _ = st.Close() }()
	return st.Snapshot(ctx)
}

// Summaries returns the newest session summary of every source directory.
// Directories without any session are skipped.
func (w *Workspace) Summaries(ctx context.Context) ([]harvest.Summary, error) {
	dirs, err := w.Sources()
	if err != nil {
		return nil, err
	}
	out := make([]harvest.Summary, 0, len(dirs))
	for _, dir := range dirs {
		source, sample := SplitSourceDir(dir)
		snap, err := w.Snapshot(ctx, source, sample, Latest)
		if err != nil {
			if errors.Is(err, ErrNoVersions) {
				continue
			}
			return nil, err
		}
		out = append(out, harvest.SummaryOf(snap.Session, snap.Stats, lastActivity(snap.Session)))
	}
	return out, nil
}

func lastActivity(s harvest.Session) time.Time {
	latest := s.CreatedAt
	for _, t := range []*time.Time{s.GatherStart, s.GatherFinish, s.FetchStart, s.FetchFinish, s.EndDeliveredAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}
