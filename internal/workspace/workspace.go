// Package workspace lays out session directories under the data directory
// and selects data versions.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/JakeFAU/procurement-harvester/internal/state"
)

// VersionLayout formats data versions. Versions sort chronologically as strings.
const VersionLayout = "2006-01-02-15-04-05"

const (
	filesDir     = "files"
	sampleSuffix = "_sample"
)

var (
	// ErrNoVersions is returned when resuming a source that has never run.
	ErrNoVersions = errors.New("no data versions found")
	// ErrInvalidVersion is returned for a data version not in VersionLayout.
	ErrInvalidVersion = errors.New("invalid data version")
)

// Workspace is the root data directory.
type Workspace struct {
	root string
}

// New returns a Workspace rooted at dir.
func New(dir string) (*Workspace, error) {
	if dir == "" {
		return nil, errors.New("data directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute data directory.
func (w *Workspace) Root() string { return w.root }

// Session identifies the directory of one source at one data version.
type Session struct {
	Source      string
	Sample      bool
	DataVersion string
	Dir         string
}

// StorePath is the SQLite state file of the session.
func (s Session) StorePath() string { return filepath.Join(s.Dir, state.Filename) }

// FilesDir is where fetched files are written.
func (s Session) FilesDir() string { return filepath.Join(s.Dir, filesDir) }

// SourceDir returns the directory holding every version of a source.
func (w *Workspace) SourceDir(source string, sample bool) string {
	name := source
	if sample {
		name += sampleSuffix
	}
	return filepath.Join(w.root, name)
}

// Selection chooses which data version to open.
type Selection struct {
	// DataVersion opens an explicit version, creating it if needed.
	DataVersion string
	// Resume opens the newest existing version.
	Resume bool
}

// Open resolves a session directory. With an empty selection a new version
// is stamped from now.
func (w *Workspace) Open(source string, sample bool, sel Selection, now time.Time) (Session, error) {
	if source == "" {
		return Session{}, errors.New("source is required")
	}
	version := sel.DataVersion
	switch {
	case version != "":
		if _, err := ParseVersion(version); err != nil {
			return Session{}, err
		}
	case sel.Resume:
		versions, err := w.Versions(source, sample)
		if err != nil {
			return Session{}, err
		}
		if len(versions) == 0 {
			return Session{}, fmt.Errorf("%s: %w", source, ErrNoVersions)
		}
		version = versions[len(versions)-1]
	default:
		version = FormatVersion(now)
	}
	dir := filepath.Join(w.SourceDir(source, sample), version)
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0o750); err != nil {
		return Session{}, fmt.Errorf("create session directory: %w", err)
	}
	return Session{Source: source, Sample: sample, DataVersion: version, Dir: dir}, nil
}

// Existing returns a session directory that must already hold a store.
func (w *Workspace) Existing(source string, sample bool, version string) (Session, error) {
	if _, err := ParseVersion(version); err != nil {
		return Session{}, err
	}
	s := Session{Source: source, Sample: sample, DataVersion: version, Dir: filepath.Join(w.SourceDir(source, sample), version)}
	if _, err := os.Stat(s.StorePath()); err != nil {
		return Session{}, fmt.Errorf("session %s/%s: %w", source, version, err)
	}
	return s, nil
}

// Versions lists the data versions of a source that hold a store, oldest first.
func (w *Workspace) Versions(source string, sample bool) ([]string, error) {
	entries, err := os.ReadDir(w.SourceDir(source, sample))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list versions of %s: %w", source, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ParseVersion(e.Name()); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(w.SourceDir(source, sample), e.Name(), state.Filename)); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Sources lists the source directories present, sample directories included
// under their own name.
func (w *Workspace) Sources() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sources: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// SplitSourceDir maps a directory name back to its source and sample flag.
func SplitSourceDir(name string) (string, bool) {
	if len(name) > len(sampleSuffix) && name[len(name)-len(sampleSuffix):] == sampleSuffix {
		return name[:len(name)-len(sampleSuffix)], true
	}
	return name, false
}

// FormatVersion stamps a data version from t in UTC.
func FormatVersion(t time.Time) string {
	return t.UTC().Format(VersionLayout)
}

// ParseVersion validates a data version.
func ParseVersion(v string) (time.Time, error) {
	t, err := time.Parse(VersionLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: want %s", ErrInvalidVersion, v, VersionLayout)
	}
	return t, nil
}
