package source

import (
	"context"
	"errors"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// static enumerates a configured list of URLs.
type static struct {
	base
}

func newStatic(b base) (harvest.Source, error) {
	if len(b.cfg.URLs) == 0 {
		return nil, errors.New("static source needs urls")
	}
	return &static{base: b}, nil
}

func (s *static) Enumerate(context.Context) ([]harvest.FileDescriptor, error) {
	descs := make([]harvest.FileDescriptor, 0, len(s.cfg.URLs))
	for _, u := range s.cfg.URLs {
		descs = append(descs, harvest.NewFileDescriptor(DeriveFilename(u), u, s.dataType))
	}
	return s.limit(descs), nil
}

func (s *static) Fetch(ctx context.Context, file harvest.FileDescriptor, dest string) (harvest.FetchOutcome, error) {
	return outcomeOf(s.download(ctx, file, dest, nil)), nil
}
