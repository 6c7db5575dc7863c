// Package artifact fetches versioned module artifacts from the repository and
// memoizes the loaded modules for the life of the process.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
	"github.com/seantiz/vbin/internal/repository"
)

// Fetcher reads raw bytes by repository path. A missing object is reported as
// repository.ErrNotFound.
type Fetcher interface {
	FetchBytes(ctx context.Context, path string) ([]byte, error)
}

// Options configures a Store.
type Options struct {
	Version model.Version
	// ThrowOnMissing turns a missing artifact into an error instead of a nil
	// module.
	ThrowOnMissing bool
	// Extensions overrides the candidate probe order.
	Extensions []string
	Logger     *slog.Logger
}

// Store is the loaded-module cache for one version. Cache hits never block;
// misses are serialised by a single fetch lock.
type Store struct {
	fetcher Fetcher
	space   *modspace.Space
	version model.Version
	exts    []string
	throw   bool
	logger  *slog.Logger

	cache   sync.Map // lower-case name -> *modspace.Module
	fetchMu sync.Mutex
}

// New returns a Store that fetches through f and loads into space.
func New(f Fetcher, space *modspace.Space, opts Options) *Store {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = model.DefaultExtensions
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fetcher: f,
		space:   space,
		version: opts.Version,
		exts:    exts,
		throw:   opts.ThrowOnMissing,
		logger:  logger.With("version", opts.Version.String()),
	}
}

// Version returns the version the store fetches.
func (s *Store) Version() model.Version { return s.version }

// GetModule returns the loaded module for name. When no candidate artifact
// exists it returns (nil, nil), or an ArtifactNotFound failure if the store
// was configured to throw on missing artifacts.
func (s *Store) GetModule(ctx context.Context, name string) (*modspace.Module, error) {
	name = model.StripQualifier(name)
	k := strings.ToLower(name)
	if m, ok := s.cache.Load(k); ok {
		cacheHits.Inc()
		return m.(*modspace.Module), nil
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if m, ok := s.cache.Load(k); ok {
		cacheHits.Inc()
		return m.(*modspace.Module), nil
	}
	cacheMisses.Inc()

	start := time.Now()
	a, err := s.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		notFound.Inc()
		s.logger.Debug("artifact not found", "module", name)
		if s.throw {
			return nil, failure.New(failure.ArtifactNotFound, "get module", "%s not found under %s", name, s.version.BasePath())
		}
		return nil, nil
	}

	m, err := s.space.Load(ctx, *a)
	if err != nil {
		return nil, failure.Wrap(failure.ModuleNotFound, "load module", err)
	}
	s.cache.Store(k, m)
	fetchDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("module fetched", "module", name, "path", a.Path, "bytes", len(a.Data), "symbols", len(a.Symbols) > 0)
	return m, nil
}

// fetch probes each candidate extension in order. It returns nil when none
// exists.
func (s *Store) fetch(ctx context.Context, name string) (*modspace.Artifact, error) {
	key := model.ArtifactKey{BasePath: s.version.BasePath(), Name: name, Extensions: s.exts}
	for _, p := range key.Candidates() {
		data, err := s.fetcher.FetchBytes(ctx, p)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, failure.Wrap(failure.Internal, "fetch artifact", fmt.Errorf("%s: %w", p, err))
		}
		return &modspace.Artifact{
			Name:    name,
			Version: s.version,
			Path:    p,
			Data:    data,
			Symbols: s.fetchSymbols(ctx, p),
		}, nil
	}
	return nil, nil
}

// fetchSymbols returns the debug symbols next to p, or nil. Failures are not
// fatal.
func (s *Store) fetchSymbols(ctx context.Context, p string) []byte {
	sp := model.DebugPath(p)
	data, err := s.fetcher.FetchBytes(ctx, sp)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("fetch debug symbols failed", "path", sp, "error", err)
		}
		return nil
	}
	return data
}

// Hook returns a resolution hook backed by the store. It declines when the
// artifact is missing and the store does not throw.
func (s *Store) Hook() modspace.Hook {
	return s.GetModule
}

// Preload fetches each named module, failing on the first missing one.
func (s *Store) Preload(ctx context.Context, names ...string) error {
	for _, name := range names {
		m, err := s.GetModule(ctx, name)
		if err != nil {
			return err
		}
		if m == nil {
			return failure.New(failure.ArtifactNotFound, "preload", "%s not found under %s", name, s.version.BasePath())
		}
	}
	return nil
}

// Loaded returns the names of every cached module.
func (s *Store) Loaded() []string {
	var out []string
	s.cache.Range(func(_, v any) bool {
		out = append(out, v.(*modspace.Module).Name)
		return true
	})
	return out
}
