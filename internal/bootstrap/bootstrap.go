// Package bootstrap provides the repository client the loader uses before the
// target application's own dependencies are available.
//
// Startup happens in two stages. Stage 1 uses a Client from this package to
// read the version rules; the bootstrapper setting selects which one. Stage 2,
// once the version is known, fetches modules through an artifact store backed
// by a Direct client whatever the bootstrapper setting.
package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/domain"
	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/repository"
	"github.com/seantiz/vbin/internal/rules"
)

// StubName is the helper program the stub client looks for on disk.
const StubName = "vbin-stub"

// Client fetches raw artifacts and the version rules.
type Client interface {
	FetchBytes(ctx context.Context, path string) ([]byte, error)
	FetchVersionRules(ctx context.Context) (model.RuleSet, error)
	Close() error
}

var (
	_ Client = (*Direct)(nil)
	_ Client = (*Stub)(nil)
)

// Open returns the client selected by cfg.Bootstrapper.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Bootstrapper == config.BootstrapperDirect {
		return NewDirect(cfg)
	}
	return NewStub(ctx, cfg, logger)
}

// OpenFetcher returns the stage 2 fetcher. It always reads in-process;
// cfg.Bootstrapper only selects the stage 1 client.
func OpenFetcher(cfg config.Config) (artifact.Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewDirect(cfg)
}

// Direct talks to the repository from the current process.
type Direct struct {
	repo    repository.Repository
	fetcher artifact.Fetcher
	rules   rules.Source
}

// NewDirect opens the configured repository in-process.
func NewDirect(cfg config.Config) (*Direct, error) {
	repo, err := repository.New(cfg)
	if err != nil {
		return nil, err
	}
	return NewDirectFrom(repo, rules.Open(cfg, repo)), nil
}

// NewDirectFrom wraps an already opened repository and rule source.
func NewDirectFrom(repo repository.Repository, src rules.Source) *Direct {
	return &Direct{repo: repo, fetcher: artifact.FromRepository(repo), rules: src}
}

// Repository returns the underlying repository.
func (d *Direct) Repository() repository.Repository { return d.repo }

func (d *Direct) FetchBytes(ctx context.Context, path string) ([]byte, error) {
	return d.fetcher.FetchBytes(ctx, path)
}

func (d *Direct) FetchVersionRules(ctx context.Context) (model.RuleSet, error) {
	return d.rules.Rules(ctx)
}

func (d *Direct) Close() error { return nil }

// Stub holds its repository client inside a disposable isolation domain, so
// the client's code never shares a module space with the application.
type Stub struct {
	h *domain.Handle
	// Helper is the program the domain runs.
	Helper string
}

// NewStub starts the helper domain. It prefers a vbin-stub program next to
// the current executable or on PATH and falls back to re-executing the
// current binary, which embeds the same client.
func NewStub(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stub, error) {
	helper := locateStub()
	h, err := domain.Create(ctx, domain.Options{
		Name:    "bootstrap",
		Version: model.NoVersion,
		Command: []string{helper},
		Env:     cfg.Environ(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &Stub{h: h, Helper: helper}, nil
}

func (s *Stub) FetchBytes(ctx context.Context, path string) ([]byte, error) {
	return s.h.FetchBytes(ctx, path)
}

func (s *Stub) FetchVersionRules(ctx context.Context) (model.RuleSet, error) {
	return s.h.FetchVersionRules(ctx)
}

// Close releases the helper domain.
func (s *Stub) Close() error {
	return s.h.Release()
}

func locateStub() string {
	self, selfErr := os.Executable()
	if selfErr == nil {
		sibling := filepath.Join(filepath.Dir(self), StubName)
		if fi, err := os.Stat(sibling); err == nil && !fi.IsDir() {
			return sibling
		}
	}
	if p, err := exec.LookPath(StubName); err == nil {
		return p
	}
	if selfErr != nil {
		return os.Args[0]
	}
	return self
}

// Rules adapts a client to a rule source that fetches once.
func Rules(c Client) *rules.Cached {
	return rules.NewCached(ruleSource{c})
}

type ruleSource struct {
	c Client
}

func (r ruleSource) Rules(ctx context.Context) (model.RuleSet, error) {
	rs, err := r.c.FetchVersionRules(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.VersionResolution, "fetch rules", err)
	}
	return rs, nil
}
