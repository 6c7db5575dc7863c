package runner

import (
	"context"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/bootstrap"
	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
	"github.com/seantiz/vbin/internal/resolver"
	"github.com/seantiz/vbin/internal/store"
)

// BootstrapFunc opens the stage 1 client used to read the version rules.
type BootstrapFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger) (bootstrap.Client, error)

// FetcherFunc opens the stage 2 fetcher modules are read through once the
// version is known.
type FetcherFunc func(cfg config.Config) (artifact.Fetcher, error)

// Runner launches targets.
type Runner struct {
	cfg           config.Config
	logger        *slog.Logger
	ledger        store.Store
	loaders       map[string]modspace.Loader
	hostname      func() (string, error)
	openBootstrap BootstrapFunc
	openFetcher   FetcherFunc
	domainCommand []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Without it the logger is built from the
// effective configuration of each run.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithLedger records every run in s.
func WithLedger(s store.Store) Option {
	return func(r *Runner) { r.ledger = s }
}

// WithLoaders overrides the module loaders of the run's module space.
func WithLoaders(m map[string]modspace.Loader) Option {
	return func(r *Runner) { r.loaders = m }
}

// WithHostname overrides the machine name used to match version rules.
func WithHostname(fn func() (string, error)) Option {
	return func(r *Runner) { r.hostname = fn }
}

// WithBootstrap overrides how the stage 1 client is opened.
func WithBootstrap(fn BootstrapFunc) Option {
	return func(r *Runner) { r.openBootstrap = fn }
}

// WithFetcher overrides how the stage 2 fetcher is opened.
func WithFetcher(fn FetcherFunc) Option {
	return func(r *Runner) { r.openFetcher = fn }
}

// WithDomainCommand sets the program isolation domains created through the
// runtime run. Empty re-executes the current binary.
func WithDomainCommand(argv ...string) Option {
	return func(r *Runner) { r.domainCommand = argv }
}

// New returns a Runner for cfg.
func New(cfg config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:           cfg,
		hostname:      os.Hostname,
		openBootstrap: bootstrap.Open,
		openFetcher:   bootstrap.OpenFetcher,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run launches the target named by args and returns its outcome. Failures are
// classified by package failure.
func (r *Runner) Run(ctx context.Context, args []string) error {
	start := time.Now()
	rec := r.begin(ctx, args, start)
	rt, err := r.launch(ctx, args)
	r.finish(rec, rt, start, err)
	return err
}

func (r *Runner) log(cfg config.Config) *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return cfg.NewLogger(os.Stderr)
}

func (r *Runner) launch(ctx context.Context, args []string) (*Runtime, error) {
	req, err := resolver.Parse(args)
	if err != nil {
		return nil, err
	}
	cfg, err := r.cfg.WithSettings(req.Settings)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := r.log(cfg)

	// Stage 1: the rules are only read when the command line did not pin a
	// version, so a pinned run never starts the bootstrap client.
	rules := &stageOne{open: func(ctx context.Context) (bootstrap.Client, error) {
		return r.openBootstrap(ctx, cfg, logger)
	}, logger: logger}
	res, err := resolver.New(rules, resolver.WithHostname(r.hostname)).Resolve(ctx, args)
	rules.Close()
	if err != nil {
		return nil, err
	}
	logger = logger.With("version", res.Version.String(), "target", res.Target)
	logger.Debug("version resolved", "from_rule", res.FromRule)

	rt := &Runtime{
		version:       res.Version,
		main:          model.ModuleName(res.Target),
		cfg:           cfg,
		logger:        logger,
		domainCommand: r.domainCommand,
	}
	if path.Ext(res.Target) == "" {
		return rt, failure.New(failure.Argument, "run", "target %q has no extension", res.Target)
	}

	// Stage 2.
	fetcher, err := r.openFetcher(cfg)
	if err != nil {
		return rt, failure.Wrap(failure.Configuration, "open repository", err)
	}
	space, err := modspace.New(modspace.Options{
		Version:    res.Version,
		CacheDir:   cfg.CacheDir,
		SearchPath: cfg.SearchPath,
		Loaders:    r.loaders,
		Logger:     logger,
	})
	if err != nil {
		return rt, failure.Wrap(failure.Internal, "create module space", err)
	}
	defer func() {
		if err := space.Close(); err != nil {
			logger.Warn("remove module directory", "dir", space.Dir(), "error", err)
		}
	}()
	rt.space = space
	rt.store = artifact.New(fetcher, space, artifact.Options{
		Version:        res.Version,
		ThrowOnMissing: cfg.ThrowOnMissing,
		Logger:         logger,
	})
	space.AddHook(rt.store.Hook())

	m, err := rt.store.GetModule(ctx, rt.main)
	if err != nil {
		return rt, err
	}
	if m == nil {
		return rt, failure.New(failure.ModuleNotFound, "run", "%s not found for version %s", res.Target, res.Version)
	}
	entry, err := m.Entry()
	if err != nil {
		return rt, failure.Wrap(failure.NoEntryPoint, "run", err)
	}
	if cfg.Debug {
		logger.Debug("invoking entry point", "module", m.Name, "path", m.Path, "file", m.File, "args", res.Args)
	}

	ctx = modspace.WithSpace(WithRuntime(ctx, rt), space)
	if err := entry(ctx, res.Args); err != nil {
		return rt, failure.Wrap(failure.Entry, m.Name, err)
	}
	return rt, nil
}

// stageOne opens the bootstrap client on first use.
type stageOne struct {
	open   func(ctx context.Context) (bootstrap.Client, error)
	client bootstrap.Client
	logger *slog.Logger
}

func (s *stageOne) Rules(ctx context.Context) (model.RuleSet, error) {
	if s.client == nil {
		c, err := s.open(ctx)
		if err != nil {
			return nil, err
		}
		s.client = c
	}
	return s.client.FetchVersionRules(ctx)
}

func (s *stageOne) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("close bootstrap client", "error", err)
	}
}
