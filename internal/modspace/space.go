// Package modspace implements a private module space: the set of modules
// loaded into one execution context, plus the resolution chain used to find
// modules that are not loaded yet.
package modspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seantiz/vbin/internal/model"
)

// Hook supplies a module the space could not find by itself. Returning
// (nil, nil) declines and lets the next hook try.
type Hook func(ctx context.Context, name string) (*Module, error)

// Options configures a Space.
type Options struct {
	// ID names the space; it is also the subdirectory modules are written to.
	ID      string
	Version model.Version
	// CacheDir is the root directory materialised modules are written under.
	CacheDir string
	// SearchPath lists local directories searched before any hook.
	SearchPath []string
	// Loaders maps a file extension to its loader. Nil uses DefaultLoaders.
	Loaders map[string]Loader
	Logger  *slog.Logger
}

// DefaultLoaders returns the plugin and executable loaders.
func DefaultLoaders() map[string]Loader {
	return map[string]Loader{
		model.ExtLibrary:    PluginLoader{},
		model.ExtExecutable: ExecLoader{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr},
	}
}

// Space is one execution context's set of loaded modules. It is safe for
// concurrent use.
type Space struct {
	id         string
	version    model.Version
	dir        string
	searchPath []string
	loaders    map[string]Loader
	logger     *slog.Logger

	mu      sync.RWMutex
	modules map[string]*Module
	hooks   []Hook

	// loadMu serialises materialising and loading, so a module file is never
	// rewritten after its loader has opened it.
	loadMu sync.Mutex
}

// New creates a Space and its module directory.
func New(opts Options) (*Space, error) {
	if opts.ID == "" {
		opts.ID = model.NewID()
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "vbin")
	}
	if opts.Loaders == nil {
		opts.Loaders = DefaultLoaders()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dir := filepath.Join(opts.CacheDir, opts.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create module directory: %w", err)
	}
	loaders := make(map[string]Loader, len(opts.Loaders))
	for ext, l := range opts.Loaders {
		loaders[strings.ToLower(ext)] = l
	}
	return &Space{
		id:         opts.ID,
		version:    opts.Version,
		dir:        dir,
		searchPath: opts.SearchPath,
		loaders:    loaders,
		logger:     opts.Logger.With("space", opts.ID),
		modules:    make(map[string]*Module),
	}, nil
}

func (s *Space) ID() string { return s.id }

func (s *Space) Version() model.Version { return s.version }

// Dir returns the directory modules are materialised under.
func (s *Space) Dir() string { return s.dir }

// AddHook appends h to the resolution chain.
func (s *Space) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Lookup returns an already-loaded module by name, ignoring case.
func (s *Space) Lookup(name string) (*Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[key(name)]
	return m, ok
}

// Modules returns the names of every loaded module.
func (s *Space) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m.Name)
	}
	return out
}

// Resolve finds a module: already loaded, then the local search path, then
// each hook in order.
func (s *Space) Resolve(ctx context.Context, name string) (*Module, error) {
	name = model.StripQualifier(name)
	if m, ok := s.Lookup(name); ok {
		return m, nil
	}

	m, err := s.searchLocal(ctx, name)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}

	s.mu.RLock()
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		m, err := h(ctx, name)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
}

func (s *Space) searchLocal(ctx context.Context, name string) (*Module, error) {
	for _, dir := range s.searchPath {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", dir, err)
		}
		for _, ext := range model.DefaultExtensions {
			want := name + ext
			for _, e := range entries {
				if e.IsDir() || !strings.EqualFold(e.Name(), want) {
					continue
				}
				data, err := os.ReadFile(filepath.Join(dir, e.Name()))
				if err != nil {
					return nil, fmt.Errorf("read %s: %w", e.Name(), err)
				}
				s.logger.Debug("module found on search path", "module", name, "dir", dir)
				return s.Load(ctx, Artifact{
					Name:    name,
					Version: s.version,
					Path:    filepath.ToSlash(filepath.Join(dir, e.Name())),
					Data:    data,
				})
			}
		}
	}
	return nil, nil
}

// Load materialises a and registers the resulting module. Loading a name that
// is already present returns the existing module; concurrent loads of one
// name materialise and load it once.
func (s *Space) Load(ctx context.Context, a Artifact) (*Module, error) {
	name := model.StripQualifier(a.Name)
	if name == "" {
		return nil, fmt.Errorf("artifact name is required")
	}
	if m, ok := s.Lookup(name); ok {
		return m, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if m, ok := s.Lookup(name); ok {
		return m, nil
	}

	ext := strings.ToLower(path.Ext(a.Path))
	loader, ok := s.loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%s: no loader for extension %q", name, ext)
	}

	dir := filepath.Join(s.dir, a.Version.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create module directory: %w", err)
	}
	m := &Module{
		Name:    name,
		Version: a.Version,
		Path:    a.Path,
		File:    filepath.Join(dir, path.Base(a.Path)),
		Size:    int64(len(a.Data)),
	}
	if err := os.WriteFile(m.File, a.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", m.File, err)
	}
	if len(a.Symbols) > 0 {
		symFile := filepath.Join(dir, path.Base(model.DebugPath(a.Path)))
		if err := os.WriteFile(symFile, a.Symbols, 0o644); err != nil {
			s.logger.Warn("write debug symbols failed", "module", name, "error", err)
		} else {
			m.SymbolsFile = symFile
		}
	}

	b, err := loader.Load(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	m.binding = b

	s.mu.Lock()
	s.modules[key(name)] = m
	s.mu.Unlock()
	s.logger.Debug("module loaded", "module", name, "version", a.Version.String(), "path", a.Path, "symbols", m.HasSymbols())
	return m, nil
}

// Close removes the space's module directory.
func (s *Space) Close() error {
	return os.RemoveAll(s.dir)
}

func key(name string) string {
	return strings.ToLower(name)
}

func dirOf(file string) string {
	return filepath.Dir(file)
}

type ctxKey struct{}

// WithSpace returns a context carrying s.
func WithSpace(ctx context.Context, s *Space) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the Space carried by ctx, if any.
func FromContext(ctx context.Context) (*Space, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Space)
	return s, ok
}
