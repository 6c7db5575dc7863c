package runner

import (
	"context"
	"log/slog"

	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/domain"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
)

// Runtime is the state of one launch: the resolved version, the target module
// and the module space it was loaded into. It is built once per run and
// handed to the target through its context.
type Runtime struct {
	version model.Version
	main    string
	cfg     config.Config
	space   *modspace.Space
	store   *artifact.Store
	logger  *slog.Logger

	// domainCommand overrides the program CreateDomain starts.
	domainCommand []string
}

var system = &Runtime{version: model.NoVersion, cfg: config.Defaults(), logger: slog.Default()}

// System returns the runtime reported to code that was not started by the
// launcher. Its version is model.NoVersion.
func System() *Runtime {
	return system
}

// IsRunningInVBin reports whether the caller was started by the launcher.
func (rt *Runtime) IsRunningInVBin() bool {
	return rt.space != nil
}

// CurrentVersion returns the version this process runs, or model.NoVersion.
func (rt *Runtime) CurrentVersion() model.Version {
	return rt.version
}

// MainModuleName returns the logical name of the launched target.
func (rt *Runtime) MainModuleName() string {
	return rt.main
}

// Config returns the effective configuration, including --cfg settings.
func (rt *Runtime) Config() config.Config {
	return rt.cfg
}

// Space returns the module space of the run. It is nil for System.
func (rt *Runtime) Space() *modspace.Space {
	return rt.space
}

// Store returns the artifact store of the run. It is nil for System.
func (rt *Runtime) Store() *artifact.Store {
	return rt.store
}

// CreateDomain starts an isolation domain pinned to v. The domain resolves
// modules through its own artifact store using the run's repository settings.
// The caller owns the handle and must release it.
func (rt *Runtime) CreateDomain(ctx context.Context, name string, v model.Version) (*domain.Handle, error) {
	return domain.Create(ctx, domain.Options{
		Name:    name,
		Version: v,
		Command: rt.domainCommand,
		Env:     rt.cfg.Environ(),
		Logger:  rt.logger,
	})
}

type ctxKey struct{}

// WithRuntime returns a context carrying rt.
func WithRuntime(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, ctxKey{}, rt)
}

// FromContext returns the runtime carried by ctx, or System when there is none.
func FromContext(ctx context.Context) *Runtime {
	if rt, ok := ctx.Value(ctxKey{}).(*Runtime); ok {
		return rt
	}
	return System()
}
