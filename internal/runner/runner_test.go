package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/bootstrap"
	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
	"github.com/seantiz/vbin/internal/repository"
	"github.com/seantiz/vbin/internal/rules"
	"github.com/seantiz/vbin/internal/runner"
	"github.com/seantiz/vbin/internal/store"
)

// contentLoader binds a module by its file content, so tests decide what an
// artifact does by what they put in the repository.
type contentLoader struct {
	mu       sync.Mutex
	bindings map[string]modspace.Binding
}

func (l *contentLoader) Load(_ context.Context, m *modspace.Module) (modspace.Binding, error) {
	data, err := os.ReadFile(m.File)
	if err != nil {
		return modspace.Binding{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bindings[string(data)], nil
}

type fixture struct {
	repo       *repository.MemoryStore
	loader     *contentLoader
	bootstraps int
	closed     int
}

func newFixture() *fixture {
	return &fixture{
		repo:   repository.NewMemoryStore(),
		loader: &contentLoader{bindings: map[string]modspace.Binding{}},
	}
}

// module stores an artifact whose entry point is entry.
func (f *fixture) module(p, content string, b modspace.Binding) {
	f.repo.Put(p, []byte(content))
	f.loader.bindings[content] = b
}

type closeCounter struct {
	*bootstrap.Direct
	f *fixture
}

func (c closeCounter) Close() error {
	c.f.closed++
	return nil
}

func (f *fixture) runner(t *testing.T, host string, opts ...runner.Option) *runner.Runner {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server = "mem"
	cfg.Database = "apps"
	cfg.CacheDir = t.TempDir()

	direct := bootstrap.NewDirectFrom(f.repo, rules.NewRepositorySource(f.repo))
	loaders := map[string]modspace.Loader{model.ExtLibrary: f.loader, model.ExtExecutable: f.loader}
	base := []runner.Option{
		runner.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		runner.WithLoaders(loaders),
		runner.WithHostname(func() (string, error) { return host, nil }),
		runner.WithBootstrap(func(context.Context, config.Config, *slog.Logger) (bootstrap.Client, error) {
			f.bootstraps++
			return closeCounter{Direct: direct, f: f}, nil
		}),
		runner.WithFetcher(func(config.Config) (artifact.Fetcher, error) { return direct, nil }),
	}
	return runner.New(cfg, append(base, opts...)...)
}

func TestRunPinnedVersionSkipsBootstrap(t *testing.T) {
	f := newFixture()
	var (
		gotArgs []string
		rt      *runner.Runtime
	)
	f.module("5/app.so", "app-v5", modspace.Binding{Entry: func(ctx context.Context, args []string) error {
		gotArgs = args
		rt = runner.FromContext(ctx)
		return nil
	}})

	err := f.runner(t, "laptop").Run(context.Background(), []string{"-v=5", "app.exe", "arg1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "arg1" {
		t.Errorf("args = %v, want [arg1]", gotArgs)
	}
	if f.bootstraps != 0 {
		t.Errorf("bootstrap opened %d times, want 0", f.bootstraps)
	}
	if rt == nil || !rt.IsRunningInVBin() {
		t.Fatal("entry point did not see a launcher runtime")
	}
	if rt.CurrentVersion() != 5 {
		t.Errorf("CurrentVersion = %d, want 5", rt.CurrentVersion())
	}
	if rt.MainModuleName() != "app" {
		t.Errorf("MainModuleName = %q, want app", rt.MainModuleName())
	}
}

func TestRunVersionFromRules(t *testing.T) {
	f := newFixture()
	if err := rules.Put(context.Background(), f.repo, model.RuleSet{
		model.NewRule(".*", 1),
		model.NewRule("workstation-7", 2),
	}); err != nil {
		t.Fatalf("Put rules: %v", err)
	}
	var ran string
	f.module("1/app.exe", "app-v1", modspace.Binding{Entry: func(context.Context, []string) error { ran = "v1"; return nil }})
	f.module("2/app.exe", "app-v2", modspace.Binding{Entry: func(context.Context, []string) error { ran = "v2"; return nil }})

	if err := f.runner(t, "WORKSTATION-7").Run(context.Background(), []string{"app.exe"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran != "v2" {
		t.Errorf("ran %q, want v2", ran)
	}
	if f.bootstraps != 1 || f.closed != 1 {
		t.Errorf("bootstrap opened %d closed %d, want 1 and 1", f.bootstraps, f.closed)
	}
}

func TestRunFailures(t *testing.T) {
	entryErr := errors.New("report failed")

	tests := []struct {
		name string
		args []string
		kind failure.Kind
		code int
	}{
		{"no args", nil, failure.Argument, 3},
		{"target without extension", []string{"-v=1", "app"}, failure.Argument, 3},
		{"target missing", []string{"-v=1", "ghost.exe"}, failure.ModuleNotFound, 6},
		{"no entry point", []string{"-v=1", "library.exe"}, failure.NoEntryPoint, 7},
		{"entry point error", []string{"-v=1", "broken.exe"}, failure.Entry, 9},
		{"blank server", []string{"--cfg", "server=", "--", "app.exe"}, failure.Configuration, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.module("1/library.so", "library", modspace.Binding{})
			f.module("1/broken.so", "broken", modspace.Binding{Entry: func(context.Context, []string) error { return entryErr }})

			err := f.runner(t, "laptop").Run(context.Background(), tt.args)
			if err == nil {
				t.Fatal("Run succeeded, want error")
			}
			if got := failure.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err: %v)", got, tt.kind, err)
			}
			if got := failure.ExitCode(err); got != tt.code {
				t.Errorf("exit code = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestRunEntryErrorUnwraps(t *testing.T) {
	f := newFixture()
	entryErr := errors.New("report failed")
	f.module("1/broken.so", "broken", modspace.Binding{Entry: func(context.Context, []string) error { return entryErr }})

	err := f.runner(t, "laptop").Run(context.Background(), []string{"-v=1", "broken.exe"})
	if !errors.Is(err, entryErr) {
		t.Errorf("Run error = %v, want it to wrap %v", err, entryErr)
	}
}

func TestRunThrowOnMissing(t *testing.T) {
	f := newFixture()
	err := f.runner(t, "laptop").Run(context.Background(),
		[]string{"--cfg", "throw_on_missing=true", "v=1", "--", "ghost.exe"})
	if got := failure.KindOf(err); got != failure.ArtifactNotFound {
		t.Errorf("kind = %q, want %q", got, failure.ArtifactNotFound)
	}
}

func TestRunHookResolvesDependencies(t *testing.T) {
	f := newFixture()
	called := false
	f.module("4/Billing.Core.so", "billing-core", modspace.Binding{Entry: func(context.Context, []string) error {
		called = true
		return nil
	}})
	f.module("4/app.so", "app", modspace.Binding{Entry: func(ctx context.Context, _ []string) error {
		space, ok := modspace.FromContext(ctx)
		if !ok {
			return errors.New("no module space")
		}
		dep, err := space.Resolve(ctx, "Billing.Core, Version=4.0")
		if err != nil {
			return err
		}
		entry, err := dep.Entry()
		if err != nil {
			return err
		}
		if _, err := space.Resolve(ctx, "Missing.Dependency"); !errors.Is(err, modspace.ErrModuleNotFound) {
			return errors.New("missing dependency was not declined")
		}
		return entry(ctx, nil)
	}})

	if err := f.runner(t, "laptop").Run(context.Background(), []string{"-v=4", "app.exe"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Error("dependency entry point was not called")
	}
	if n := f.repo.ReadCount("4/Billing.Core.so"); n != 1 {
		t.Errorf("dependency read %d times, want 1", n)
	}
}

func TestRunSettingsReachRuntime(t *testing.T) {
	f := newFixture()
	var got string
	f.module("1/app.so", "app", modspace.Binding{Entry: func(ctx context.Context, _ []string) error {
		got = runner.FromContext(ctx).Config().Get("Region.Code", "none")
		return nil
	}})

	err := f.runner(t, "laptop").Run(context.Background(),
		[]string{"--cfg", "region.code=eu", "--debug", "--", "app.exe"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "eu" {
		t.Errorf("setting = %q, want eu", got)
	}
}

func TestRunRecordsLedger(t *testing.T) {
	ledger, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	f := newFixture()
	f.module("3/app.so", "app", modspace.Binding{Entry: func(context.Context, []string) error { return nil }})
	r := f.runner(t, "build-01", runner.WithLedger(ledger))
	ctx := context.Background()

	if err := r.Run(ctx, []string{"-v=3", "app.exe", "x"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Run(ctx, []string{"-v=3", "ghost.exe"}); err == nil {
		t.Fatal("Run ghost.exe succeeded, want error")
	}

	runs, total, err := ledger.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	byTarget := map[string]*model.Run{}
	for _, run := range runs {
		byTarget[run.Target] = run
	}

	ok := byTarget["app.exe"]
	if ok == nil || ok.Status != model.RunStatusCompleted {
		t.Fatalf("app.exe run = %+v, want completed", ok)
	}
	if ok.Version != 3 || ok.Host != "build-01" {
		t.Errorf("app.exe version %d host %q", ok.Version, ok.Host)
	}
	if ok.ExitCode == nil || *ok.ExitCode != 0 {
		t.Errorf("app.exe exit code = %v, want 0", ok.ExitCode)
	}

	failed := byTarget["ghost.exe"]
	if failed == nil || failed.Status != model.RunStatusFailed {
		t.Fatalf("ghost.exe run = %+v, want failed", failed)
	}
	if failed.ErrorKind != string(failure.ModuleNotFound) {
		t.Errorf("ErrorKind = %q, want %q", failed.ErrorKind, failure.ModuleNotFound)
	}
	if failed.ExitCode == nil || *failed.ExitCode != 6 {
		t.Errorf("exit code = %v, want 6", failed.ExitCode)
	}
}

func TestSystemRuntime(t *testing.T) {
	rt := runner.FromContext(context.Background())
	if rt != runner.System() {
		t.Error("FromContext without a runtime should return System")
	}
	if rt.IsRunningInVBin() {
		t.Error("System reports running under the launcher")
	}
	if rt.CurrentVersion() != model.NoVersion {
		t.Errorf("CurrentVersion = %d, want %d", rt.CurrentVersion(), model.NoVersion)
	}
}
