package modspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"plugin"
)

// Loader turns a materialised artifact into a Binding.
type Loader interface {
	Load(ctx context.Context, m *Module) (Binding, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, m *Module) (Binding, error)

func (f LoaderFunc) Load(ctx context.Context, m *Module) (Binding, error) {
	return f(ctx, m)
}

// Plugin symbol names.
const (
	EntrySymbol   = "Main"
	FactorySymbol = "NewObject"
)

// PluginLoader opens Go plugins. A plugin path can only be opened once per
// process, which is why distinct versions of the same plugin need separate
// isolation domains.
type PluginLoader struct{}

func (PluginLoader) Load(_ context.Context, m *Module) (Binding, error) {
	p, err := plugin.Open(m.File)
	if err != nil {
		return Binding{}, fmt.Errorf("open plugin %s: %w", m.File, err)
	}
	var b Binding
	if sym, err := p.Lookup(EntrySymbol); err == nil {
		entry, err := entryFromSymbol(sym)
		if err != nil {
			return Binding{}, fmt.Errorf("%s: %w", m.Name, err)
		}
		b.Entry = entry
	}
	if sym, err := p.Lookup(FactorySymbol); err == nil {
		factory, err := factoryFromSymbol(sym)
		if err != nil {
			return Binding{}, fmt.Errorf("%s: %w", m.Name, err)
		}
		b.Factory = factory
	}
	return b, nil
}

// entryFromSymbol adapts the supported Main signatures. Exported variables are
// looked up as pointers, so both forms are accepted.
func entryFromSymbol(sym any) (EntryFunc, error) {
	switch fn := sym.(type) {
	case func():
		return func(context.Context, []string) error { fn(); return nil }, nil
	case *func():
		return entryFromSymbol(*fn)
	case func() error:
		return func(context.Context, []string) error { return fn() }, nil
	case *func() error:
		return entryFromSymbol(*fn)
	case func([]string) error:
		return func(_ context.Context, args []string) error { return fn(args) }, nil
	case *func([]string) error:
		return entryFromSymbol(*fn)
	case func(context.Context, []string) error:
		return fn, nil
	case *func(context.Context, []string) error:
		return entryFromSymbol(*fn)
	default:
		return nil, fmt.Errorf("%s has unsupported signature %T: %w", EntrySymbol, sym, ErrNoEntryPoint)
	}
}

func factoryFromSymbol(sym any) (Factory, error) {
	var fn func(string) (any, error)
	switch f := sym.(type) {
	case func(string) (any, error):
		fn = f
	case *func(string) (any, error):
		fn = *f
	default:
		return nil, fmt.Errorf("%s has unsupported signature %T", FactorySymbol, sym)
	}
	return func(typeName string) (Object, error) {
		v, err := fn(typeName)
		if err != nil {
			return nil, err
		}
		obj, ok := v.(Object)
		if !ok {
			return nil, fmt.Errorf("type %s (%T) does not implement Call", typeName, v)
		}
		return obj, nil
	}, nil
}

// ExecLoader runs native executables as child processes. The entry point
// passes its args through and inherits the configured stdio.
type ExecLoader struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Env is appended to the current environment.
	Env []string
}

func (l ExecLoader) Load(_ context.Context, m *Module) (Binding, error) {
	if err := os.Chmod(m.File, 0o755); err != nil {
		return Binding{}, fmt.Errorf("mark %s executable: %w", m.File, err)
	}
	file := m.File
	env := append(os.Environ(), l.Env...)
	env = append(env, "VBIN_VERSION="+m.Version.String(), "VBIN_MODULE_DIR="+dirOf(file))
	return Binding{
		Entry: func(ctx context.Context, args []string) error {
			cmd := exec.CommandContext(ctx, file, args...)
			cmd.Stdin = l.Stdin
			cmd.Stdout = l.Stdout
			cmd.Stderr = l.Stderr
			cmd.Env = env
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("run %s: %w", m.Name, err)
			}
			return nil
		},
	}, nil
}
