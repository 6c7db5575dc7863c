package modspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/vbin/internal/model"
)

var (
	// ErrModuleNotFound is returned when no resolution step can supply a module.
	ErrModuleNotFound = errors.New("module not found")
	// ErrNoEntryPoint is returned when a module declares no entry point.
	ErrNoEntryPoint = errors.New("module has no entry point")
	// ErrNoFactory is returned when a module cannot construct objects.
	ErrNoFactory = errors.New("module exposes no object factory")
)

// EntryFunc is a module's entry point.
type EntryFunc func(ctx context.Context, args []string) error

// Object is an instance constructed from a module's factory. Objects are the
// unit that can be invoked across an isolation boundary.
type Object interface {
	Call(ctx context.Context, method string, payload []byte) (any, error)
}

// Factory constructs the object registered under typeName.
type Factory func(typeName string) (Object, error)

// Binding is what a Loader extracts from a materialised artifact.
type Binding struct {
	Entry   EntryFunc
	Factory Factory
}

// Artifact is a fetched binary ready to be loaded.
type Artifact struct {
	Name    string
	Version model.Version
	// Path is the repository path the artifact was fetched from.
	Path    string
	Data    []byte
	Symbols []byte
}

// Module is a loaded artifact. Modules are never unloaded or replaced.
type Module struct {
	Name    string
	Version model.Version
	Path    string
	// File is the local copy the loader opened.
	File string
	// SymbolsFile is the local copy of the debug symbols, if any.
	SymbolsFile string
	Size        int64

	binding Binding
}

// Entry returns the module's entry point.
func (m *Module) Entry() (EntryFunc, error) {
	if m.binding.Entry == nil {
		return nil, fmt.Errorf("%s: %w", m.Name, ErrNoEntryPoint)
	}
	return m.binding.Entry, nil
}

// New constructs the object registered under typeName.
func (m *Module) New(typeName string) (Object, error) {
	if m.binding.Factory == nil {
		return nil, fmt.Errorf("%s: %w", m.Name, ErrNoFactory)
	}
	obj, err := m.binding.Factory(typeName)
	if err != nil {
		return nil, fmt.Errorf("%s: construct %s: %w", m.Name, typeName, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%s: factory returned nil for %s", m.Name, typeName)
	}
	return obj, nil
}

// HasSymbols reports whether debug symbols were loaded alongside the module.
func (m *Module) HasSymbols() bool {
	return m.SymbolsFile != ""
}
