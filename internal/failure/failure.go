// Package failure classifies loader errors into a small set of kinds so the
// process boundary can report each one with its own exit status.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a loader failure.
type Kind string

// Failure kinds.
const (
	Configuration     Kind = "configuration"
	Argument          Kind = "argument"
	VersionResolution Kind = "version_resolution"
	ArtifactNotFound  Kind = "artifact_not_found"
	ModuleNotFound    Kind = "module_not_found"
	NoEntryPoint      Kind = "no_entry_point"
	IsolationCreation Kind = "isolation_creation"
	Entry             Kind = "entry"
	Internal          Kind = "internal"
)

// exitCodes maps each kind to the process exit status reported for it.
var exitCodes = map[Kind]int{
	Configuration:     2,
	Argument:          3,
	VersionResolution: 4,
	ArtifactNotFound:  5,
	ModuleNotFound:    6,
	NoEntryPoint:      7,
	IsolationCreation: 8,
	Entry:             9,
	Internal:          1,
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil. An err that is already classified
// keeps its original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, or Internal when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode returns the process exit status for err. A nil err is 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return 1
}
