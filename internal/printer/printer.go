// Package printer writes the human-facing console lines of the command-line
// tools. Structured diagnostics go through slog instead.
package printer

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/seantiz/vbin/internal/failure"
)

func init() {
	// NO_COLOR disables colour; otherwise colour is kept even without a TTY
	// so launcher output stays coloured when piped through a wrapper.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
)

// Error prints err in red, prefixed with the name of the program that failed.
// Unclassified errors are printed as they are.
func Error(w io.Writer, prog string, err error) {
	if err == nil {
		return
	}
	red.Fprintf(w, "%s: %v\n", prog, err)
	if kind := failure.KindOf(err); kind != failure.Internal {
		fmt.Fprintf(w, "  exit status %d (%s)\n", failure.ExitCode(err), kind)
	}
}

// Transfer prints one uploaded file as "src -> dst".
func Transfer(w io.Writer, src, dst string) {
	cyan.Fprintf(w, "%s -> %s\n", src, dst)
}

// Skip prints a skipped-file notice.
func Skip(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, format+"\n", a...)
}

// Success prints a completion line.
func Success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}
