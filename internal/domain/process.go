package domain

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/modspace"
)

// IsChild reports whether the current process was started as a domain.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// RunChild serves the domain protocol on stdin and stdout and returns the
// process exit code. os.Stdout is redirected to stderr so stray writes from
// loaded modules cannot corrupt the frame stream.
func RunChild(loaders map[string]modspace.Loader) int {
	proto := os.Stdout
	os.Stdout = os.Stderr
	out := &frameWriter{w: proto}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "domain: %v\n", err)
		return 1
	}
	cfg.LogFormat = "text"
	logger := cfg.NewLogger(logWriter{out: out})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, os.Stdin, out, ServeOptions{Config: cfg, Loaders: loaders, Logger: logger}); err != nil {
		fmt.Fprintf(os.Stderr, "domain: %v\n", err)
		return 1
	}
	return 0
}
