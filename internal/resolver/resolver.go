// Package resolver decides which version of an application to run from the
// command line and the machine version rules.
package resolver

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/rules"
)

const (
	cfgMarker  = "--cfg"
	separator  = "--"
	versionKey = "v"
)

var explicitVersion = regexp.MustCompile(`(?i)^-v=(\d+)$`)

// Request is the parsed launcher command line.
type Request struct {
	Target string
	Args   []string
	// Version is set when the command line pinned one with -v=<n> or v=<n>.
	Version *model.Version
	// Settings holds the --cfg key=value pairs, keyed in lower case.
	Settings map[string]string
}

// Result is a fully resolved launch.
type Result struct {
	Version  model.Version
	Target   string
	Args     []string
	Settings map[string]string
	// FromRule is true when the version came from a machine rule or the default.
	FromRule bool
}

// Parse splits a launcher command line into target, args and version pin.
// It performs no I/O.
func Parse(args []string) (Request, error) {
	if len(args) == 0 {
		return Request{}, failure.New(failure.Argument, "parse args", "too few arguments: expecting a target name")
	}

	if m := explicitVersion.FindStringSubmatch(args[0]); m != nil {
		v, err := model.ParseVersion(m[1])
		if err != nil {
			return Request{}, failure.Wrap(failure.Argument, "parse args", err)
		}
		if len(args) < 2 {
			return Request{}, failure.New(failure.Argument, "parse args", "too few arguments: missing target name")
		}
		return Request{Target: args[1], Args: rest(args, 2), Version: &v, Settings: map[string]string{}}, nil
	}
	if strings.HasPrefix(strings.ToLower(args[0]), "-v=") {
		return Request{}, failure.New(failure.Argument, "parse args", "invalid version flag %q", args[0])
	}

	if args[0] == cfgMarker {
		return parseSettings(args[1:])
	}

	return Request{Target: args[0], Args: rest(args, 1), Settings: map[string]string{}}, nil
}

func parseSettings(args []string) (Request, error) {
	settings := make(map[string]string)
	i := 0
	for ; i < len(args) && args[i] != separator; i++ {
		key, value := splitSetting(args[i])
		if key == "" {
			continue
		}
		settings[key] = value
	}
	if i+1 >= len(args) {
		return Request{}, failure.New(failure.Argument, "parse args", "too few arguments: missing target name after %s", separator)
	}

	req := Request{Target: args[i+1], Args: rest(args, i+2), Settings: settings}
	if raw, ok := settings[versionKey]; ok {
		v, err := model.ParseVersion(raw)
		if err != nil {
			return Request{}, failure.Wrap(failure.Argument, "parse args", err)
		}
		req.Version = &v
	}
	return req, nil
}

// splitSetting splits "key=value" at the first '='. Leading dashes are removed
// from the key and a bare key means "true".
func splitSetting(s string) (string, string) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		key, value = s, "true"
	}
	key = strings.ToLower(strings.TrimLeft(strings.TrimSpace(key), "-"))
	return key, strings.TrimSpace(value)
}

func rest(args []string, from int) []string {
	if from >= len(args) {
		return []string{}
	}
	out := make([]string, len(args)-from)
	copy(out, args[from:])
	return out
}

// Resolver resolves launch requests against a rule source.
type Resolver struct {
	rules    rules.Source
	hostname func() (string, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHostname overrides the host-name lookup used for rule matching.
func WithHostname(fn func() (string, error)) Option {
	return func(r *Resolver) { r.hostname = fn }
}

// New returns a Resolver. The rule source is only queried when the command
// line does not pin a version.
func New(src rules.Source, opts ...Option) *Resolver {
	r := &Resolver{rules: src, hostname: os.Hostname}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve parses args and chooses the version.
func (r *Resolver) Resolve(ctx context.Context, args []string) (Result, error) {
	req, err := Parse(args)
	if err != nil {
		return Result{}, err
	}
	res := Result{Target: req.Target, Args: req.Args, Settings: req.Settings}
	if req.Version != nil {
		res.Version = *req.Version
		return res, nil
	}
	v, err := r.ForHost(ctx)
	if err != nil {
		return Result{}, err
	}
	res.Version = v
	res.FromRule = true
	return res, nil
}

// ForHost returns the version the rules select for this machine, or
// model.DefaultVersion when none match. The last matching rule wins.
func (r *Resolver) ForHost(ctx context.Context) (model.Version, error) {
	host, err := r.hostname()
	if err != nil {
		return 0, failure.Wrap(failure.VersionResolution, "hostname", err)
	}
	rs, err := r.rules.Rules(ctx)
	if err != nil {
		return 0, failure.Wrap(failure.VersionResolution, "fetch rules", err)
	}
	v, err := rs.Select(host, model.DefaultVersion)
	if err != nil {
		return 0, failure.Wrap(failure.VersionResolution, "match rules", err)
	}
	return v, nil
}
