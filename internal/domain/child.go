package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
	"github.com/seantiz/vbin/internal/repository"
	"github.com/seantiz/vbin/internal/rules"
)

// ServeOptions configures the domain side of the protocol.
type ServeOptions struct {
	Config config.Config
	// Loaders overrides the module loaders. Nil uses ChildLoaders.
	Loaders map[string]modspace.Loader
	Logger  *slog.Logger
}

// ChildLoaders returns the default loaders for use inside a domain. Native
// executables write to stderr because stdout carries protocol frames.
func ChildLoaders() map[string]modspace.Loader {
	return map[string]modspace.Loader{
		model.ExtLibrary:    modspace.PluginLoader{},
		model.ExtExecutable: modspace.ExecLoader{Stdout: os.Stderr, Stderr: os.Stderr},
	}
}

// server is the domain's private runtime: its own repository client,
// module space and artifact store.
type server struct {
	opts   ServeOptions
	out    *frameWriter
	logger *slog.Logger

	version model.Version
	repo    repository.Repository
	space   *modspace.Space
	store   *artifact.Store
	rules   rules.Source
	objects map[string]modspace.Object
	// transfers holds objects whose fetch spans several chunks.
	transfers map[string][]byte
}

// Serve answers requests read from r until a close request or EOF. Results
// and log frames are written to w.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts ServeOptions) error {
	return serve(ctx, r, &frameWriter{w: w}, opts)
}

func serve(ctx context.Context, r io.Reader, out *frameWriter, opts ServeOptions) error {
	if opts.Loaders == nil {
		opts.Loaders = ChildLoaders()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		opts:    opts,
		out:     out,
		logger:  logger,
		objects:   make(map[string]modspace.Object),
		transfers: make(map[string][]byte),
	}
	defer s.shutdown()

	for {
		var req Request
		if err := ReadMessage(r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		res := s.handle(ctx, &req)
		err := out.send(&Message{ID: req.ID, Type: MsgTypeResult, Result: &res})
		if errors.Is(err, ErrMessageTooLarge) {
			s.logger.Warn("result too large", "op", req.Op, "error", err)
			res = errResult(failure.Wrap(failure.Internal, req.Op, err))
			err = out.send(&Message{ID: req.ID, Type: MsgTypeResult, Result: &res})
		}
		if err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if req.Op == OpClose {
			return nil
		}
	}
}

func (s *server) handle(ctx context.Context, req *Request) Result {
	if req.Op != OpInit && req.Op != OpClose && s.space == nil {
		return errResult(failure.New(failure.IsolationCreation, req.Op, "domain not initialised"))
	}
	switch req.Op {
	case OpInit:
		return s.init(req)
	case OpInvoke:
		return s.invoke(ctx, req)
	case OpCall:
		return s.call(ctx, req)
	case OpFetch:
		return s.fetch(ctx, req)
	case OpRules:
		return s.fetchRules(ctx)
	case OpClose:
		return Result{OK: true}
	default:
		return errResult(failure.New(failure.Argument, "handle", "unknown op %q", req.Op))
	}
}

// init builds the private runtime pinned to the requested version.
func (s *server) init(req *Request) Result {
	if s.space != nil {
		return errResult(failure.New(failure.IsolationCreation, OpInit, "domain already initialised"))
	}
	cfg := s.opts.Config
	repo, err := repository.New(cfg)
	if err != nil {
		return errResult(err)
	}
	id := os.Getenv("VBIN_DOMAIN_ID")
	space, err := modspace.New(modspace.Options{
		ID:         id,
		Version:    req.Version,
		CacheDir:   cfg.CacheDir,
		SearchPath: cfg.SearchPath,
		Loaders:    s.opts.Loaders,
		Logger:     s.logger,
	})
	if err != nil {
		return errResult(failure.Wrap(failure.IsolationCreation, OpInit, err))
	}
	s.store = artifact.New(artifact.FromRepository(repo), space, artifact.Options{
		Version:        req.Version,
		ThrowOnMissing: cfg.ThrowOnMissing,
		Logger:         s.logger,
	})
	space.AddHook(s.store.Hook())

	s.version = req.Version
	s.repo = repo
	s.space = space
	s.rules = rules.Open(cfg, repo)
	s.logger.Debug("domain initialised", "version", req.Version.String(), "space", space.ID())
	return Result{OK: true}
}

func (s *server) invoke(ctx context.Context, req *Request) Result {
	name := model.StripQualifier(req.Module)
	m, err := s.space.Resolve(modspace.WithSpace(ctx, s.space), name)
	if errors.Is(err, modspace.ErrModuleNotFound) {
		return errResult(failure.Wrap(failure.ModuleNotFound, OpInvoke, err))
	}
	if err != nil {
		return errResult(err)
	}
	obj, err := m.New(req.Type)
	if err != nil {
		return errResult(failure.Wrap(failure.Internal, OpInvoke, err))
	}
	ref := model.NewID()
	s.objects[ref] = obj
	s.logger.Debug("object created", "module", name, "type", req.Type, "ref", ref)
	return Result{OK: true, Ref: ref}
}

func (s *server) call(ctx context.Context, req *Request) Result {
	obj, ok := s.objects[req.Ref]
	if !ok {
		return errResult(failure.New(failure.Argument, OpCall, "unknown reference %q", req.Ref))
	}
	out, err := obj.Call(modspace.WithSpace(ctx, s.space), req.Method, req.Payload)
	if err != nil {
		return errResult(failure.Wrap(failure.Entry, OpCall, err))
	}
	if out == nil {
		return Result{OK: true}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errResult(failure.Wrap(failure.Internal, OpCall, fmt.Errorf("encode result: %w", err)))
	}
	return Result{OK: true, Data: data}
}

// fetch answers one chunk of an object starting at req.Offset. More is set
// while bytes remain; the object is held until its last chunk is sent.
func (s *server) fetch(ctx context.Context, req *Request) Result {
	data, ok := s.transfers[req.Path]
	if !ok || req.Offset == 0 {
		var err error
		data, err = artifact.FromRepository(s.repo).FetchBytes(ctx, req.Path)
		if errors.Is(err, repository.ErrNotFound) {
			delete(s.transfers, req.Path)
			return Result{NotFound: true, Error: req.Path + " not found"}
		}
		if err != nil {
			return errResult(err)
		}
	}
	size := int64(len(data))
	if req.Offset < 0 || req.Offset > size {
		delete(s.transfers, req.Path)
		return errResult(failure.New(failure.Argument, OpFetch, "offset %d out of range for %s", req.Offset, req.Path))
	}
	end := min(req.Offset+FetchChunkSize, size)
	if end < size {
		s.transfers[req.Path] = data
		return Result{OK: true, Bytes: data[req.Offset:end], More: true}
	}
	delete(s.transfers, req.Path)
	return Result{OK: true, Bytes: data[req.Offset:end]}
}

func (s *server) fetchRules(ctx context.Context) Result {
	rs, err := s.rules.Rules(ctx)
	if err != nil {
		return errResult(failure.Wrap(failure.VersionResolution, OpRules, err))
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return errResult(err)
	}
	return Result{OK: true, Data: data}
}

func (s *server) shutdown() {
	if s.space == nil {
		return
	}
	if err := s.space.Close(); err != nil {
		s.logger.Warn("remove module directory", "error", err)
	}
}

func errResult(err error) Result {
	return Result{Error: err.Error(), Kind: failure.KindOf(err)}
}
