// Package domain implements isolation domains: child processes that host a
// private copy of the loader runtime pinned to one version, so modules loaded
// inside never collide with the caller's.
package domain

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/repository"
)

// ChildEnv marks a process started as an isolation domain.
const ChildEnv = "VBIN_DOMAIN_CHILD"

// releaseTimeout bounds how long Release waits for a clean exit before
// killing the domain process.
const releaseTimeout = 5 * time.Second

// ErrReleased is returned by any operation on a released handle or on a
// reference obtained through it.
var ErrReleased = errors.New("isolation domain released")

// Options configures a new domain.
type Options struct {
	Name    string
	Version model.Version
	// Command is the domain program and its arguments. Empty re-executes the
	// current binary.
	Command []string
	// Env is appended to the current environment.
	Env    []string
	Logger *slog.Logger
}

// Handle owns one isolation domain. Requests may be issued concurrently;
// frames are correlated by ID.
type Handle struct {
	id      string
	name    string
	version model.Version
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *frameWriter
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Message
	dead    error

	released atomic.Bool
	exited   chan struct{}
}

// Create starts a domain process and completes the init handshake. It blocks
// until the domain is ready.
func Create(ctx context.Context, opts Options) (*Handle, error) {
	start := time.Now()

	argv := opts.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, failure.Wrap(failure.IsolationCreation, "create domain", fmt.Errorf("locate executable: %w", err))
		}
		argv = []string{exe}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := model.NewID()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, ChildEnv+"=1", "VBIN_DOMAIN_ID="+id)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, failure.Wrap(failure.IsolationCreation, "create domain", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, failure.Wrap(failure.IsolationCreation, "create domain", fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, failure.Wrap(failure.IsolationCreation, "create domain", fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, failure.Wrap(failure.IsolationCreation, "create domain", fmt.Errorf("start %s: %w", argv[0], err))
	}

	h := &Handle{
		id:      id,
		name:    opts.Name,
		version: opts.Version,
		cmd:     cmd,
		stdin:   stdin,
		out:     &frameWriter{w: stdin},
		logger:  logger.With("domain", id, "name", opts.Name, "version", opts.Version.String()),
		pending: make(map[string]chan Message),
		exited:  make(chan struct{}),
	}
	activeDomains.Inc()

	var readers sync.WaitGroup
	readers.Go(func() { h.relayStderr(stderr) })
	readers.Go(func() { h.readMessages(bufio.NewReader(stdout)) })
	go func() {
		readers.Wait()
		if err := cmd.Wait(); err != nil {
			h.logger.Debug("domain process exited", "error", err)
		}
		close(h.exited)
	}()

	if _, err := h.roundTrip(ctx, Request{Op: OpInit, Version: opts.Version}); err != nil {
		h.kill()
		return nil, failure.New(failure.IsolationCreation, "create domain", "init: %w", err)
	}

	domainCreateDuration.Observe(time.Since(start).Seconds())
	h.logger.Info("domain created", "pid", cmd.Process.Pid, "duration", time.Since(start))
	return h, nil
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Name() string { return h.name }

// Version returns the version the domain is pinned to.
func (h *Handle) Version() model.Version { return h.version }

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// stderrLineSize is the longest stderr line logged as one record. Longer lines
// are split.
const stderrLineSize = 64 * 1024

// relayStderr forwards raw domain output to the logger line by line. It keeps
// reading until the pipe closes so the domain never blocks on stderr.
func (h *Handle) relayStderr(r io.Reader) {
	br := bufio.NewReaderSize(r, stderrLineSize)
	for {
		line, err := br.ReadSlice('\n')
		if text := strings.TrimRight(string(line), "\r\n"); text != "" {
			h.logger.Info("domain output", "line", text)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return
		}
	}
}

// readMessages reads frames until the domain exits. Log lines go to the
// logger; results are delivered to the waiting request.
func (h *Handle) readMessages(r io.Reader) {
	for {
		var msg Message
		if err := ReadMessage(r, &msg); err != nil {
			h.fail(err)
			return
		}

		switch msg.Type {
		case MsgTypeLog:
			h.logger.Info("domain log", "line", msg.Line)
		case MsgTypeResult:
			h.mu.Lock()
			ch, ok := h.pending[msg.ID]
			delete(h.pending, msg.ID)
			h.mu.Unlock()
			if !ok {
				h.logger.Warn("result for unknown request", "id", msg.ID)
				continue
			}
			ch <- msg
		default:
			h.logger.Warn("unknown message type", "type", msg.Type)
		}
	}
}

// fail marks the handle dead and wakes every waiting request.
func (h *Handle) fail(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead == nil {
		if h.released.Load() {
			h.dead = ErrReleased
		} else {
			h.dead = fmt.Errorf("domain %s exited: %w", h.id, cause)
		}
	}
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

func (h *Handle) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead != nil {
		return h.dead
	}
	return fmt.Errorf("domain %s closed", h.id)
}

// roundTrip sends req and waits for its result.
func (h *Handle) roundTrip(ctx context.Context, req Request) (*Result, error) {
	if h.released.Load() && req.Op != OpClose {
		return nil, ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req.ID = uuid.NewString()
	ch := make(chan Message, 1)
	h.mu.Lock()
	if h.dead != nil {
		err := h.dead
		h.mu.Unlock()
		return nil, err
	}
	h.pending[req.ID] = ch
	h.mu.Unlock()

	if err := h.out.send(&req); err != nil {
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
		domainRequests.WithLabelValues(req.Op, statusError).Inc()
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}

	var msg Message
	select {
	case m, ok := <-ch:
		if !ok {
			domainRequests.WithLabelValues(req.Op, statusError).Inc()
			return nil, h.err()
		}
		msg = m
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
		domainRequests.WithLabelValues(req.Op, statusError).Inc()
		return nil, ctx.Err()
	}

	if msg.Result == nil {
		domainRequests.WithLabelValues(req.Op, statusError).Inc()
		return nil, fmt.Errorf("received result message with nil result")
	}
	res := msg.Result
	if !res.OK {
		domainRequests.WithLabelValues(req.Op, statusError).Inc()
		return res, resultError(req.Op, res)
	}
	domainRequests.WithLabelValues(req.Op, statusOK).Inc()
	return res, nil
}

func resultError(op string, res *Result) error {
	if res.NotFound {
		return fmt.Errorf("domain %s: %s: %w", op, res.Error, repository.ErrNotFound)
	}
	kind := res.Kind
	if kind == "" {
		kind = failure.Internal
	}
	return &failure.Error{Kind: kind, Op: "domain " + op, Err: errors.New(res.Error)}
}

// Ref is a reference to an object living inside a domain.
type Ref struct {
	h      *Handle
	ID     string
	Module string
	Type   string
}

// Invoke resolves module inside the domain, constructs typeName from its
// factory and returns a reference to the new object. A trailing ", qualifier"
// on module is ignored.
func (h *Handle) Invoke(ctx context.Context, module, typeName string) (*Ref, error) {
	module = model.StripQualifier(module)
	res, err := h.roundTrip(ctx, Request{Op: OpInvoke, Module: module, Type: typeName})
	if err != nil {
		return nil, err
	}
	return &Ref{h: h, ID: res.Ref, Module: module, Type: typeName}, nil
}

// Call invokes method on the remote object. in is encoded as JSON; when out is
// non-nil the result is decoded into it.
func (r *Ref) Call(ctx context.Context, method string, in, out any) error {
	var payload json.RawMessage
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", method, err)
		}
		payload = data
	}
	res, err := r.h.roundTrip(ctx, Request{Op: OpCall, Ref: r.ID, Method: method, Payload: payload})
	if err != nil {
		return err
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// FetchBytes reads a repository object through the domain's own repository
// client, in chunks of at most FetchChunkSize. A missing object is reported as
// repository.ErrNotFound.
func (h *Handle) FetchBytes(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	for {
		res, err := h.roundTrip(ctx, Request{Op: OpFetch, Path: path, Offset: int64(len(data))})
		if err != nil {
			return nil, err
		}
		data = append(data, res.Bytes...)
		if !res.More || len(res.Bytes) == 0 {
			return data, nil
		}
	}
}

// FetchVersionRules returns the machine version rules as seen by the domain.
func (h *Handle) FetchVersionRules(ctx context.Context) (model.RuleSet, error) {
	res, err := h.roundTrip(ctx, Request{Op: OpRules})
	if err != nil {
		return nil, err
	}
	var rs model.RuleSet
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &rs); err != nil {
			return nil, fmt.Errorf("decode rules: %w", err)
		}
	}
	if rs == nil {
		rs = model.RuleSet{}
	}
	return rs, nil
}

// Release tears the domain down. Every reference obtained through the handle
// becomes invalid. Releasing twice is a no-op.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	defer activeDomains.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := h.roundTrip(ctx, Request{Op: OpClose}); err != nil {
		h.logger.Debug("close request failed", "error", err)
	}
	h.stdin.Close()

	select {
	case <-h.exited:
	case <-time.After(releaseTimeout):
		h.logger.Warn("domain did not exit, killing", "timeout", releaseTimeout)
		h.cmd.Process.Kill()
		<-h.exited
	}
	h.fail(ErrReleased)
	h.logger.Info("domain released")
	return nil
}

// kill stops a domain whose handshake failed.
func (h *Handle) kill() {
	h.released.Store(true)
	activeDomains.Dec()
	h.stdin.Close()
	h.cmd.Process.Kill()
	<-h.exited
}
