package domain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// FetchChunkSize bounds the object bytes carried by one fetch result. Bytes are
// base64 encoded on the wire, so a full chunk stays well under MaxMessageSize.
const FetchChunkSize = 4 << 20

// ErrMessageTooLarge is returned when a frame would exceed MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds frame limit")

// Request operations.
const (
	OpInit   = "init"
	OpInvoke = "invoke"
	OpCall   = "call"
	OpFetch  = "fetch"
	OpRules  = "rules"
	OpClose  = "close"
)

// Request is the frame sent from host to domain.
type Request struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Version model.Version   `json:"version,omitempty"`
	Module  string          `json:"module,omitempty"`
	Type    string          `json:"type,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Method  string          `json:"method,omitempty"`
	Path    string          `json:"path,omitempty"`
	Offset  int64           `json:"offset,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the outcome of one request.
type Result struct {
	OK       bool            `json:"ok"`
	Ref      string          `json:"ref,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Bytes    []byte          `json:"bytes,omitempty"`
	More     bool            `json:"more,omitempty"`
	NotFound bool            `json:"not_found,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     failure.Kind    `json:"kind,omitempty"`
}

// Domain→host message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Message is the envelope for all domain→host frames. Log lines may arrive at
// any time; each request is answered by exactly one result carrying its ID.
type Message struct {
	ID     string  `json:"id,omitempty"`
	Type   string  `json:"type"`
	Line   string  `json:"line,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d: %w", len(data), MaxMessageSize, ErrMessageTooLarge)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d: %w", length, MaxMessageSize, ErrMessageTooLarge)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// frameWriter serialises frame writes from concurrent goroutines.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return WriteMessage(f.w, v)
}

// logWriter turns each written line into a log frame.
type logWriter struct {
	out *frameWriter
}

func (l logWriter) Write(p []byte) (int, error) {
	line := string(p)
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if err := l.out.send(&Message{Type: MsgTypeLog, Line: line}); err != nil {
		return 0, err
	}
	return len(p), nil
}
