// Package transport defines the adapter contract the hub uses to talk to
// worker modules, plus the concrete process-backed and tool-protocol
// transports. Each adapter owns its connection state; instances are never
// shared across logical connections.
package transport

import (
	"context"
	"errors"
	"time"
)

// Protocol identifies the concrete transport kind behind an adapter.
type Protocol string

const (
	// ProtocolProcess invokes the module as a subprocess per send.
	ProtocolProcess Protocol = "process"

	// ProtocolTool speaks the Model Context Protocol to a tool server.
	ProtocolTool Protocol = "tool"
)

// ConnState is the adapter connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Errors returned by adapter operations.
var (
	// ErrConnection is returned when the target is unreachable or a
	// prerequisite (such as the executable) is missing.
	ErrConnection = errors.New("connection failed")

	// ErrNotConnected is returned by Send on a disconnected adapter.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrTimeout is returned when an operation exceeds the configured bound.
	// The adapter remains reusable afterwards.
	ErrTimeout = errors.New("operation timed out")

	// ErrProtocol is returned for malformed or unsupported responses.
	ErrProtocol = errors.New("protocol error")
)

// Config describes one adapter. Immutable after the adapter is constructed.
type Config struct {
	Name     string        `json:"name" yaml:"name"`
	Protocol Protocol      `json:"protocol" yaml:"protocol"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`

	// Target is the command (process, tool server) the adapter drives.
	Target string   `json:"target" yaml:"target"`
	Args   []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env    []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// DefaultTimeout bounds sends when the config leaves Timeout zero.
const DefaultTimeout = 30 * time.Second

// SendTimeout returns the effective per-send bound.
func (c Config) SendTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// SendResult is the structured outcome of one Send. Failures the caller can
// keep going from (non-zero exit, tool error) come back here with
// Success=false rather than as Go errors.
type SendResult struct {
	Success bool           `json:"success"`
	Payload map[string]any `json:"payload,omitempty"`
	Latency time.Duration  `json:"latency"`
	Error   string         `json:"error,omitempty"`

	// Process transport fields.
	ExitCode int    `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`
	Command  string `json:"command,omitempty"`

	// Tool transport fields.
	Tool string `json:"tool,omitempty"`
}

// Event is one streamed notification delivered through Receive.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Adapter is the uniform capability surface over one concrete transport.
//
// Connect is idempotent once connected and fails with an ErrConnection-wrapped
// error when the target is unreachable. Disconnect always succeeds, is
// idempotent, and releases underlying OS resources deterministically. Send
// requires the Connected state and enforces the configured timeout; Receive
// blocks up to the given timeout and returns a nil event when nothing
// arrives, and may be called repeatedly to drain a stream of events.
type Adapter interface {
	Name() string
	State() ConnState
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, payload map[string]any) (*SendResult, error)
	Receive(ctx context.Context, timeout time.Duration) (*Event, error)
}

// New constructs the adapter variant named by cfg.Protocol.
func New(cfg Config) (Adapter, error) {
	switch cfg.Protocol {
	case ProtocolProcess:
		return NewProcessAdapter(cfg), nil
	case ProtocolTool:
		return NewToolAdapter(cfg), nil
	default:
		return nil, errors.New("unknown transport protocol: " + string(cfg.Protocol))
	}
}
