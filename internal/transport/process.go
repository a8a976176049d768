package transport

import (
	"bufio"
	"bytes"
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

	"github.com/tidwall/gjson"
)

// ProcessAdapter invokes a worker module as a subprocess. Each Send spawns
// one bounded invocation; StartInteractive instead keeps a long-lived process
// whose stdin/stdout carry line-delimited JSON.
//
// Independent adapter instances run concurrently. A single instance processes
// one in-flight Send at a time; sendMu enforces that without serializing
// other instances.
type ProcessAdapter struct {
	cfg   Config
	state atomic.Int32

	// sendMu serializes one-shot sends on this instance.
	sendMu sync.Mutex

	// session guards the interactive process, when started.
	mu      sync.Mutex
	session *interactiveSession

	logger *slog.Logger
}

// NewProcessAdapter builds a process-backed adapter from an immutable config.
func NewProcessAdapter(cfg Config) *ProcessAdapter {
	return &ProcessAdapter{
		cfg:    cfg,
		logger: slog.Default().With("adapter", cfg.Name),
	}
}

// Name returns the adapter's configured name.
func (a *ProcessAdapter) Name() string { return a.cfg.Name }

// State returns the current connection state.
func (a *ProcessAdapter) State() ConnState { return ConnState(a.state.Load()) }

// Connect verifies the target command resolves on this host. Connecting an
// already-connected adapter is a no-op.
func (a *ProcessAdapter) Connect(ctx context.Context) error {
	if a.State() == StateConnected {
		return nil
	}
	a.state.Store(int32(StateConnecting))

	if a.cfg.Target == "" {
		a.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %s: no target command configured", ErrConnection, a.cfg.Name)
	}
	if _, err := exec.LookPath(a.cfg.Target); err != nil {
		a.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %s: resolve %q: %v", ErrConnection, a.cfg.Name, a.cfg.Target, err)
	}

	a.state.Store(int32(StateConnected))
	a.logger.Debug("process adapter connected", "target", a.cfg.Target)
	return nil
}

// Disconnect tears down any interactive session and returns to Disconnected.
// Always succeeds and is safe to call repeatedly.
func (a *ProcessAdapter) Disconnect() error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if session != nil {
		session.stop()
	}
	a.state.Store(int32(StateDisconnected))
	return nil
}

// Send spawns one invocation of the target command. The payload's "args" key
// becomes the argument vector; stdout, stderr, and the exit code land in the
// result. A non-zero exit is a Success=false result, not a Go error; only
// timeouts and not-connected states surface as errors.
func (a *ProcessAdapter) Send(ctx context.Context, payload map[string]any) (*SendResult, error) {
	if a.State() != StateConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, a.cfg.Name)
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	args := append([]string(nil), a.cfg.Args...)
	args = append(args, payloadArgs(payload)...)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, a.cfg.Target, args...)
	if len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	latency := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		// CommandContext has already killed the child; the adapter stays
		// Connected and usable for the next send.
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, a.cfg.Name, a.cfg.SendTimeout())
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &SendResult{
		Latency: latency,
		Output:  strings.TrimRight(stdout.String(), "\n"),
		Command: a.cfg.Target,
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.Success = true
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = runErr.Error()
		}
	default:
		result.Error = runErr.Error()
	}

	if result.Success && gjson.Valid(result.Output) {
		if m, ok := gjson.Parse(result.Output).Value().(map[string]any); ok {
			result.Payload = m
		}
	}

	return result, nil
}

// payloadArgs extracts the process argument vector from a message payload.
func payloadArgs(payload map[string]any) []string {
	raw, ok := payload["args"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		args := make([]string, 0, len(v))
		for _, item := range v {
			args = append(args, fmt.Sprint(item))
		}
		return args
	case string:
		return []string{v}
	default:
		return nil
	}
}

// StartInteractive spawns the long-lived interactive process and binds
// SendInteractive/Receive to its stdin/stdout. Requires Connected state.
func (a *ProcessAdapter) StartInteractive(ctx context.Context) error {
	if a.State() != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, a.cfg.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		return fmt.Errorf("interactive session already running for %s", a.cfg.Name)
	}

	// The session outlives the startup context, so the command is built
	// without CommandContext; teardown is explicit in Disconnect.
	cmd := exec.Command(a.cfg.Target, a.cfg.Args...)
	if len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: %s: start %q: %v", ErrConnection, a.cfg.Name, a.cfg.Target, err)
	}

	session := &interactiveSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		logger: a.logger,
	}
	go session.readLoop(bufio.NewReader(stdout))

	a.session = session
	a.logger.Debug("interactive session started", "pid", cmd.Process.Pid)
	return nil
}

// SendInteractive writes one JSON line to the interactive process. Responses
// and any intermediate output arrive through Receive.
func (a *ProcessAdapter) SendInteractive(ctx context.Context, payload map[string]any) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	if session == nil {
		return fmt.Errorf("%w: %s: no interactive session", ErrNotConnected, a.cfg.Name)
	}
	return session.write(payload)
}

// Receive returns the next event streamed by the interactive process, or a
// nil event if none arrives within timeout. Calling it repeatedly drains the
// stream in order.
func (a *ProcessAdapter) Receive(ctx context.Context, timeout time.Duration) (*Event, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	if session == nil {
		return nil, nil
	}

	select {
	case ev, ok := <-session.events:
		if !ok {
			return nil, nil
		}
		return &ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

// interactiveSession owns one long-lived child process.
type interactiveSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	logger *slog.Logger

	// done releases a readLoop blocked on a full events buffer so teardown
	// never leaves the reader goroutine behind.
	done chan struct{}

	writeMu sync.Mutex
	stopped atomic.Bool
}

func (s *interactiveSession) write(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop turns each stdout line into an Event. Lines that parse as JSON
// objects become the event payload; anything else is carried raw.
func (s *interactiveSession) readLoop(r *bufio.Reader) {
	defer close(s.events)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			ev := Event{Type: "output", Timestamp: time.Now().UTC()}
			trimmed := strings.TrimSpace(line)
			if m, ok := parseJSONObject(trimmed); ok {
				ev.Type = "message"
				ev.Payload = m
			} else {
				ev.Payload = map[string]any{"line": trimmed}
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// stop closes stdin to request a graceful exit, then kills after a grace
// period so a wedged child never leaks.
func (s *interactiveSession) stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.done)
	s.stdin.Close()

	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("interactive process did not exit, killing", "pid", s.cmd.Process.Pid)
		s.cmd.Process.Kill()
		<-done
	}
}

func parseJSONObject(line string) (map[string]any, bool) {
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return nil, false
	}
	return m, true
}
