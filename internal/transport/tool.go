package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// toolClient is the slice of the MCP client the adapter needs. Narrowed so
// tests can substitute a fake server connection.
type toolClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}

// ToolAdapter drives a Model Context Protocol tool server. Connect spawns the
// server and performs the real initialize handshake; Send issues named tool
// invocations; Receive drains progress and logging notifications the server
// pushes between and during calls.
type ToolAdapter struct {
	cfg   Config
	state atomic.Int32

	mu     sync.Mutex
	client toolClient

	// events buffers server notifications for Receive.
	events chan Event

	// newClient builds the underlying connection; replaced in tests.
	newClient func(cfg Config) (toolClient, error)

	logger *slog.Logger
}

// NewToolAdapter builds a tool-protocol adapter from an immutable config.
func NewToolAdapter(cfg Config) *ToolAdapter {
	return &ToolAdapter{
		cfg:    cfg,
		events: make(chan Event, 64),
		newClient: func(cfg Config) (toolClient, error) {
			return mcpclient.NewStdioMCPClient(cfg.Target, cfg.Env, cfg.Args...)
		},
		logger: slog.Default().With("adapter", cfg.Name),
	}
}

// Name returns the adapter's configured name.
func (a *ToolAdapter) Name() string { return a.cfg.Name }

// State returns the current connection state.
func (a *ToolAdapter) State() ConnState { return ConnState(a.state.Load()) }

// Connect starts the tool server and completes the protocol handshake. The
// adapter is not usable until the server has answered initialize, so the
// observed connect latency is the real server round-trip. Idempotent once
// connected.
func (a *ToolAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() == StateConnected {
		return nil
	}
	a.state.Store(int32(StateConnecting))

	client, err := a.newClient(a.cfg)
	if err != nil {
		a.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %s: %v", ErrConnection, a.cfg.Name, err)
	}

	if err := client.Start(ctx); err != nil {
		client.Close()
		a.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %s: start: %v", ErrConnection, a.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "relay",
				Version: "1.0.0",
			},
		},
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		a.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %s: handshake: %v", ErrConnection, a.cfg.Name, err)
	}

	client.OnNotification(func(n mcp.JSONRPCNotification) {
		ev := Event{
			Type:      n.Method,
			Payload:   n.Params.AdditionalFields,
			Timestamp: time.Now().UTC(),
		}
		select {
		case a.events <- ev:
		default:
			// Receive has fallen behind; dropping the oldest semantics are
			// not worth a lock here, drop the newest and log.
			a.logger.Warn("notification buffer full, dropping event", "type", n.Method)
		}
	})

	a.client = client
	a.state.Store(int32(StateConnected))
	a.logger.Debug("tool adapter connected", "target", a.cfg.Target)
	return nil
}

// Disconnect closes the server connection. Always succeeds, idempotent.
func (a *ToolAdapter) Disconnect() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			a.logger.Warn("tool client close", "error", err)
		}
	}
	a.state.Store(int32(StateDisconnected))
	return nil
}

// Send invokes the tool named by the payload's "tool" key with its "params"
// map. Tool-level failures come back as Success=false results; only missing
// connection state and timeouts are Go errors.
func (a *ToolAdapter) Send(ctx context.Context, payload map[string]any) (*SendResult, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if a.State() != StateConnected || client == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, a.cfg.Name)
	}

	tool, _ := payload["tool"].(string)
	if tool == "" {
		return nil, fmt.Errorf("%w: payload missing tool name", ErrProtocol)
	}
	params, _ := payload["params"].(map[string]any)

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      tool,
			Arguments: params,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout())
	defer cancel()

	start := time.Now()
	res, err := client.CallTool(ctx, req)
	latency := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %s: tool %s after %s", ErrTimeout, a.cfg.Name, tool, a.cfg.SendTimeout())
	}
	if err != nil {
		return &SendResult{
			Tool:    tool,
			Latency: latency,
			Error:   err.Error(),
		}, nil
	}

	result := &SendResult{
		Tool:    tool,
		Latency: latency,
		Success: !res.IsError,
	}

	text := textContent(res)
	result.Output = text
	if res.IsError {
		result.Error = text
		return result, nil
	}

	if gjson.Valid(text) {
		if m, ok := gjson.Parse(text).Value().(map[string]any); ok {
			result.Payload = m
		}
	}
	if result.Payload == nil && text != "" {
		result.Payload = map[string]any{"text": text}
	}
	return result, nil
}

// Receive returns the next buffered server notification, or nil when nothing
// arrives within timeout. Repeated calls drain the notification stream in
// arrival order.
func (a *ToolAdapter) Receive(ctx context.Context, timeout time.Duration) (*Event, error) {
	select {
	case ev := <-a.events:
		return &ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

// textContent flattens the text parts of a tool result.
func textContent(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	for _, content := range res.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
