// Package mcpbridge implements the host capability surface in-process by
// driving real MCP client sessions. A Bridge owns one session per server id,
// answers the tools:* channels over an in-process pipe, and pushes server
// events when sessions end or servers announce catalog changes. Handing
// Bridge.Adapter() to a connection manager gives a single Go process the full
// stack with no host application in between.
package mcpbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
	"github.com/kestrelworks/tool-server-manager-go/pkg/transport"
)

// AuthProvider supplies an Authorization header value (for example
// "Bearer <token>") for outbound HTTP requests.
type AuthProvider func(ctx context.Context) (string, error)

// Options configure a Bridge.
type Options struct {
	// ClientName is advertised to servers during initialization. Defaults to
	// "tool-server-manager".
	ClientName string
	// ClientVersion is the semantic version reported to servers. Defaults to
	// "1.0.0".
	ClientVersion string
	// Timeout bounds each connect attempt and proxied request. Defaults to
	// 30 seconds.
	Timeout time.Duration
	// HTTPClient is the base client for HTTP transports. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// AuthProvider, when set, decorates HTTP requests that carry no
	// Authorization header.
	AuthProvider AuthProvider
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

func (o *Options) normalized() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "tool-server-manager"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return opts
}

// Bridge is an in-process host: one MCP client session per connected server,
// exposed through the transport adapter contract.
type Bridge struct {
	opts   Options
	logger zerolog.Logger

	adapter   transport.Adapter
	responder *transport.Responder

	mu       sync.Mutex
	sessions map[string]*serverSession
	closed   bool
}

type serverSession struct {
	config  hostapi.ServerConfig
	session *mcp.ClientSession
	tracker *sessionTracker
}

// New builds a Bridge and registers its channel handlers.
func New(opts *Options) *Bridge {
	options := opts.normalized()
	b := &Bridge{
		opts:     options,
		logger:   options.Logger,
		sessions: make(map[string]*serverSession),
	}
	b.adapter, b.responder = transport.Pipe(options.Logger)

	b.responder.Handle(hostapi.ChannelConnect, b.handleConnect)
	b.responder.Handle(hostapi.ChannelDisconnect, b.handleDisconnect)
	b.responder.Handle(hostapi.ChannelListTools, b.handleListTools)
	b.responder.Handle(hostapi.ChannelListRes, b.handleListResources)
	b.responder.Handle(hostapi.ChannelListPrompts, b.handleListPrompts)
	b.responder.Handle(hostapi.ChannelCallTool, b.handleCallTool)
	b.responder.Handle(hostapi.ChannelCapabilities, func(context.Context, json.RawMessage) (any, error) {
		// The bridge serves the core channels only; every optional capability
		// degrades on the client side.
		return hostapi.Capabilities{}, nil
	})
	return b
}

// Adapter returns the client half of the bridge, ready to hand to a
// connection manager.
func (b *Bridge) Adapter() transport.Adapter { return b.adapter }

// Close tears down every live session and the underlying pipe.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*serverSession, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.sessions = make(map[string]*serverSession)
	b.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.adapter.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Bridge) handleConnect(ctx context.Context, payload json.RawMessage) (any, error) {
	var req hostapi.ConnectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "decode connect request")
	}
	cfg := req.Config
	if cfg.ID == "" {
		return hostapi.ConnectResult{Success: false, Error: "config missing server id"}, nil
	}

	b.emit(hostapi.ServerEvent{ServerID: cfg.ID, Type: hostapi.EventConnecting})

	connectCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	session, tracker, err := b.dial(connectCtx, cfg)
	if err != nil {
		b.emit(hostapi.ServerEvent{ServerID: cfg.ID, Type: hostapi.EventError, Error: err.Error()})
		return hostapi.ConnectResult{Success: false, Error: err.Error()}, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = session.Close()
		return hostapi.ConnectResult{Success: false, Error: "bridge closed"}, nil
	}
	if prev, ok := b.sessions[cfg.ID]; ok {
		// A newer connect supersedes the old session.
		_ = prev.session.Close()
	}
	sess := &serverSession{config: cfg, session: session, tracker: tracker}
	b.sessions[cfg.ID] = sess
	b.mu.Unlock()

	go b.monitor(cfg.ID, sess)

	return hostapi.ConnectResult{Success: true}, nil
}

// monitor waits for the session to end and clears it from the table, so a
// crashed server surfaces as a disconnected event rather than a stale entry.
func (b *Bridge) monitor(serverID string, sess *serverSession) {
	if err := sess.session.Wait(); err != nil {
		b.logger.Debug().Str("server", serverID).Err(err).Msg("session ended")
	}
	b.mu.Lock()
	current, ok := b.sessions[serverID]
	if ok && current == sess {
		delete(b.sessions, serverID)
	} else {
		ok = false
	}
	closed := b.closed
	b.mu.Unlock()
	if ok && !closed {
		b.emit(hostapi.ServerEvent{ServerID: serverID, Type: hostapi.EventDisconnected})
	}
}

func (b *Bridge) handleDisconnect(ctx context.Context, payload json.RawMessage) (any, error) {
	var req hostapi.DisconnectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "decode disconnect request")
	}

	b.mu.Lock()
	sess, ok := b.sessions[req.ServerID]
	if ok {
		delete(b.sessions, req.ServerID)
	}
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}

	done := make(chan error, 1)
	go func() { done <- sess.session.Close() }()
	select {
	case err := <-done:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) handleListTools(ctx context.Context, payload json.RawMessage) (any, error) {
	sess, err := b.lookup(payload)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	res, err := sess.session.ListTools(callCtx, nil)
	if err != nil {
		if methodUnavailable(err) {
			return hostapi.ListToolsResult{}, nil
		}
		return nil, err
	}
	tools := make([]hostapi.Tool, 0, len(res.Tools))
	for _, tool := range res.Tools {
		out := hostapi.Tool{Name: tool.Name, Description: tool.Description}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				out.InputSchema = raw
			}
		}
		tools = append(tools, out)
	}
	return hostapi.ListToolsResult{Tools: tools}, nil
}

func (b *Bridge) handleListResources(ctx context.Context, payload json.RawMessage) (any, error) {
	sess, err := b.lookup(payload)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	res, err := sess.session.ListResources(callCtx, nil)
	if err != nil {
		if methodUnavailable(err) {
			return hostapi.ListResourcesResult{}, nil
		}
		return nil, err
	}
	resources := make([]hostapi.Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		resources = append(resources, hostapi.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return hostapi.ListResourcesResult{Resources: resources}, nil
}

func (b *Bridge) handleListPrompts(ctx context.Context, payload json.RawMessage) (any, error) {
	sess, err := b.lookup(payload)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	res, err := sess.session.ListPrompts(callCtx, nil)
	if err != nil {
		if methodUnavailable(err) {
			return hostapi.ListPromptsResult{}, nil
		}
		return nil, err
	}
	prompts := make([]hostapi.Prompt, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		prompts = append(prompts, hostapi.Prompt{Name: p.Name, Description: p.Description})
	}
	return hostapi.ListPromptsResult{Prompts: prompts}, nil
}

func (b *Bridge) handleCallTool(ctx context.Context, payload json.RawMessage) (any, error) {
	var req hostapi.CallToolRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "decode call request")
	}
	if req.ToolName == "" {
		return hostapi.CallToolResult{Success: false, Error: "tool name is required"}, nil
	}

	b.mu.Lock()
	sess, ok := b.sessions[req.ServerID]
	b.mu.Unlock()
	if !ok {
		return hostapi.CallToolResult{Success: false, Error: "Server not connected"}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	res, err := sess.session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      req.ToolName,
		Arguments: req.Arguments,
	})
	if err != nil {
		return hostapi.CallToolResult{Success: false, Error: err.Error()}, nil
	}

	out := hostapi.CallToolResult{Success: !res.IsError}
	if len(res.Content) > 0 {
		if raw, err := json.Marshal(res.Content); err == nil {
			out.Content = raw
		}
	}
	if res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			out.Result = raw
		}
	}
	if res.IsError {
		out.Error = contentText(res.Content)
		if out.Error == "" {
			out.Error = "tool reported an error"
		}
	}
	return out, nil
}

func (b *Bridge) lookup(payload json.RawMessage) (*serverSession, error) {
	var req hostapi.ListRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "decode list request")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[req.ServerID]
	if !ok {
		return nil, errors.Newf("server %q not connected", req.ServerID)
	}
	return sess, nil
}

func (b *Bridge) emit(ev hostapi.ServerEvent) {
	b.responder.Emit(hostapi.ChannelEvent, ev)
}

// clientOptions wires per-server list-changed notifications into push events.
func (b *Bridge) clientOptions(serverID string) *mcp.ClientOptions {
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			b.emit(hostapi.ServerEvent{ServerID: serverID, Type: hostapi.EventToolsChanged})
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			b.emit(hostapi.ServerEvent{ServerID: serverID, Type: hostapi.EventResourcesChanged})
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			b.emit(hostapi.ServerEvent{ServerID: serverID, Type: hostapi.EventPromptsChanged})
		},
	}
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// methodUnavailable reports whether err looks like the server rejecting an
// optional method, in which case the catalog is treated as empty.
func methodUnavailable(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}
