package mcpbridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
)

const sessionIDHeader = "Mcp-Session-Id"

// dial establishes one MCP session for the config: stdio when a command is
// set, HTTP otherwise. HTTP tries the streamable transport first and falls
// back to SSE, except for endpoints ending in /sse which go straight to SSE.
func (b *Bridge) dial(ctx context.Context, cfg hostapi.ServerConfig) (*mcp.ClientSession, *sessionTracker, error) {
	impl := &mcp.Implementation{Name: b.opts.ClientName, Version: b.opts.ClientVersion}

	attempt := func(t mcp.Transport) (*mcp.ClientSession, error) {
		client := mcp.NewClient(impl, b.clientOptions(cfg.ID))
		return client.Connect(ctx, t, nil)
	}

	switch {
	case cfg.Command != "":
		session, err := attempt(b.stdioTransport(cfg))
		if err != nil {
			return nil, nil, err
		}
		return session, nil, nil
	case cfg.URL != "":
		return b.dialHTTP(cfg, attempt)
	default:
		return nil, nil, errors.Newf("config %q has neither command nor url", cfg.ID)
	}
}

func (b *Bridge) stdioTransport(cfg hostapi.ServerConfig) mcp.Transport {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}
}

func (b *Bridge) dialHTTP(cfg hostapi.ServerConfig, attempt func(mcp.Transport) (*mcp.ClientSession, error)) (*mcp.ClientSession, *sessionTracker, error) {
	tracker := &sessionTracker{}
	httpClient := b.decorateHTTPClient(cfg.Headers, tracker)

	streamable := &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	sse := &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}

	var streamErr error
	if !strings.HasSuffix(strings.TrimSpace(cfg.URL), "/sse") {
		session, err := attempt(streamable)
		if err == nil {
			tracker.set(session.ID())
			return session, tracker, nil
		}
		streamErr = err
	}

	session, err := attempt(sse)
	if err != nil {
		if streamErr != nil {
			return nil, nil, errors.Newf("streamable error: %v; sse error: %v", streamErr, err)
		}
		return nil, nil, err
	}
	tracker.set(session.ID())
	return session, tracker, nil
}

// decorateHTTPClient wraps the base client so every request carries the
// configured headers, the negotiated session id, and an auth token when an
// AuthProvider is set.
func (b *Bridge) decorateHTTPClient(headers map[string]string, tracker *sessionTracker) *http.Client {
	clone := *b.opts.HTTPClient
	next := clone.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerDecorator{
		next:    next,
		headers: headers,
		tracker: tracker,
		auth:    b.opts.AuthProvider,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
	tracker *sessionTracker
	auth    AuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.tracker != nil {
		if id := d.tracker.value(); id != "" {
			req.Header.Set(sessionIDHeader, id)
		}
	}
	if d.auth != nil && req.Header.Get("Authorization") == "" {
		token, err := d.auth(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

// sessionTracker holds the negotiated HTTP session id so reconnecting
// transports resume the same server-side session.
type sessionTracker struct {
	mu sync.RWMutex
	id string
}

func (t *sessionTracker) set(id string) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

func (t *sessionTracker) value() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}
