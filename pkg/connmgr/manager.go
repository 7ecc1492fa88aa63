// Package connmgr coordinates an arbitrary number of independent tool servers
// behind a single host capability surface. It owns one state machine per
// server, drives connect and disconnect through the transport, fans host push
// events into per-server state, and exposes the aggregated connected-only
// catalogs plus a tool-invocation entry point. Each Manager starts cold;
// connection state is never persisted across restarts.
package connmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/discovery"
	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
	"github.com/kestrelworks/tool-server-manager-go/pkg/optrack"
)

// ErrUnknownServer marks operations that referenced a server id the manager
// does not know (never added, or already removed).
var ErrUnknownServer = errors.New("connmgr: unknown server")

// ErrorCallback receives connect and auto-connect failures that the manager
// absorbs into state instead of returning.
type ErrorCallback func(serverID string, err error)

// Options configure a Manager.
type Options struct {
	// ProjectRoot scopes discovery. Empty disables project-context discovery.
	ProjectRoot string
	// Discoverer supplies runtime configurations merged into the static set
	// during Initialize. Nil disables discovery entirely.
	Discoverer discovery.Discoverer
	// AutoConnect dials every enabled server during Initialize.
	AutoConnect bool
	// ConnectTimeout bounds each connect attempt and catalog fetch.
	// Defaults to 30 seconds.
	ConnectTimeout time.Duration
	// Tracker, when set, records every CallTool invocation as a tracked
	// operation. The manager clears it on Close.
	Tracker *optrack.Tracker
	// OnError is invoked for absorbed failures. Optional.
	OnError ErrorCallback
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

func (o *Options) normalized() Options {
	if o == nil {
		return Options{}
	}
	opts := *o
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return opts
}

// Manager orchestrates the per-server connection state machines.
type Manager struct {
	client *hostapi.Client
	opts   Options
	logger zerolog.Logger

	mu         sync.RWMutex
	states     map[string]*ServerState
	autoHints  map[string]bool
	onError    ErrorCallback
	discovered bool
	closed     bool

	bus *stateBus

	// eventUnsub tears down the single manager-wide host event subscription.
	eventUnsub func()
}

// NewManager builds a Manager over the given host client and registers the
// initial server configurations without connecting any of them. Call
// Initialize to run discovery and auto-connect.
func NewManager(client *hostapi.Client, initial []hostapi.ServerConfig, opts *Options) *Manager {
	options := opts.normalized()
	m := &Manager{
		client:    client,
		opts:      options,
		logger:    options.Logger,
		states:    make(map[string]*ServerState),
		autoHints: make(map[string]bool),
		onError:   options.OnError,
		bus:       newStateBus(options.Logger),
	}
	for _, cfg := range initial {
		if _, dup := m.states[cfg.ID]; dup {
			continue
		}
		m.states[cfg.ID] = &ServerState{Config: cfg, Status: StatusDisconnected}
	}
	m.eventUnsub = client.OnServerEvent(m.routeEvent)
	return m
}

// Initialize runs discovery (at most once per manager lifetime unless
// Rediscover resets the latch) and then auto-connects eligible servers.
// Failures are absorbed and reported through the error callback; Initialize
// itself never fails.
func (m *Manager) Initialize(ctx context.Context) {
	m.runDiscovery(ctx)

	var targets []hostapi.ServerConfig
	m.mu.RLock()
	for id, st := range m.states {
		if st.Status != StatusDisconnected {
			continue
		}
		if (m.opts.AutoConnect && st.Config.Enabled) || m.autoHints[id] {
			targets = append(targets, st.Config)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, cfg := range targets {
		wg.Add(1)
		go func(cfg hostapi.ServerConfig) {
			defer wg.Done()
			m.Connect(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
}

// Rediscover resets the discovery latch and runs discovery again, folding any
// newly found configurations into state. Existing entries are never
// overwritten by discovered ones.
func (m *Manager) Rediscover(ctx context.Context) {
	m.mu.Lock()
	m.discovered = false
	m.mu.Unlock()
	m.runDiscovery(ctx)
}

func (m *Manager) runDiscovery(ctx context.Context) {
	if m.opts.Discoverer == nil {
		return
	}
	m.mu.Lock()
	if m.discovered {
		m.mu.Unlock()
		return
	}
	m.discovered = true
	existing := make([]hostapi.ServerConfig, 0, len(m.states))
	for _, st := range m.states {
		existing = append(existing, st.Config)
	}
	m.mu.Unlock()

	found, err := m.opts.Discoverer.Discover(ctx, m.opts.ProjectRoot)
	if err != nil {
		m.logger.Warn().Err(err).Msg("discovery failed")
		return
	}
	merged := discovery.Merge(existing, found)

	hints := make(map[string]bool, len(found))
	for _, d := range found {
		if d.AutoConnect {
			hints[d.Config.ID] = true
		}
	}

	m.mu.Lock()
	for _, cfg := range merged {
		if _, known := m.states[cfg.ID]; known {
			continue
		}
		m.states[cfg.ID] = &ServerState{Config: cfg, Status: StatusDisconnected}
		if hints[cfg.ID] {
			m.autoHints[cfg.ID] = true
		}
	}
	m.mu.Unlock()
}

// Connect drives one server through connecting and into connected or error.
// A connect on an already-connected server is a fresh attempt, never a silent
// no-op, so callers can force-refresh a stuck connection. All failures are
// captured into state and the error callback; the return value reports
// whether the server ended fully connected.
func (m *Manager) Connect(ctx context.Context, cfg hostapi.ServerConfig) bool {
	id := cfg.ID
	if id == "" {
		m.reportError(id, errors.New("connmgr: config missing server id"))
		return false
	}

	m.upsertState(id, func(st *ServerState) {
		st.Config = cfg
		st.Status = StatusConnecting
		st.Err = ""
		st.clearCatalogs()
	})

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	res, err := m.client.Connect(connectCtx, cfg)
	if err == nil && !res.Success {
		err = errors.Newf("connmgr: server %q refused connection: %s", id, res.Error)
	}
	if err != nil {
		msg := err.Error()
		m.updateState(id, func(st *ServerState) {
			st.Status = StatusError
			st.Err = msg
			st.clearCatalogs()
		})
		m.reportError(id, err)
		return false
	}

	// Three independent fetches; a failed one yields an empty catalog for its
	// category rather than aborting the connection.
	tools := m.fetchTools(ctx, id)
	resources := m.fetchResources(ctx, id)
	prompts := m.fetchPrompts(ctx, id)

	m.updateState(id, func(st *ServerState) {
		st.Status = StatusConnected
		st.Err = ""
		st.Capabilities = res.Capabilities
		st.Tools = toolMap(id, tools)
		st.Resources = resourceMap(id, resources)
		st.Prompts = promptMap(id, prompts)
		st.LastConnected = time.Now()
	})
	return true
}

// Disconnect closes the host-side session and unconditionally resets the
// server to disconnected with empty catalogs, even when the transport call
// fails. It is effectively idempotent.
func (m *Manager) Disconnect(ctx context.Context, serverID string) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	if err := m.client.Disconnect(callCtx, serverID); err != nil {
		m.logger.Warn().Str("server", serverID).Err(err).Msg("transport disconnect failed")
	}
	m.updateState(serverID, func(st *ServerState) {
		st.Status = StatusDisconnected
		st.Err = ""
		st.clearCatalogs()
	})
}

// RemoveServer deletes a server entirely, forcing a disconnect first when it
// is connected or connecting.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	m.mu.RLock()
	st, ok := m.states[serverID]
	var status Status
	if ok {
		status = st.Status
	}
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownServer, "%q", serverID)
	}

	if status == StatusConnected || status == StatusConnecting {
		m.Disconnect(ctx, serverID)
	}

	m.mu.Lock()
	delete(m.states, serverID)
	delete(m.autoHints, serverID)
	m.mu.Unlock()
	return nil
}

// CallTool invokes a tool on a connected server. It refuses immediately, with
// a structured failure and without touching the transport, when the server is
// absent or not connected; there is no implicit connect-then-call and no
// retry.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) hostapi.CallToolResult {
	m.mu.RLock()
	st, ok := m.states[serverID]
	var status Status
	if ok {
		status = st.Status
	}
	m.mu.RUnlock()

	if !ok {
		return hostapi.CallToolResult{Success: false, Error: fmt.Sprintf("Server not found: %s", serverID)}
	}
	if status != StatusConnected {
		return hostapi.CallToolResult{Success: false, Error: "Server not connected"}
	}

	opID := uuid.NewString()
	if m.opts.Tracker != nil {
		m.opts.Tracker.Start(opID, fmt.Sprintf("%s/%s", serverID, toolName), args)
	}

	res, err := m.client.CallTool(ctx, hostapi.CallToolRequest{
		ServerID:  serverID,
		ToolName:  toolName,
		Arguments: args,
	})
	if err != nil {
		if m.opts.Tracker != nil {
			m.opts.Tracker.Fail(opID, err.Error())
		}
		return hostapi.CallToolResult{Success: false, Error: err.Error()}
	}
	if m.opts.Tracker != nil {
		if res.Success {
			m.opts.Tracker.Succeed(opID, res.Result)
		} else {
			m.opts.Tracker.Fail(opID, res.Error)
		}
	}
	return res
}

// RefreshTools re-fetches and replaces the tool catalog of a connected
// server, leaving resources and prompts untouched. When the server is not
// connected it is a no-op returning the current catalog. A failed re-fetch
// also leaves the existing catalog in place.
func (m *Manager) RefreshTools(ctx context.Context, serverID string) []hostapi.Tool {
	m.mu.RLock()
	st, ok := m.states[serverID]
	connected := ok && st.Status == StatusConnected
	m.mu.RUnlock()

	if connected {
		fetchCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		tools, err := m.client.ListTools(fetchCtx, serverID)
		cancel()
		if err != nil {
			m.logger.Warn().Str("server", serverID).Err(err).Msg("tool refresh failed")
		} else {
			m.updateState(serverID, func(st *ServerState) {
				st.Tools = toolMap(serverID, tools)
			})
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return sortedTools(st.Tools)
	}
	return nil
}

// Server returns a snapshot of one server's state.
func (m *Manager) Server(serverID string) (ServerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.clone(), true
	}
	return ServerState{}, false
}

// Servers returns snapshots of every known server, ordered by id.
func (m *Manager) Servers() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// ServerIDs returns the known server identifiers, sorted.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllTools aggregates the tool catalogs of connected servers only, each tool
// tagged with its server id.
func (m *Manager) AllTools() []hostapi.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []hostapi.Tool
	for _, st := range m.states {
		if st.Status != StatusConnected {
			continue
		}
		all = append(all, sortedTools(st.Tools)...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ServerID != all[j].ServerID {
			return all[i].ServerID < all[j].ServerID
		}
		return all[i].Name < all[j].Name
	})
	return all
}

// AllResources aggregates the resource catalogs of connected servers only.
func (m *Manager) AllResources() []hostapi.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []hostapi.Resource
	for _, st := range m.states {
		if st.Status != StatusConnected {
			continue
		}
		for _, res := range st.Resources {
			all = append(all, res)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ServerID != all[j].ServerID {
			return all[i].ServerID < all[j].ServerID
		}
		return all[i].URI < all[j].URI
	})
	return all
}

// AllPrompts aggregates the prompt catalogs of connected servers only.
func (m *Manager) AllPrompts() []hostapi.Prompt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []hostapi.Prompt
	for _, st := range m.states {
		if st.Status != StatusConnected {
			continue
		}
		for _, prompt := range st.Prompts {
			all = append(all, prompt)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ServerID != all[j].ServerID {
			return all[i].ServerID < all[j].ServerID
		}
		return all[i].Name < all[j].Name
	})
	return all
}

// SubscribeState registers a callback for server state transitions and
// returns an idempotent disposer.
func (m *Manager) SubscribeState(fn func(StateEvent)) func() {
	return m.bus.Subscribe(fn)
}

// Close tears down the manager: the host event subscription is disposed, the
// state bus is closed, and any attached operation tracker is cleared. The
// shared transport adapter is left alone; other consumers may still use it.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.eventUnsub != nil {
		m.eventUnsub()
	}
	m.bus.Close()
	if m.opts.Tracker != nil {
		m.opts.Tracker.Clear()
	}
}

// routeEvent is the manager-wide dispatcher for host push events. Events for
// unknown server ids are dropped without error; the server may have been
// removed while the event was in flight.
func (m *Manager) routeEvent(ev hostapi.ServerEvent) {
	m.mu.RLock()
	_, known := m.states[ev.ServerID]
	m.mu.RUnlock()
	if !known {
		m.logger.Debug().Str("server", ev.ServerID).Str("type", string(ev.Type)).Msg("drop event for unknown server")
		return
	}

	switch ev.Type {
	case hostapi.EventConnecting:
		m.updateState(ev.ServerID, func(st *ServerState) {
			st.Status = StatusConnecting
			st.Err = ""
			st.clearCatalogs()
		})
	case hostapi.EventConnected:
		m.updateState(ev.ServerID, func(st *ServerState) {
			st.Status = StatusConnected
			st.Err = ""
			st.LastConnected = time.Now()
		})
	case hostapi.EventDisconnected:
		m.updateState(ev.ServerID, func(st *ServerState) {
			st.Status = StatusDisconnected
			st.Err = ""
			st.clearCatalogs()
		})
	case hostapi.EventError:
		msg := ev.Error
		if msg == "" {
			msg = "server error"
		}
		m.updateState(ev.ServerID, func(st *ServerState) {
			st.Status = StatusError
			st.Err = msg
			st.clearCatalogs()
		})
	case hostapi.EventToolsChanged:
		m.refetchCatalog(ev.ServerID, func(ctx context.Context, st *ServerState) error {
			tools, err := m.client.ListTools(ctx, ev.ServerID)
			if err != nil {
				return err
			}
			st.Tools = toolMap(ev.ServerID, tools)
			return nil
		})
	case hostapi.EventResourcesChanged:
		m.refetchCatalog(ev.ServerID, func(ctx context.Context, st *ServerState) error {
			resources, err := m.client.ListResources(ctx, ev.ServerID)
			if err != nil {
				return err
			}
			st.Resources = resourceMap(ev.ServerID, resources)
			return nil
		})
	case hostapi.EventPromptsChanged:
		m.refetchCatalog(ev.ServerID, func(ctx context.Context, st *ServerState) error {
			prompts, err := m.client.ListPrompts(ctx, ev.ServerID)
			if err != nil {
				return err
			}
			st.Prompts = promptMap(ev.ServerID, prompts)
			return nil
		})
	default:
		m.logger.Debug().Str("server", ev.ServerID).Str("type", string(ev.Type)).Msg("drop unrecognized event")
	}
}

// refetchCatalog re-fetches one catalog category for a connected server.
// Fetch failures leave the existing catalog in place.
func (m *Manager) refetchCatalog(serverID string, fetch func(context.Context, *ServerState) error) {
	m.mu.RLock()
	st, ok := m.states[serverID]
	connected := ok && st.Status == StatusConnected
	m.mu.RUnlock()
	if !connected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	staged := &ServerState{}
	if err := fetch(ctx, staged); err != nil {
		m.logger.Warn().Str("server", serverID).Err(err).Msg("catalog refetch failed")
		return
	}
	m.updateState(serverID, func(st *ServerState) {
		if st.Status != StatusConnected {
			return
		}
		if staged.Tools != nil {
			st.Tools = staged.Tools
		}
		if staged.Resources != nil {
			st.Resources = staged.Resources
		}
		if staged.Prompts != nil {
			st.Prompts = staged.Prompts
		}
	})
}

func (m *Manager) fetchTools(ctx context.Context, serverID string) []hostapi.Tool {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	tools, err := m.client.ListTools(fetchCtx, serverID)
	if err != nil {
		m.logger.Warn().Str("server", serverID).Err(err).Msg("tool catalog fetch failed")
		return nil
	}
	return tools
}

func (m *Manager) fetchResources(ctx context.Context, serverID string) []hostapi.Resource {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	resources, err := m.client.ListResources(fetchCtx, serverID)
	if err != nil {
		m.logger.Warn().Str("server", serverID).Err(err).Msg("resource catalog fetch failed")
		return nil
	}
	return resources
}

func (m *Manager) fetchPrompts(ctx context.Context, serverID string) []hostapi.Prompt {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	prompts, err := m.client.ListPrompts(fetchCtx, serverID)
	if err != nil {
		m.logger.Warn().Str("server", serverID).Err(err).Msg("prompt catalog fetch failed")
		return nil
	}
	return prompts
}

// updateState applies fn to an existing server state as one atomic
// read-modify-write and publishes the transition. Unknown ids are ignored.
func (m *Manager) updateState(serverID string, fn func(*ServerState)) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(st)
	snapshot := StateEvent{ServerID: serverID, Status: st.Status, Err: st.Err}
	m.mu.Unlock()
	m.bus.Publish(snapshot)
}

// upsertState is updateState for paths allowed to create the entry, i.e. a
// connect for a config the manager has not seen before.
func (m *Manager) upsertState(serverID string, fn func(*ServerState)) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		st = &ServerState{Status: StatusDisconnected}
		m.states[serverID] = st
	}
	fn(st)
	snapshot := StateEvent{ServerID: serverID, Status: st.Status, Err: st.Err}
	m.mu.Unlock()
	m.bus.Publish(snapshot)
}

// SetErrorCallback replaces the absorbed-failure callback installed via
// Options. A nil callback disables reporting.
func (m *Manager) SetErrorCallback(fn ErrorCallback) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

func (m *Manager) reportError(serverID string, err error) {
	m.logger.Warn().Str("server", serverID).Err(err).Msg("connection failure")
	m.mu.RLock()
	fn := m.onError
	m.mu.RUnlock()
	if fn != nil {
		fn(serverID, err)
	}
}

func sortedTools(tools map[string]hostapi.Tool) []hostapi.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]hostapi.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
