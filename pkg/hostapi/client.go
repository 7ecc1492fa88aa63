package hostapi

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/transport"
)

// Client wraps a transport.Adapter with typed methods for every host channel.
// It owns no connection state of its own; the adapter it was built around can
// be shared with any number of other clients.
type Client struct {
	adapter transport.Adapter
	logger  zerolog.Logger
}

// NewClient builds a Client over the given adapter. The logger receives
// diagnostics for dropped events; pass zerolog.Nop() to silence them.
func NewClient(adapter transport.Adapter, logger zerolog.Logger) *Client {
	return &Client{adapter: adapter, logger: logger}
}

// Adapter returns the underlying transport for callers that need raw access.
func (c *Client) Adapter() transport.Adapter { return c.adapter }

func invoke[T any](ctx context.Context, c *Client, channel string, payload any) (T, error) {
	var out T
	raw, err := c.adapter.Invoke(ctx, channel, payload)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrapf(err, "hostapi: decode %s response", channel)
	}
	return out, nil
}

// Connect asks the host to establish a session with the configured server.
// Transport and remote failures surface as errors; a host that dialed the
// server but saw it refuse reports Success=false instead.
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) (ConnectResult, error) {
	return invoke[ConnectResult](ctx, c, ChannelConnect, ConnectRequest{Config: cfg})
}

// Disconnect closes the host-side session for a server id.
func (c *Client) Disconnect(ctx context.Context, serverID string) error {
	_, err := c.adapter.Invoke(ctx, ChannelDisconnect, DisconnectRequest{ServerID: serverID})
	return err
}

// ListTools fetches one server's tool catalog.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	res, err := invoke[ListToolsResult](ctx, c, ChannelListTools, ListRequest{ServerID: serverID})
	return res.Tools, err
}

// ListResources fetches one server's resource catalog.
func (c *Client) ListResources(ctx context.Context, serverID string) ([]Resource, error) {
	res, err := invoke[ListResourcesResult](ctx, c, ChannelListRes, ListRequest{ServerID: serverID})
	return res.Resources, err
}

// ListPrompts fetches one server's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context, serverID string) ([]Prompt, error) {
	res, err := invoke[ListPromptsResult](ctx, c, ChannelListPrompts, ListRequest{ServerID: serverID})
	return res.Prompts, err
}

// CallTool invokes a tool and returns the host's structured outcome.
func (c *Client) CallTool(ctx context.Context, req CallToolRequest) (CallToolResult, error) {
	return invoke[CallToolResult](ctx, c, ChannelCallTool, req)
}

// DiscoverServers asks the host for configurations visible in the project
// context. Callers treat a transport or remote failure as "nothing found".
func (c *Client) DiscoverServers(ctx context.Context, projectRoot string) ([]DiscoveredConfig, error) {
	res, err := invoke[DiscoverResult](ctx, c, ChannelDiscover, DiscoverRequest{ProjectRoot: projectRoot})
	return res.Servers, err
}

// Negotiate probes the host's optional capability channels exactly once.
// Hosts without a capabilities channel yield the zero value, which disables
// every optional feature.
func (c *Client) Negotiate(ctx context.Context) Capabilities {
	caps, err := invoke[Capabilities](ctx, c, ChannelCapabilities, nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("capability negotiation unavailable")
		return Capabilities{}
	}
	return caps
}

// ScoreRelevance delegates tool ranking to the host.
func (c *Client) ScoreRelevance(ctx context.Context, req ScoreRequest) ([]ScoredTool, error) {
	res, err := invoke[ScoreResult](ctx, c, ChannelScore, req)
	return res.Tools, err
}

// TrackUsage reports one tool invocation, fire-and-forget.
func (c *Client) TrackUsage(record UsageRecord) {
	c.adapter.Send(ChannelTrackUsage, record)
}

// UsageStats fetches aggregated usage counters from the host.
func (c *Client) UsageStats(ctx context.Context) (map[string]ToolUsage, error) {
	res, err := invoke[UsageStatsResult](ctx, c, ChannelUsageStats, nil)
	return res.Stats, err
}

// IndexHealth reports the state of the host's capability index.
func (c *Client) IndexHealth(ctx context.Context) (IndexHealth, error) {
	return invoke[IndexHealth](ctx, c, ChannelIndexHealth, nil)
}

// OnServerEvent subscribes to the host's push-event channel and decodes each
// payload into a ServerEvent. Malformed payloads are logged and dropped. The
// returned unsubscribe function is idempotent.
func (c *Client) OnServerEvent(fn func(ServerEvent)) func() {
	return c.adapter.Subscribe(ChannelEvent, func(payload json.RawMessage) {
		var ev ServerEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("drop malformed server event")
			return
		}
		fn(ev)
	})
}
