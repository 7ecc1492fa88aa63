// Package hostapi describes the capability surface a host process exposes to
// the Connection Manager over a transport.Adapter: the channel names, the
// request/response payloads exchanged on them, and a typed Client that hides
// the raw invoke/send/subscribe plumbing. The manager consumes this surface;
// it never implements it.
package hostapi

import (
	"encoding/json"
	"time"
)

// Channel names understood by conforming hosts. Optional channels may be
// absent; Negotiate reports which ones the host actually serves.
const (
	ChannelConnect      = "tools:connect"
	ChannelDisconnect   = "tools:disconnect"
	ChannelListTools    = "tools:list-tools"
	ChannelListRes      = "tools:list-resources"
	ChannelListPrompts  = "tools:list-prompts"
	ChannelCallTool     = "tools:call"
	ChannelEvent        = "tools:event"
	ChannelDiscover     = "tools:discover"
	ChannelCapabilities = "tools:capabilities"
	ChannelScore        = "tools:score-relevance"
	ChannelTrackUsage   = "tools:track-usage"
	ChannelUsageStats   = "tools:usage-stats"
	ChannelIndexHealth  = "tools:index-health"
)

// ServerConfig identifies a tool server and how to reach it: either a launch
// command (host-spawned subprocess) or a network URL. Configs are immutable
// values; updates replace the whole config rather than mutating fields.
type ServerConfig struct {
	ID      string            `json:"id"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Tool describes one callable capability a server exposes. InputSchema stays
// raw; validating it is the capability layer's concern.
type Tool struct {
	ServerID    string          `json:"serverId,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes a readable artifact a server exposes.
type Resource struct {
	ServerID    string `json:"serverId,omitempty"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Prompt describes a reusable prompt template a server exposes.
type Prompt struct {
	ServerID    string `json:"serverId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ConnectRequest asks the host to establish a session with one server.
type ConnectRequest struct {
	Config ServerConfig `json:"config"`
}

// ConnectResult reports the outcome of a connect attempt together with the
// capability set the server advertised during initialization.
type ConnectResult struct {
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// DisconnectRequest asks the host to close the session for a server id.
type DisconnectRequest struct {
	ServerID string `json:"serverId"`
}

// ListRequest addresses a catalog fetch to one server.
type ListRequest struct {
	ServerID string `json:"serverId"`
}

// ListToolsResult carries a server's tool catalog.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ListResourcesResult carries a server's resource catalog.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ListPromptsResult carries a server's prompt catalog.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// CallToolRequest invokes a named tool on a specific server.
type CallToolRequest struct {
	ServerID  string         `json:"serverId"`
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the structured outcome of a tool invocation. Callers
// branch on Success instead of handling errors out-of-band.
type CallToolResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventType classifies a push event emitted by the host for a server.
type EventType string

const (
	EventConnecting       EventType = "connecting"
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventError            EventType = "error"
	EventToolsChanged     EventType = "tools-changed"
	EventResourcesChanged EventType = "resources-changed"
	EventPromptsChanged   EventType = "prompts-changed"
)

// ServerEvent is the payload pushed on ChannelEvent.
type ServerEvent struct {
	ServerID string    `json:"serverId"`
	Type     EventType `json:"type"`
	Error    string    `json:"error,omitempty"`
}

// DiscoverRequest scopes runtime discovery to a project context.
type DiscoverRequest struct {
	ProjectRoot string `json:"projectRoot"`
}

// DiscoveredConfig is a candidate configuration found at runtime plus an
// auto-connect hint. It is ephemeral; the manager folds it into server state
// and never persists it.
type DiscoveredConfig struct {
	Config      ServerConfig `json:"config"`
	AutoConnect bool         `json:"autoConnect"`
}

// DiscoverResult carries the candidates a host found for a project context.
type DiscoverResult struct {
	Servers []DiscoveredConfig `json:"servers"`
}

// Capabilities records which optional host channels are actually served.
// Computed once at startup by Negotiate and passed explicitly to the
// components that care; nothing probes ad hoc at call sites.
type Capabilities struct {
	Scoring       bool `json:"scoring"`
	UsageTracking bool `json:"usageTracking"`
	UsageStats    bool `json:"usageStats"`
	IndexHealth   bool `json:"indexHealth"`
	Discovery     bool `json:"discovery"`
}

// ScoreRequest asks the host to rank tools against a usage context.
type ScoreRequest struct {
	Query string `json:"query"`
	Tools []Tool `json:"tools"`
	Limit int    `json:"limit,omitempty"`
}

// ScoredTool pairs a tool descriptor with its host-assigned relevance score.
type ScoredTool struct {
	Tool  Tool    `json:"tool"`
	Score float64 `json:"score"`
}

// ScoreResult carries the ranked tools.
type ScoreResult struct {
	Tools []ScoredTool `json:"tools"`
}

// UsageRecord reports one tool invocation for usage statistics.
type UsageRecord struct {
	ServerID string    `json:"serverId"`
	ToolName string    `json:"toolName"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

// ToolUsage aggregates recorded invocations of one tool.
type ToolUsage struct {
	Count    int       `json:"count"`
	Failures int       `json:"failures"`
	LastUsed time.Time `json:"lastUsed"`
}

// UsageStatsResult maps "serverId/toolName" keys to aggregates.
type UsageStatsResult struct {
	Stats map[string]ToolUsage `json:"stats"`
}

// IndexHealth describes the host-side capability index, when one exists.
type IndexHealth struct {
	Healthy      bool   `json:"healthy"`
	IndexedTools int    `json:"indexedTools"`
	Detail       string `json:"detail,omitempty"`
}
