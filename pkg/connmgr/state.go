package connmgr

import (
	"time"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
)

// Status represents the lifecycle of a managed server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ServerState is the manager's view of one known server. Catalog maps are
// populated only while the server is connected; every transition away from
// connected clears them.
type ServerState struct {
	Config        hostapi.ServerConfig
	Status        Status
	Err           string
	Tools         map[string]hostapi.Tool
	Resources     map[string]hostapi.Resource
	Prompts       map[string]hostapi.Prompt
	Capabilities  map[string]any
	LastConnected time.Time
}

// clone returns a snapshot whose maps are detached from the stored state, so
// callers can never observe a torn or later-mutated view.
func (s *ServerState) clone() ServerState {
	out := *s
	out.Tools = cloneMap(s.Tools)
	out.Resources = cloneMap(s.Resources)
	out.Prompts = cloneMap(s.Prompts)
	out.Capabilities = cloneMap(s.Capabilities)
	return out
}

// clearCatalogs resets every catalog map to empty.
func (s *ServerState) clearCatalogs() {
	s.Tools = nil
	s.Resources = nil
	s.Prompts = nil
}

func cloneMap[V any](src map[string]V) map[string]V {
	if src == nil {
		return nil
	}
	out := make(map[string]V, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toolMap(serverID string, tools []hostapi.Tool) map[string]hostapi.Tool {
	out := make(map[string]hostapi.Tool, len(tools))
	for _, tool := range tools {
		tool.ServerID = serverID
		out[tool.Name] = tool
	}
	return out
}

func resourceMap(serverID string, resources []hostapi.Resource) map[string]hostapi.Resource {
	out := make(map[string]hostapi.Resource, len(resources))
	for _, res := range resources {
		res.ServerID = serverID
		out[res.URI] = res
	}
	return out
}

func promptMap(serverID string, prompts []hostapi.Prompt) map[string]hostapi.Prompt {
	out := make(map[string]hostapi.Prompt, len(prompts))
	for _, prompt := range prompts {
		prompt.ServerID = serverID
		out[prompt.Name] = prompt
	}
	return out
}
