// Package discovery finds tool-server configurations at runtime and
// reconciles them with statically supplied ones. Discovery is best-effort by
// contract: a discoverer that cannot operate returns an empty set, never an
// error that blocks startup.
package discovery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
)

// Discoverer produces candidate configurations for a project context. It must
// be read-only with respect to caller-owned state.
type Discoverer interface {
	Discover(ctx context.Context, projectRoot string) ([]hostapi.DiscoveredConfig, error)
}

// HostDiscoverer asks the host process for configurations it can see. When
// the host lacks the discovery capability the result is empty, not an error.
type HostDiscoverer struct {
	client *hostapi.Client
	caps   hostapi.Capabilities
	logger zerolog.Logger
}

// NewHostDiscoverer wires a discoverer to a negotiated host client.
func NewHostDiscoverer(client *hostapi.Client, caps hostapi.Capabilities, logger zerolog.Logger) *HostDiscoverer {
	return &HostDiscoverer{client: client, caps: caps, logger: logger}
}

// Discover returns the host's candidates, degrading to empty on any failure.
func (d *HostDiscoverer) Discover(ctx context.Context, projectRoot string) ([]hostapi.DiscoveredConfig, error) {
	if !d.caps.Discovery {
		return nil, nil
	}
	servers, err := d.client.DiscoverServers(ctx, projectRoot)
	if err != nil {
		d.logger.Warn().Err(err).Str("root", projectRoot).Msg("host discovery failed")
		return nil, nil
	}
	return servers, nil
}

// Multi fans one Discover call out to several discoverers in order,
// concatenating their results. Individual failures degrade to empty.
type Multi []Discoverer

// Discover aggregates candidates from every member discoverer.
func (m Multi) Discover(ctx context.Context, projectRoot string) ([]hostapi.DiscoveredConfig, error) {
	var all []hostapi.DiscoveredConfig
	for _, d := range m {
		found, err := d.Discover(ctx, projectRoot)
		if err != nil {
			continue
		}
		all = append(all, found...)
	}
	return all, nil
}

// Merge unions initial configs with discovered ones, keyed by ID. Initial
// entries always win on conflict and keep their original order; discovered
// entries not present in initial follow in input order, first occurrence
// winning among discovered duplicates.
func Merge(initial []hostapi.ServerConfig, discovered []hostapi.DiscoveredConfig) []hostapi.ServerConfig {
	seen := make(map[string]struct{}, len(initial)+len(discovered))
	merged := make([]hostapi.ServerConfig, 0, len(initial)+len(discovered))
	for _, cfg := range initial {
		if _, dup := seen[cfg.ID]; dup {
			continue
		}
		seen[cfg.ID] = struct{}{}
		merged = append(merged, cfg)
	}
	for _, d := range discovered {
		if _, dup := seen[d.Config.ID]; dup {
			continue
		}
		seen[d.Config.ID] = struct{}{}
		merged = append(merged, d.Config)
	}
	return merged
}
