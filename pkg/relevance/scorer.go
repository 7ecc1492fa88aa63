// Package relevance is the optional capability layer on top of the connection
// manager: it ranks the aggregated tool catalog against a usage context and
// records usage statistics. Every entry point degrades to an empty result or a
// no-op when the host did not negotiate the matching capability, so nothing in
// the manager's core path depends on this package being useful.
package relevance

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
)

// CatalogSource supplies the aggregated connected-only tool catalog. The
// connection manager satisfies this.
type CatalogSource interface {
	AllTools() []hostapi.Tool
}

// Options configure a Scorer.
type Options struct {
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
	// Now overrides the usage timestamp source. Defaults to time.Now.
	Now func() time.Time
}

// Scorer ranks tools and records usage through the host's optional channels.
// The capability set is fixed at construction; callers negotiate once at
// startup and build the Scorer from the result.
type Scorer struct {
	client *hostapi.Client
	caps   hostapi.Capabilities
	source CatalogSource
	logger zerolog.Logger
	now    func() time.Time
}

// NewScorer builds a Scorer over a negotiated capability set.
func NewScorer(client *hostapi.Client, caps hostapi.Capabilities, source CatalogSource, opts *Options) *Scorer {
	s := &Scorer{client: client, caps: caps, source: source, now: time.Now}
	if opts != nil {
		s.logger = opts.Logger
		if opts.Now != nil {
			s.now = opts.Now
		}
	}
	return s
}

// Score ranks the union of every connected server's tools against the query,
// descending by score, truncated to limit (limit <= 0 means no truncation).
// Without the scoring capability, or when the host call fails, it returns an
// empty list rather than an error.
func (s *Scorer) Score(ctx context.Context, query string, limit int) []hostapi.ScoredTool {
	if !s.caps.Scoring {
		return nil
	}
	tools := s.source.AllTools()
	if len(tools) == 0 {
		return nil
	}

	scored, err := s.client.ScoreRelevance(ctx, hostapi.ScoreRequest{
		Query: query,
		Tools: tools,
		Limit: limit,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("relevance scoring failed")
		return nil
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// TrackUsage reports one tool invocation, fire-and-forget. A no-op without
// the usage-tracking capability.
func (s *Scorer) TrackUsage(serverID, toolName string, success bool) {
	if !s.caps.UsageTracking {
		return
	}
	s.client.TrackUsage(hostapi.UsageRecord{
		ServerID: serverID,
		ToolName: toolName,
		Success:  success,
		At:       s.now(),
	})
}

// UsageStats fetches aggregated usage counters, or an empty map when the
// capability is absent or the host call fails.
func (s *Scorer) UsageStats(ctx context.Context) map[string]hostapi.ToolUsage {
	if !s.caps.UsageStats {
		return map[string]hostapi.ToolUsage{}
	}
	stats, err := s.client.UsageStats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("usage stats fetch failed")
		return map[string]hostapi.ToolUsage{}
	}
	if stats == nil {
		stats = map[string]hostapi.ToolUsage{}
	}
	return stats
}

// IndexHealth reports the host capability index state. Without the capability
// it returns the zero value, whose Healthy=false tells callers no index
// exists.
func (s *Scorer) IndexHealth(ctx context.Context) hostapi.IndexHealth {
	if !s.caps.IndexHealth {
		return hostapi.IndexHealth{}
	}
	health, err := s.client.IndexHealth(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("index health fetch failed")
		return hostapi.IndexHealth{}
	}
	return health
}
