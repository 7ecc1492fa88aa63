package relevance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
	"github.com/kestrelworks/tool-server-manager-go/pkg/transport"
)

type staticCatalog []hostapi.Tool

func (c staticCatalog) AllTools() []hostapi.Tool { return c }

func newScoringHost(t *testing.T) (*hostapi.Client, *transport.Responder) {
	t.Helper()
	adapter, responder := transport.Pipe(zerolog.Nop())
	return hostapi.NewClient(adapter, zerolog.Nop()), responder
}

func TestScoreRanksAcrossAllServers(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	catalog := staticCatalog{
		{ServerID: "fs", Name: "read"},
		{ServerID: "db", Name: "query"},
		{ServerID: "web", Name: "fetch"},
	}

	var gotReq hostapi.ScoreRequest
	responder.Handle(hostapi.ChannelScore, func(_ context.Context, payload json.RawMessage) (any, error) {
		if err := json.Unmarshal(payload, &gotReq); err != nil {
			return nil, err
		}
		return hostapi.ScoreResult{Tools: []hostapi.ScoredTool{
			{Tool: catalog[0], Score: 0.2},
			{Tool: catalog[1], Score: 0.9},
			{Tool: catalog[2], Score: 0.5},
		}}, nil
	})

	scorer := NewScorer(client, hostapi.Capabilities{Scoring: true}, catalog, nil)
	ranked := scorer.Score(context.Background(), "look up a record", 2)

	// All three servers' tools went to the host, not just the first server's.
	require.Len(t, gotReq.Tools, 3)
	assert.Equal(t, "look up a record", gotReq.Query)

	require.Len(t, ranked, 2)
	assert.Equal(t, "query", ranked[0].Tool.Name)
	assert.Equal(t, "fetch", ranked[1].Tool.Name)
}

func TestScoreWithoutCapabilityIsEmpty(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	called := false
	responder.Handle(hostapi.ChannelScore, func(context.Context, json.RawMessage) (any, error) {
		called = true
		return hostapi.ScoreResult{}, nil
	})

	scorer := NewScorer(client, hostapi.Capabilities{}, staticCatalog{{Name: "read"}}, nil)
	assert.Empty(t, scorer.Score(context.Background(), "anything", 10))
	assert.False(t, called)
}

func TestScoreHostFailureDegradesToEmpty(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	responder.Handle(hostapi.ChannelScore, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("index offline")
	})

	scorer := NewScorer(client, hostapi.Capabilities{Scoring: true}, staticCatalog{{Name: "read"}}, nil)
	assert.Empty(t, scorer.Score(context.Background(), "anything", 10))
}

func TestScoreEmptyCatalogSkipsHost(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	called := false
	responder.Handle(hostapi.ChannelScore, func(context.Context, json.RawMessage) (any, error) {
		called = true
		return hostapi.ScoreResult{}, nil
	})

	scorer := NewScorer(client, hostapi.Capabilities{Scoring: true}, staticCatalog{}, nil)
	assert.Empty(t, scorer.Score(context.Background(), "anything", 10))
	assert.False(t, called)
}

func TestTrackUsageRespectsCapability(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	var mu sync.Mutex
	var records []hostapi.UsageRecord
	responder.HandleSend(hostapi.ChannelTrackUsage, func(payload json.RawMessage) {
		var rec hostapi.UsageRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return
		}
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	})

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	opts := &Options{Now: func() time.Time { return at }}

	off := NewScorer(client, hostapi.Capabilities{}, staticCatalog{}, opts)
	off.TrackUsage("fs", "read", true)

	on := NewScorer(client, hostapi.Capabilities{UsageTracking: true}, staticCatalog{}, opts)
	on.TrackUsage("fs", "read", false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, "fs", records[0].ServerID)
	assert.False(t, records[0].Success)
	assert.True(t, records[0].At.Equal(at))
}

func TestUsageStatsDegradeToEmptyMap(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	responder.Handle(hostapi.ChannelUsageStats, func(context.Context, json.RawMessage) (any, error) {
		return hostapi.UsageStatsResult{Stats: map[string]hostapi.ToolUsage{
			"fs/read": {Count: 3, Failures: 1},
		}}, nil
	})

	off := NewScorer(client, hostapi.Capabilities{}, staticCatalog{}, nil)
	stats := off.UsageStats(context.Background())
	require.NotNil(t, stats)
	assert.Empty(t, stats)

	on := NewScorer(client, hostapi.Capabilities{UsageStats: true}, staticCatalog{}, nil)
	stats = on.UsageStats(context.Background())
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats["fs/read"].Count)
}

func TestIndexHealthDegradesToZeroValue(t *testing.T) {
	t.Parallel()

	client, responder := newScoringHost(t)
	responder.Handle(hostapi.ChannelIndexHealth, func(context.Context, json.RawMessage) (any, error) {
		return hostapi.IndexHealth{Healthy: true, IndexedTools: 12}, nil
	})

	off := NewScorer(client, hostapi.Capabilities{}, staticCatalog{}, nil)
	assert.False(t, off.IndexHealth(context.Background()).Healthy)

	on := NewScorer(client, hostapi.Capabilities{IndexHealth: true}, staticCatalog{}, nil)
	health := on.IndexHealth(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, 12, health.IndexedTools)
}
