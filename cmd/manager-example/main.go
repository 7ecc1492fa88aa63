package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/connmgr"
	"github.com/kestrelworks/tool-server-manager-go/pkg/discovery"
	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
	"github.com/kestrelworks/tool-server-manager-go/pkg/mcpbridge"
	"github.com/kestrelworks/tool-server-manager-go/pkg/optrack"
	"github.com/kestrelworks/tool-server-manager-go/pkg/relevance"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	bridge := mcpbridge.New(&mcpbridge.Options{
		ClientName: "manager-example",
		Timeout:    15 * time.Second,
		Logger:     logger,
	})
	defer bridge.Close()

	client := hostapi.NewClient(bridge.Adapter(), logger)
	tracker := optrack.NewTracker(optrack.Options{Logger: logger})

	projectRoot, _ := os.Getwd()
	manager := connmgr.NewManager(client, []hostapi.ServerConfig{
		{
			ID:      "everything",
			Command: "npx",
			Args:    []string{"@modelcontextprotocol/server-everything"},
			Enabled: true,
		},
	}, &connmgr.Options{
		ProjectRoot: projectRoot,
		Discoverer:  discovery.NewFileDiscoverer(logger),
		AutoConnect: true,
		Tracker:     tracker,
		Logger:      logger,
		OnError: func(serverID string, err error) {
			logger.Warn().Str("server", serverID).Err(err).Msg("connect failed")
		},
	})
	defer manager.Close()

	unsub := manager.SubscribeState(func(ev connmgr.StateEvent) {
		logger.Info().Str("server", ev.ServerID).Str("status", string(ev.Status)).Msg("state change")
	})
	defer unsub()

	ctx := context.Background()
	manager.Initialize(ctx)

	for _, st := range manager.Servers() {
		fmt.Printf("server %s: %s\n", st.Config.ID, st.Status)
	}
	for _, tool := range manager.AllTools() {
		fmt.Printf("tool %s/%s: %s\n", tool.ServerID, tool.Name, tool.Description)
	}

	caps := client.Negotiate(ctx)
	scorer := relevance.NewScorer(client, caps, manager, &relevance.Options{Logger: logger})
	for _, scored := range scorer.Score(ctx, "echo a message back", 5) {
		fmt.Printf("scored %s/%s: %.2f\n", scored.Tool.ServerID, scored.Tool.Name, scored.Score)
	}

	if res := manager.CallTool(ctx, "everything", "echo", map[string]any{"message": "hello"}); res.Success {
		fmt.Printf("echo result: %s\n", res.Result)
	} else {
		fmt.Printf("echo failed: %s\n", res.Error)
	}

	for _, op := range tracker.Operations() {
		fmt.Printf("operation %s (%s): %s\n", op.ID, op.Name, op.Status)
	}
}
