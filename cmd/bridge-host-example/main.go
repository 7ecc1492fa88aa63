// Command bridge-host-example runs an MCP bridge behind the socket transport,
// so managers in other processes can dial ws://host:8787/tools and drive the
// same capability surface an embedded bridge provides.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
	"github.com/kestrelworks/tool-server-manager-go/pkg/mcpbridge"
	"github.com/kestrelworks/tool-server-manager-go/pkg/wstransport"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := mcpbridge.New(&mcpbridge.Options{
		ClientName: "bridge-host-example",
		Timeout:    30 * time.Second,
		Logger:     logger,
	})
	defer bridge.Close()
	adapter := bridge.Adapter()

	host := wstransport.NewServer(&wstransport.ServerOptions{
		AllowedOrigins: []string{"http://localhost:*"},
		Logger:         logger,
	})
	defer host.Close()

	// Forward every core channel from the socket to the bridge, and fan the
	// bridge's push events out to every connected socket client.
	channels := []string{
		hostapi.ChannelConnect,
		hostapi.ChannelDisconnect,
		hostapi.ChannelListTools,
		hostapi.ChannelListRes,
		hostapi.ChannelListPrompts,
		hostapi.ChannelCallTool,
		hostapi.ChannelCapabilities,
	}
	for _, channel := range channels {
		channel := channel
		host.Handle(channel, func(ctx context.Context, payload json.RawMessage) (any, error) {
			return adapter.Invoke(ctx, channel, payload)
		})
	}
	unsub := adapter.Subscribe(hostapi.ChannelEvent, func(payload json.RawMessage) {
		host.Emit(hostapi.ChannelEvent, payload)
	})
	defer unsub()

	mux := http.NewServeMux()
	mux.Handle("/tools", host.Handler())

	srv := &http.Server{Addr: ":8787", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", srv.Addr).Msg("serving tool-server bridge")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
