package connmgr

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

const topicServerState = "server.state"

// StateEvent is published on every server state transition so UIs can react
// without polling.
type StateEvent struct {
	ServerID string `json:"serverId"`
	Status   Status `json:"status"`
	Err      string `json:"error,omitempty"`
}

// stateBus fans server state transitions out to subscribers over a watermill
// gochannel pub/sub. It is owned by exactly one Manager and torn down with it.
type stateBus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newStateBus(logger zerolog.Logger) *stateBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &stateBus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *stateBus) Publish(ev StateEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn().Err(err).Msg("drop unencodable state event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topicServerState, msg); err != nil {
		b.logger.Debug().Err(err).Msg("state bus publish after close")
	}
}

// Subscribe registers fn for all future state events and returns an
// idempotent disposer. Delivery is asynchronous but per-subscriber ordered.
func (b *stateBus) Subscribe(fn func(StateEvent)) func() {
	ctx, cancel := context.WithCancel(b.ctx)
	msgs, err := b.pubsub.Subscribe(ctx, topicServerState)
	if err != nil {
		cancel()
		return func() {}
	}
	go func() {
		for msg := range msgs {
			var ev StateEvent
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				fn(ev)
			}
			msg.Ack()
		}
	}()
	var once sync.Once
	return func() { once.Do(cancel) }
}

func (b *stateBus) Close() {
	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Debug().Err(err).Msg("state bus close")
	}
}
