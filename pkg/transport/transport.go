// Package transport defines the uniform adapter contract that connects the
// tool-server Connection Manager to a host capability provider, regardless of
// whether the host lives in the same process or behind a network socket.
// Implementations multiplex three primitives over a single underlying
// resource: request/response (Invoke), fire-and-forget (Send), and push
// subscriptions (Subscribe). Payload shapes are opaque at this layer; schema
// concerns belong to the capability layer above.
package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ErrNotConnected marks failures caused by the adapter being unreachable or
// already torn down. Use errors.Is to detect it across wraps.
var ErrNotConnected = errors.New("transport: not connected")

// RemoteError reports a failure the remote side explicitly returned for an
// Invoke, as opposed to a transport-level fault.
type RemoteError struct {
	Channel string
	Message string
}

func (e *RemoteError) Error() string {
	return "transport: remote error on " + e.Channel + ": " + e.Message
}

// Handler receives the raw payload of a push event.
type Handler func(payload json.RawMessage)

// Adapter is the four-operation transport contract. Exactly one adapter
// instance should back a running environment; it is constructed explicitly,
// shared by every consumer in the process, and torn down only by an explicit
// Disconnect because other consumers may still hold subscriptions.
type Adapter interface {
	// Invoke performs a request/response exchange on the named channel. It
	// fails with an error matching ErrNotConnected when the adapter is torn
	// down and with *RemoteError when the remote side reports failure.
	Invoke(ctx context.Context, channel string, payload any) (json.RawMessage, error)

	// Send delivers a fire-and-forget message. Transport-level problems are
	// logged and dropped; Send never fails.
	Send(channel string, payload any)

	// Subscribe registers a push-event listener on the named channel and
	// returns an idempotent unsubscribe function. Every subscriber on a
	// channel receives every event, in emission order.
	Subscribe(channel string, fn Handler) (unsubscribe func())

	// Disconnect releases the adapter's underlying resource. Subsequent
	// Invoke and Send calls fail fast instead of hanging.
	Disconnect() error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "transport: encode payload")
	}
	return data, nil
}
