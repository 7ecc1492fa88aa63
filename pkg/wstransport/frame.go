// Package wstransport carries the transport.Adapter contract over a single
// WebSocket connection. One socket multiplexes request/response invokes,
// fire-and-forget sends, and host push events as JSON text frames. The client
// side is a transport.Adapter; the server side is an http.Handler a Go host
// process mounts next to its other endpoints.
package wstransport

import "encoding/json"

// Frame kinds on the wire.
const (
	kindInvoke = "invoke"
	kindResult = "result"
	kindSend   = "send"
	kindEvent  = "event"
)

// frame is the single wire shape for every message. ID correlates an invoke
// with its result and is zero on send and event frames.
type frame struct {
	Kind    string          `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
