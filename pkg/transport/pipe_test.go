package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeInvokeRoundTrip(t *testing.T) {
	t.Parallel()

	adapter, responder := Pipe(zerolog.Nop())
	responder.Handle("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
		var in map[string]string
		require.NoError(t, json.Unmarshal(payload, &in))
		return map[string]string{"echo": in["value"]}, nil
	})

	raw, err := adapter.Invoke(context.Background(), "echo", map[string]string{"value": "hello"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hello", out["echo"])
}

func TestPipeInvokeRemoteFailure(t *testing.T) {
	t.Parallel()

	adapter, responder := Pipe(zerolog.Nop())
	responder.Handle("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("remote exploded")
	})

	_, err := adapter.Invoke(context.Background(), "boom", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Channel)
	assert.Contains(t, remote.Message, "remote exploded")
}

func TestPipeInvokeWithoutHandlerIsRemoteError(t *testing.T) {
	t.Parallel()

	adapter, _ := Pipe(zerolog.Nop())
	_, err := adapter.Invoke(context.Background(), "missing", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestPipeFailsFastAfterDisconnect(t *testing.T) {
	t.Parallel()

	adapter, _ := Pipe(zerolog.Nop())
	require.NoError(t, adapter.Disconnect())

	_, err := adapter.Invoke(context.Background(), "any", nil)
	require.ErrorIs(t, err, ErrNotConnected)

	// Send must not panic or block once the pipe is torn down.
	adapter.Send("any", map[string]string{"k": "v"})
}

func TestPipeSubscribeFanOutAndOrder(t *testing.T) {
	t.Parallel()

	adapter, responder := Pipe(zerolog.Nop())

	var first, second []string
	unsubA := adapter.Subscribe("events", func(payload json.RawMessage) {
		first = append(first, string(payload))
	})
	unsubB := adapter.Subscribe("events", func(payload json.RawMessage) {
		second = append(second, string(payload))
	})

	responder.Emit("events", json.RawMessage(`"one"`))
	responder.Emit("events", json.RawMessage(`"two"`))

	assert.Equal(t, []string{`"one"`, `"two"`}, first)
	assert.Equal(t, []string{`"one"`, `"two"`}, second)

	unsubA()
	unsubA() // idempotent
	responder.Emit("events", json.RawMessage(`"three"`))

	assert.Len(t, first, 2)
	assert.Equal(t, []string{`"one"`, `"two"`, `"three"`}, second)

	unsubB()
	responder.Emit("events", json.RawMessage(`"four"`))
	assert.Len(t, second, 3)
}

func TestPipeSendReachesHostHandler(t *testing.T) {
	t.Parallel()

	adapter, responder := Pipe(zerolog.Nop())
	received := make(chan string, 1)
	responder.HandleSend("telemetry", func(payload json.RawMessage) {
		received <- string(payload)
	})

	adapter.Send("telemetry", map[string]int{"count": 3})
	assert.JSONEq(t, `{"count":3}`, <-received)
}
