package connmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := newStateBus(zerolog.Nop())
	defer bus.Close()

	var mu sync.Mutex
	var got []StateEvent
	unsub := bus.Subscribe(func(ev StateEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(StateEvent{ServerID: "fs", Status: StatusConnecting})
	bus.Publish(StateEvent{ServerID: "fs", Status: StatusConnected})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, StatusConnecting, got[0].Status)
	assert.Equal(t, StatusConnected, got[1].Status)
	mu.Unlock()
}

func TestStateBusUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := newStateBus(zerolog.Nop())
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(StateEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(StateEvent{ServerID: "fs", Status: StatusConnecting})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsub()
	unsub() // disposers are idempotent
	time.Sleep(20 * time.Millisecond)

	bus.Publish(StateEvent{ServerID: "fs", Status: StatusConnected})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestStateBusPublishAfterCloseIsSilent(t *testing.T) {
	t.Parallel()

	bus := newStateBus(zerolog.Nop())
	bus.Close()

	assert.NotPanics(t, func() {
		bus.Publish(StateEvent{ServerID: "fs", Status: StatusError})
	})
}
