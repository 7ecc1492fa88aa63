package optrack

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerSucceedStampsDurationOnce(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: time.Minute})
	tracker.Start("op-1", "read", map[string]any{"path": "/tmp/x"})

	op, ok := tracker.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, op.Status)
	assert.False(t, op.StartTime.IsZero())

	tracker.Succeed("op-1", json.RawMessage(`{"ok":true}`))

	op, ok = tracker.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, op.Status)
	assert.JSONEq(t, `{"ok":true}`, string(op.Result))
	firstDuration := op.Duration

	// A second terminal call must not alter the recorded duration or flip the
	// status to error.
	tracker.Fail("op-1", "late failure")
	op, _ = tracker.Get("op-1")
	assert.Equal(t, StatusSuccess, op.Status)
	assert.Equal(t, firstDuration, op.Duration)
	assert.Empty(t, op.Error)
}

func TestTrackerFailOnUnknownIDIsNoOp(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{})
	tracker.Fail("ghost", "whatever")
	tracker.Succeed("ghost", nil)

	_, ok := tracker.Get("ghost")
	assert.False(t, ok)
	assert.Empty(t, tracker.Operations())
}

func TestTrackerTimeoutForcesError(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: 20 * time.Millisecond})
	tracker.Start("slow", "hang", nil)

	require.Eventually(t, func() bool {
		op, ok := tracker.Get("slow")
		return ok && op.Status == StatusError
	}, time.Second, 5*time.Millisecond)

	op, _ := tracker.Get("slow")
	assert.Contains(t, op.Error, "timed out")
	assert.False(t, op.EndTime.IsZero())
	assert.GreaterOrEqual(t, op.Duration, 20*time.Millisecond)

	// The fired timer must not retrigger: completing afterwards is a no-op and
	// the error text stays the timeout message.
	tracker.Succeed("slow", json.RawMessage(`"late"`))
	op, _ = tracker.Get("slow")
	assert.Equal(t, StatusError, op.Status)
	assert.Contains(t, op.Error, "timed out")
}

func TestTrackerRestartRearmsTimer(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: 40 * time.Millisecond})
	tracker.Start("op", "first", nil)
	time.Sleep(25 * time.Millisecond)
	tracker.Start("op", "second", nil)

	// The first timer would have fired by now; the restart must have replaced
	// it, so the operation is still running.
	time.Sleep(25 * time.Millisecond)
	op, ok := tracker.Get("op")
	require.True(t, ok)
	assert.Equal(t, "second", op.Name)
	assert.Equal(t, StatusRunning, op.Status)

	require.Eventually(t, func() bool {
		op, _ := tracker.Get("op")
		return op.Status == StatusError
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerCompletionCancelsTimeout(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: 30 * time.Millisecond})
	tracker.Start("quick", "read", nil)
	tracker.Succeed("quick", nil)

	time.Sleep(60 * time.Millisecond)
	op, _ := tracker.Get("quick")
	assert.Equal(t, StatusSuccess, op.Status)
	assert.Empty(t, op.Error)
}

func TestTrackerOperationsOrderStable(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: time.Minute})
	tracker.Start("b", "second", nil)
	tracker.Start("a", "third", nil)
	tracker.Enqueue("z", "queued", nil)

	ops := tracker.Operations()
	require.Len(t, ops, 3)
	// Pending op has a zero start time, so it sorts first; the two running ops
	// keep their start order.
	assert.Equal(t, "z", ops[0].ID)
	assert.Equal(t, "b", ops[1].ID)
	assert.Equal(t, "a", ops[2].ID)
}

func TestTrackerStartSameIDOverwrites(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: time.Minute})
	tracker.Start("dup", "first", nil)
	tracker.Start("dup", "second", nil)

	ops := tracker.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "second", ops[0].Name)
}

func TestTrackerClearCancelsEverything(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(Options{Timeout: 20 * time.Millisecond})
	tracker.Start("one", "a", nil)
	tracker.Start("two", "b", nil)
	tracker.Clear()

	assert.Empty(t, tracker.Operations())

	// Timers were cancelled with the records; nothing reappears.
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, tracker.Operations())
}
