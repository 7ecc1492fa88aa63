// Package optrack tracks the lifecycle of individual asynchronous operations
// (typically tool invocations) independently of which server they target.
// Every running operation carries exactly one armed timeout, so nothing stays
// "running" forever even when the caller never reports completion.
package optrack

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle position of a tracked operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// DefaultTimeout bounds how long an operation may stay running before it is
// forced to a timeout error.
const DefaultTimeout = 30 * time.Second

// Operation is a point-in-time copy of one tracked operation. Values are
// always returned by copy; the tracker never shares its internal records.
type Operation struct {
	ID        string
	Name      string
	Args      map[string]any
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Result    json.RawMessage
	Error     string
}

func (o Operation) terminal() bool {
	return o.Status == StatusSuccess || o.Status == StatusError
}

// Options configure a Tracker.
type Options struct {
	// Timeout is the budget applied to every running operation. Defaults to
	// DefaultTimeout when zero or negative.
	Timeout time.Duration
	// Logger receives timeout diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

type armedTimer struct {
	timer *time.Timer
	seq   uint64
}

// Tracker records operations keyed by id. Repeated starts with the same id
// overwrite the previous record rather than duplicating it.
type Tracker struct {
	timeout time.Duration
	logger  zerolog.Logger

	seq atomic.Uint64

	mu     sync.Mutex
	ops    map[string]*Operation
	timers map[string]armedTimer
}

// NewTracker builds a Tracker with the given options.
func NewTracker(opts Options) *Tracker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		logger:  opts.Logger,
		ops:     make(map[string]*Operation),
		timers:  make(map[string]armedTimer),
	}
}

// Enqueue registers a pending operation without arming a timeout. Start moves
// it to running; Enqueue is optional and exists for callers that create work
// before dispatching it.
func (t *Tracker) Enqueue(id, name string, args map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTimerLocked(id)
	t.ops[id] = &Operation{ID: id, Name: name, Args: args, Status: StatusPending}
}

// Start registers a running operation and arms its timeout. Starting an id
// that already exists replaces the record and re-arms a fresh timer.
func (t *Tracker) Start(id, name string, args map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelTimerLocked(id)
	t.ops[id] = &Operation{
		ID:        id,
		Name:      name,
		Args:      args,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}

	seq := t.seq.Add(1)
	timer := time.AfterFunc(t.timeout, func() {
		t.expire(id, seq)
	})
	t.timers[id] = armedTimer{timer: timer, seq: seq}
}

// expire forces a still-running operation to a timeout error. The seq check
// is the tombstone that keeps a stale timer from firing after the operation
// completed or was restarted.
func (t *Tracker) expire(id string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	armed, ok := t.timers[id]
	if !ok || armed.seq != seq {
		return
	}
	delete(t.timers, id)

	op, ok := t.ops[id]
	if !ok || op.Status != StatusRunning {
		return
	}
	op.EndTime = time.Now()
	op.Duration = op.EndTime.Sub(op.StartTime)
	op.Status = StatusError
	op.Error = fmt.Sprintf("operation timed out after %s", t.timeout)
	t.logger.Warn().Str("operation", id).Str("name", op.Name).Dur("budget", t.timeout).Msg("operation timed out")
}

// Succeed cancels the armed timeout and records a successful terminal state.
// Unknown or already-terminal ids are safe no-ops.
func (t *Tracker) Succeed(id string, result json.RawMessage) {
	t.complete(id, func(op *Operation) {
		op.Status = StatusSuccess
		op.Result = result
	})
}

// Fail cancels the armed timeout and records a failed terminal state.
// Unknown or already-terminal ids are safe no-ops.
func (t *Tracker) Fail(id, errMsg string) {
	t.complete(id, func(op *Operation) {
		op.Status = StatusError
		op.Error = errMsg
	})
}

func (t *Tracker) complete(id string, fn func(*Operation)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelTimerLocked(id)

	op, ok := t.ops[id]
	if !ok || op.terminal() {
		return
	}
	op.EndTime = time.Now()
	if op.Status == StatusRunning {
		op.Duration = op.EndTime.Sub(op.StartTime)
	}
	fn(op)
}

func (t *Tracker) cancelTimerLocked(id string) {
	if armed, ok := t.timers[id]; ok {
		armed.timer.Stop()
		delete(t.timers, id)
	}
}

// Get returns a copy of the operation with the given id.
func (t *Tracker) Get(id string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Operations returns a point-in-time snapshot ordered by start time, with the
// id as a stable tie-breaker.
func (t *Tracker) Operations() []Operation {
	t.mu.Lock()
	snapshot := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		snapshot = append(snapshot, *op)
	}
	t.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].StartTime.Equal(snapshot[j].StartTime) {
			return snapshot[i].StartTime.Before(snapshot[j].StartTime)
		}
		return snapshot[i].ID < snapshot[j].ID
	})
	return snapshot
}

// Clear cancels every armed timeout and discards all tracked operations.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, armed := range t.timers {
		armed.timer.Stop()
		delete(t.timers, id)
	}
	t.ops = make(map[string]*Operation)
}
