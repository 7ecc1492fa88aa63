package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// InvokeFunc answers a single Invoke channel on the host half of a Pipe.
// Returning an error surfaces to the caller as a *RemoteError.
type InvokeFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Responder is the host half of an in-process Pipe. Hosts register channel
// handlers on it and push events through Emit.
type Responder struct {
	mu       sync.RWMutex
	invokers map[string]InvokeFunc
	notify   map[string]func(json.RawMessage)
	pipe     *pipeAdapter
}

// Handle registers fn as the responder for an Invoke channel, replacing any
// previous handler for the same channel.
func (r *Responder) Handle(channel string, fn InvokeFunc) {
	r.mu.Lock()
	r.invokers[channel] = fn
	r.mu.Unlock()
}

// HandleSend registers fn for fire-and-forget traffic on a channel.
func (r *Responder) HandleSend(channel string, fn func(json.RawMessage)) {
	r.mu.Lock()
	r.notify[channel] = fn
	r.mu.Unlock()
}

// Emit pushes an event to every subscriber of the channel on the client half.
// Payloads that fail to encode are dropped.
func (r *Responder) Emit(channel string, payload any) {
	raw, err := marshalPayload(payload)
	if err != nil {
		r.pipe.logger.Warn().Str("channel", channel).Err(err).Msg("drop unencodable event")
		return
	}
	r.pipe.dispatch(channel, raw)
}

func (r *Responder) invoker(channel string) (InvokeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.invokers[channel]
	return fn, ok
}

func (r *Responder) notifier(channel string) (func(json.RawMessage), bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.notify[channel]
	return fn, ok
}

// pipeAdapter is the client half of a Pipe.
type pipeAdapter struct {
	responder *Responder
	logger    zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	closed bool
}

// Pipe returns a connected in-process adapter pair: the client Adapter handed
// to Connection Manager consumers and the host Responder that answers it.
// It backs embedded deployments and tests where no socket is involved.
func Pipe(logger zerolog.Logger) (Adapter, *Responder) {
	p := &pipeAdapter{
		logger: logger,
		subs:   make(map[string]map[uint64]Handler),
	}
	r := &Responder{
		invokers: make(map[string]InvokeFunc),
		notify:   make(map[string]func(json.RawMessage)),
		pipe:     p,
	}
	p.responder = r
	return p, r
}

func (p *pipeAdapter) Invoke(ctx context.Context, channel string, payload any) (json.RawMessage, error) {
	if p.isClosed() {
		return nil, errors.Wrapf(ErrNotConnected, "invoke %s", channel)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	fn, ok := p.responder.invoker(channel)
	if !ok {
		return nil, &RemoteError{Channel: channel, Message: "no handler registered"}
	}
	res, err := fn(ctx, raw)
	if err != nil {
		return nil, &RemoteError{Channel: channel, Message: err.Error()}
	}
	return marshalPayload(res)
}

func (p *pipeAdapter) Send(channel string, payload any) {
	if p.isClosed() {
		p.logger.Debug().Str("channel", channel).Msg("drop send on closed pipe")
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		p.logger.Warn().Str("channel", channel).Err(err).Msg("drop unencodable send")
		return
	}
	if fn, ok := p.responder.notifier(channel); ok {
		fn(raw)
		return
	}
	p.logger.Debug().Str("channel", channel).Msg("drop send without handler")
}

func (p *pipeAdapter) Subscribe(channel string, fn Handler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	p.nextID++
	id := p.nextID
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[uint64]Handler)
	}
	p.subs[channel][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if handlers, ok := p.subs[channel]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(p.subs, channel)
			}
		}
	}
}

func (p *pipeAdapter) Disconnect() error {
	p.mu.Lock()
	p.closed = true
	p.subs = make(map[string]map[uint64]Handler)
	p.mu.Unlock()
	return nil
}

// dispatch delivers one event to every current subscriber in registration
// order. Delivery is synchronous so emission order is preserved.
func (p *pipeAdapter) dispatch(channel string, payload json.RawMessage) {
	p.mu.RLock()
	handlers := p.subs[channel]
	ordered := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	snapshot := make([]Handler, 0, len(ordered))
	for _, id := range ordered {
		snapshot = append(snapshot, handlers[id])
	}
	p.mu.RUnlock()
	for _, fn := range snapshot {
		fn(payload)
	}
}

func (p *pipeAdapter) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
