package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/kestrelworks/tool-server-manager-go/pkg/transport"
)

const (
	dialInitialInterval = 250 * time.Millisecond
	dialMaxInterval     = 5 * time.Second
	defaultDialRetries  = 4
	defaultDialTimeout  = 10 * time.Second
)

// Options configure Dial.
type Options struct {
	// DialTimeout bounds each individual connection attempt. Defaults to 10s.
	DialTimeout time.Duration
	// MaxRetries caps the additional attempts after the first dial fails.
	// Defaults to 4. Retries use exponential backoff with jitter.
	MaxRetries uint64
	// Header is sent with the upgrade request, e.g. for auth tokens.
	Header http.Header
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

func (o *Options) normalized() Options {
	if o == nil {
		return Options{DialTimeout: defaultDialTimeout, MaxRetries: defaultDialRetries}
	}
	opts := *o
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultDialRetries
	}
	return opts
}

// Dial connects to a host's socket endpoint and returns the adapter over it.
// Dial failures are retried with bounded exponential backoff; once connected
// there is no automatic reconnect, a dropped socket surfaces as
// transport.ErrNotConnected on subsequent calls and the caller decides
// whether to dial again.
func Dial(ctx context.Context, url string, opts *Options) (transport.Adapter, error) {
	options := opts.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialInitialInterval
	bo.MaxInterval = dialMaxInterval
	bo.Reset()

	conn, err := backoff.RetryWithData(func() (*websocket.Conn, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, options.DialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(attemptCtx, url, &websocket.DialOptions{
			HTTPHeader: options.Header,
		})
		if err != nil {
			options.Logger.Debug().Str("url", url).Err(err).Msg("socket dial attempt failed")
			return nil, err
		}
		return conn, nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, options.MaxRetries), ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "wstransport: dial %s", url)
	}

	a := &adapter{
		conn:    conn,
		logger:  options.Logger,
		pending: make(map[uint64]pendingInvoke),
		subs:    make(map[string]map[uint64]transport.Handler),
	}
	a.readCtx, a.readCancel = context.WithCancel(context.Background())
	go a.readLoop()
	return a, nil
}

type pendingInvoke struct {
	channel string
	ch      chan invokeResult
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

// adapter is the client side of the socket transport. A single writer mutex
// serializes frame writes; reads happen on one goroutine so push events are
// dispatched in arrival order.
type adapter struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	readCtx    context.Context
	readCancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]pendingInvoke
	subs    map[string]map[uint64]transport.Handler

	nextID    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func (a *adapter) Invoke(ctx context.Context, channel string, payload any) (json.RawMessage, error) {
	if a.closed.Load() {
		return nil, errors.Wrapf(transport.ErrNotConnected, "invoke %s", channel)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "wstransport: encode %s payload", channel)
	}

	id := a.nextID.Add(1)
	ch := make(chan invokeResult, 1)
	a.mu.Lock()
	a.pending[id] = pendingInvoke{channel: channel, ch: ch}
	a.mu.Unlock()

	if err := a.writeFrame(ctx, frame{Kind: kindInvoke, ID: id, Channel: channel, Payload: raw}); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, errors.Wrapf(err, "wstransport: invoke %s", channel)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, errors.Wrapf(ctx.Err(), "wstransport: invoke %s", channel)
	}
}

func (a *adapter) Send(channel string, payload any) {
	if a.closed.Load() {
		a.logger.Debug().Str("channel", channel).Msg("drop send on closed socket")
		return
	}
	raw, err := encodePayload(payload)
	if err != nil {
		a.logger.Warn().Str("channel", channel).Err(err).Msg("drop unencodable send")
		return
	}
	if err := a.writeFrame(context.Background(), frame{Kind: kindSend, Channel: channel, Payload: raw}); err != nil {
		a.logger.Warn().Str("channel", channel).Err(err).Msg("send failed")
	}
}

func (a *adapter) Subscribe(channel string, fn transport.Handler) func() {
	id := a.nextID.Add(1)
	a.mu.Lock()
	if a.subs[channel] == nil {
		a.subs[channel] = make(map[uint64]transport.Handler)
	}
	a.subs[channel][id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs[channel], id)
			a.mu.Unlock()
		})
	}
}

func (a *adapter) Disconnect() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.readCancel()
		_ = a.conn.Close(websocket.StatusNormalClosure, "")
		a.failPending(errors.WithStack(transport.ErrNotConnected))
	})
	return nil
}

func (a *adapter) writeFrame(ctx context.Context, f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.Write(ctx, websocket.MessageText, data)
}

func (a *adapter) readLoop() {
	for {
		_, data, err := a.conn.Read(a.readCtx)
		if err != nil {
			a.closed.Store(true)
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && a.readCtx.Err() == nil {
				a.logger.Warn().Err(err).Msg("socket read failed")
			}
			a.failPending(errors.Wrap(transport.ErrNotConnected, "socket closed"))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.logger.Warn().Err(err).Msg("drop malformed frame")
			continue
		}

		switch f.Kind {
		case kindResult:
			a.deliverResult(f)
		case kindEvent:
			a.dispatchEvent(f)
		default:
			a.logger.Debug().Str("kind", f.Kind).Msg("drop unexpected frame")
		}
	}
}

func (a *adapter) deliverResult(f frame) {
	a.mu.Lock()
	p, ok := a.pending[f.ID]
	if ok {
		delete(a.pending, f.ID)
	}
	a.mu.Unlock()
	if !ok {
		// Invoke already gave up (context cancelled) or duplicate result.
		return
	}
	if f.Error != "" {
		p.ch <- invokeResult{err: &transport.RemoteError{Channel: p.channel, Message: f.Error}}
		return
	}
	p.ch <- invokeResult{payload: f.Payload}
}

// dispatchEvent runs the channel's handlers on the read goroutine in
// registration order, so a subscriber observes events in the order the host
// emitted them.
func (a *adapter) dispatchEvent(f frame) {
	a.mu.Lock()
	handlers := a.subs[f.Channel]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ordered := make([]transport.Handler, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, handlers[id])
	}
	a.mu.Unlock()

	for _, fn := range ordered {
		fn(f.Payload)
	}
}

func (a *adapter) failPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[uint64]pendingInvoke)
	a.mu.Unlock()
	for _, p := range pending {
		p.ch <- invokeResult{err: err}
	}
}
