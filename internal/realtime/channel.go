// Package realtime maintains a reconnecting WebSocket channel to the backend
// and fans inbound messages out to subscribers.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/parcel-tracking/internal/clock"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/observability"
)

const (
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxReconnects = 5
	DefaultPollInterval  = 5 * time.Second
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Unavailable
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Unavailable:
		return "unavailable"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is one established connection. ReadMessage blocks until a frame
// arrives or the connection fails.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// PollSource supplies messages while the socket is unavailable.
type PollSource interface {
	PollMessages(ctx context.Context, endpointKey string, since time.Time) ([]models.ChannelMessage, error)
}

type Options struct {
	BaseURL       string
	Dialer        Dialer
	BaseDelay     time.Duration
	MaxReconnects int
	PollSource    PollSource
	PollInterval  time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Client opens channels. It holds no connection state of its own.
type Client struct {
	opts Options
	log  *slog.Logger
}

func NewClient(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Client{opts: opts, log: logging.OrNop(opts.Logger).With("component", "realtime")}
}

// EndpointURL returns the socket URL for a job.
func (c *Client) EndpointURL(endpointKey string) string {
	return strings.TrimRight(c.opts.BaseURL, "/") + "/ws/jobs/" + url.PathEscape(endpointKey) + "/"
}

// Open creates a channel for endpointKey and starts connecting.
func (c *Client) Open(endpointKey string) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		client: c,
		key:    endpointKey,
		url:    c.EndpointURL(endpointKey),
		log:    c.log.With("endpoint", endpointKey),
		ctx:    ctx,
		cancel: cancel,
		since:  c.opts.Clock.Now(),
	}
	ch.mu.Lock()
	ch.timer = c.opts.Clock.AfterFunc(0, ch.connect)
	ch.mu.Unlock()
	return ch
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Channel is one logical connection to an endpoint. Subscribers run one at a
// time in registration order. A subscriber must not call Close synchronously.
type Channel struct {
	client *Client
	key    string
	url    string
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	deliverMu sync.Mutex
	writeMu   sync.Mutex

	mu      sync.Mutex
	state   State
	conn    Conn
	attempt int
	timer   clock.Timer
	polling bool
	since   time.Time
	nextID  int
	onMsg   []subscriber[models.ChannelMessage]
	onState []subscriber[State]
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) EndpointKey() string { return ch.key }

// OnMessage registers fn and returns a function removing it.
func (ch *Channel) OnMessage(fn func(models.ChannelMessage)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextID++
	id := ch.nextID
	ch.onMsg = append(ch.onMsg, subscriber[models.ChannelMessage]{id: id, fn: fn})
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.onMsg = remove(ch.onMsg, id)
	}
}

// OnState registers fn for state transitions and returns a function removing it.
func (ch *Channel) OnState(fn func(State)) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextID++
	id := ch.nextID
	ch.onState = append(ch.onState, subscriber[State]{id: id, fn: fn})
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.onState = remove(ch.onState, id)
	}
}

func remove[T any](subs []subscriber[T], id int) []subscriber[T] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Send writes payload if the channel is open. Otherwise the payload is
// dropped and ErrChannelNotOpen returned; nothing is queued.
func (ch *Channel) Send(payload any) error {
	ch.mu.Lock()
	conn, state := ch.conn, ch.state
	ch.mu.Unlock()
	if state != Open || conn == nil {
		observability.ChannelDropped.WithLabelValues("not_open").Inc()
		ch.log.Debug("dropped send", "state", state)
		return models.ErrChannelNotOpen
	}
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		observability.ChannelDropped.WithLabelValues("write_error").Inc()
		return fmt.Errorf("send on %s: %w", ch.key, err)
	}
	return nil
}

// Close is idempotent. It cancels any pending reconnect or poll and closes
// the connection; no subscriber is called after it returns.
func (ch *Channel) Close() {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	ch.mu.Lock()
	if ch.state == Closed {
		ch.mu.Unlock()
		return
	}
	ch.state = Closed
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	conn := ch.conn
	ch.conn = nil
	states := snapshotSubs(ch.onState)
	ch.mu.Unlock()

	ch.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	observability.ChannelState.WithLabelValues(Closed.String()).Inc()
	ch.log.Info("channel closed")
	notify(ch.log, states, Closed)
}

func (ch *Channel) connect() {
	ch.deliverMu.Lock()
	ch.mu.Lock()
	ch.timer = nil
	if ch.state == Closed {
		ch.mu.Unlock()
		ch.deliverMu.Unlock()
		return
	}
	attempt := ch.attempt
	ch.transitionLocked(Connecting)
	ch.deliverMu.Unlock()

	ch.log.Debug("dialing", "url", ch.url, "attempt", attempt)
	conn, err := ch.client.opts.Dialer.Dial(ch.ctx, ch.url)
	if err != nil {
		ch.log.Warn("dial failed", "attempt", attempt, "error", err)
		ch.disconnected(nil)
		return
	}

	ch.deliverMu.Lock()
	ch.mu.Lock()
	if ch.state == Closed {
		ch.mu.Unlock()
		ch.deliverMu.Unlock()
		_ = conn.Close()
		return
	}
	ch.conn = conn
	ch.attempt = 0
	ch.transitionLocked(Open)
	ch.deliverMu.Unlock()
	ch.log.Info("channel open")

	go ch.readLoop(conn)
}

func (ch *Channel) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			ch.log.Debug("read failed", "error", err)
			ch.disconnected(conn)
			return
		}
		msg, err := Decode(data)
		if err != nil {
			observability.ChannelDropped.WithLabelValues("malformed").Inc()
			ch.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if !ch.dispatch(conn, msg) {
			return
		}
	}
}

// disconnected handles a failed dial (conn nil) or a dropped connection and
// schedules the next attempt.
func (ch *Channel) disconnected(conn Conn) {
	ch.deliverMu.Lock()
	ch.mu.Lock()
	if ch.state == Closed || (conn != nil && ch.conn != conn) {
		ch.mu.Unlock()
		ch.deliverMu.Unlock()
		return
	}
	if conn != nil {
		ch.conn = nil
		_ = conn.Close()
	}

	opts := ch.client.opts
	if ch.attempt >= opts.MaxReconnects {
		startPoll := opts.PollSource != nil && !ch.polling
		if startPoll {
			ch.polling = true
			ch.timer = opts.Clock.AfterFunc(opts.PollInterval, ch.poll)
		}
		ch.log.Warn("channel unavailable, giving up reconnects", "attempts", ch.attempt, "polling", startPoll)
		ch.transitionLocked(Unavailable)
		ch.deliverMu.Unlock()
		return
	}
	ch.attempt++
	delay := time.Duration(ch.attempt) * opts.BaseDelay
	ch.timer = opts.Clock.AfterFunc(delay, ch.connect)
	observability.ChannelReconnects.Inc()
	ch.log.Info("reconnect scheduled", "attempt", ch.attempt, "delay", delay)
	ch.transitionLocked(Disconnected)
	ch.deliverMu.Unlock()
}

// transitionLocked sets the state and notifies state subscribers. It must be
// called with deliverMu and mu held and releases mu.
func (ch *Channel) transitionLocked(next State) {
	prev := ch.state
	if prev == next {
		ch.mu.Unlock()
		return
	}
	ch.state = next
	states := snapshotSubs(ch.onState)
	ch.mu.Unlock()

	observability.ChannelState.WithLabelValues(next.String()).Inc()
	notify(ch.log, states, next)
}

func (ch *Channel) dispatch(conn Conn, msg models.ChannelMessage) bool {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	ch.mu.Lock()
	if ch.state == Closed || (conn != nil && ch.conn != conn) {
		ch.mu.Unlock()
		return false
	}
	subs := snapshotSubs(ch.onMsg)
	ch.mu.Unlock()

	observability.ChannelMessages.WithLabelValues(string(msg.Kind)).Inc()
	notify(ch.log, subs, msg)
	return true
}

func (ch *Channel) poll() {
	ch.mu.Lock()
	ch.timer = nil
	if ch.state == Closed {
		ch.mu.Unlock()
		return
	}
	since := ch.since
	ch.mu.Unlock()

	opts := ch.client.opts
	msgs, err := opts.PollSource.PollMessages(ch.ctx, ch.key, since)
	if err != nil {
		ch.log.Warn("poll failed", "error", err)
	}
	for _, m := range msgs {
		if !ch.dispatch(nil, m) {
			return
		}
		if at := messageTime(m); at.After(since) {
			since = at
		}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == Closed {
		return
	}
	ch.since = since
	ch.timer = opts.Clock.AfterFunc(opts.PollInterval, ch.poll)
}

func messageTime(m models.ChannelMessage) time.Time {
	switch {
	case m.Message != nil:
		return m.Message.SentAt
	case m.Courier != nil:
		return m.Courier.Timestamp
	}
	return time.Time{}
}

func snapshotSubs[T any](subs []subscriber[T]) []subscriber[T] {
	return append([]subscriber[T](nil), subs...)
}

func notify[T any](log *slog.Logger, subs []subscriber[T], v T) {
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observability.ChannelDropped.WithLabelValues("subscriber_panic").Inc()
					log.Error("subscriber panicked", "panic", r)
				}
			}()
			s.fn(v)
		}()
	}
}
