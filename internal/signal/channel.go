// Package signal implements the client side of the room control plane: a
// persistent connection with heartbeats and backoff reconnection.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeat = 30 * time.Second
	// DefaultFlushTimeout bounds how long Disconnect waits for queued frames.
	DefaultFlushTimeout = time.Second
	sendBuffer          = 32
)

var (
	ErrNotOpen      = errors.New("signaling channel not open")
	ErrBackpressure = errors.New("backpressure")
)

var pingFrame = core.Frame(`{"type":"ping"}`)

type EventKind int

const (
	// EventState reports a transition of the channel state.
	EventState EventKind = iota
	// EventMessage carries an inbound frame other than pong.
	EventMessage
)

// Event is delivered to the owner of the channel, in order, from the
// channel's run goroutine.
type Event struct {
	Kind    EventKind
	State   domain.ChannelState
	Attempt int
	Delay   time.Duration
	Err     error
	Data    core.Frame
}

// Options tunes a Channel. Zero values select the defaults.
type Options struct {
	Heartbeat    time.Duration
	FlushTimeout time.Duration
	Policy       *ReconnectPolicy
	// Wait blocks for d or until ctx is done.
	Wait func(ctx context.Context, d time.Duration) error
}

// Channel is the persistent control-plane connection of one room membership.
// It owns the domain.ChannelState exclusively.
//
// Channel is safe for concurrent use.
type Channel struct {
	dialer    core.Dialer
	endpoint  string
	events    chan<- Event
	heartbeat time.Duration
	flush     time.Duration
	wait      func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger

	mu     sync.Mutex
	state  domain.ChannelState
	manual bool
	policy *ReconnectPolicy
	conn   core.SignalConn
	send   chan core.Frame
	// pumped is closed when the write pump of the open connection returns.
	pumped chan struct{}
	cancel context.CancelFunc
}

func New(dialer core.Dialer, endpoint string, events chan<- Event, opts Options) *Channel {
	c := &Channel{
		dialer:    dialer,
		endpoint:  endpoint,
		events:    events,
		heartbeat: opts.Heartbeat,
		flush:     opts.FlushTimeout,
		policy:    opts.Policy,
		wait:      opts.Wait,
		logger:    log.With().Str("module", "signal").Str("endpoint", endpoint).Logger(),
	}
	if c.heartbeat <= 0 {
		c.heartbeat = DefaultHeartbeat
	}
	if c.flush <= 0 {
		c.flush = DefaultFlushTimeout
	}
	if c.policy == nil {
		c.policy = NewReconnectPolicy(nil, 0, 0)
	}
	if c.wait == nil {
		c.wait = sleepCtx
	}
	return c
}

func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts dialing in the background. It is a no-op unless the channel
// is disconnected. The outcome is reported through EventState.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ChannelDisconnected {
		c.logger.Debug().Str("state", c.state.String()).Msg("connect ignored")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.manual = false
	c.cancel = cancel
	c.policy.Reset()
	c.state = domain.ChannelConnecting
	go c.run(runCtx, cancel)
}

// Disconnect suppresses any further reconnection, gives frames already
// queued up to the flush timeout to be written, then closes the connection.
// Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manual = true
	cancel, conn, send, pumped := c.cancel, c.conn, c.send, c.pumped
	c.cancel, c.conn, c.send, c.pumped = nil, nil, nil, nil
	if c.state != domain.ChannelDisconnected {
		c.logger.Info().Msg("disconnected by caller")
	}
	c.state = domain.ChannelDisconnected
	c.mu.Unlock()

	// Send only writes to c.send under mu, so nothing writes to send now.
	if send != nil {
		close(send)
		t := time.NewTimer(c.flush)
		select {
		case <-pumped:
		case <-t.C:
			c.logger.Warn().Dur("timeout", c.flush).Msg("queued frames not flushed")
		}
		t.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send queues a frame for the write pump. Frames are dropped with ErrNotOpen
// unless the channel is connected.
func (c *Channel) Send(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ChannelConnected || c.send == nil {
		return ErrNotOpen
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendMessage encodes m and sends it.
func (c *Channel) SendMessage(m core.Message) error {
	f, err := m.Encode()
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Channel) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		conn, err := c.dialer.Dial(ctx, c.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("dial failed")
			if !c.retry(ctx, fmt.Errorf("%w: %v", domain.ErrSignalingConnectFailed, err)) {
				return
			}
			continue
		}
		if !c.open(ctx, conn) {
			_ = conn.Close()
			return
		}
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("connection lost")
		if !c.retry(ctx, fmt.Errorf("%w: %v", domain.ErrSignalingClosedUnexpectedly, err)) {
			return
		}
	}
}

func (c *Channel) open(ctx context.Context, conn core.SignalConn) bool {
	c.mu.Lock()
	if ctx.Err() != nil || c.manual {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.send = make(chan core.Frame, sendBuffer)
	c.pumped = make(chan struct{})
	c.state = domain.ChannelConnected
	c.policy.Reset()
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	c.emit(ctx, Event{Kind: EventState, State: domain.ChannelConnected})
	return true
}

// retry moves to reconnecting and waits out the next backoff delay. It
// returns false when the run must stop: cancelled, or the ceiling was hit.
func (c *Channel) retry(ctx context.Context, cause error) bool {
	c.mu.Lock()
	if ctx.Err() != nil || c.manual {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.send = nil
	c.pumped = nil
	d := c.policy.NextBackOff()
	attempt := c.policy.Attempt()
	if d == backoff.Stop {
		c.state = domain.ChannelDisconnected
		c.mu.Unlock()
		c.logger.Error().Err(cause).Int("attempts", attempt).Msg("reconnect attempts exhausted")
		c.emit(ctx, Event{Kind: EventState, State: domain.ChannelDisconnected, Attempt: attempt, Err: cause})
		return false
	}
	c.state = domain.ChannelReconnecting
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Dur("delay", d).Msg("scheduling reconnect")
	c.emit(ctx, Event{Kind: EventState, State: domain.ChannelReconnecting, Attempt: attempt, Delay: d, Err: cause})
	return c.wait(ctx, d) == nil
}

// serve runs the pumps of one open connection until it fails or ctx ends.
func (c *Channel) serve(ctx context.Context, conn core.SignalConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	send, pumped := c.send, c.pumped
	c.mu.Unlock()
	if send == nil {
		// Disconnected between open and serve.
		return ctx.Err()
	}

	go c.writePump(connCtx, conn, send, pumped)
	go c.heartbeatLoop(connCtx)

	err := c.readPump(ctx, conn)
	_ = conn.Close()
	return err
}

// writePump writes queued frames until ctx ends, send is closed and drained,
// or a write fails. Once it returns Send reports ErrNotOpen.
func (c *Channel) writePump(ctx context.Context, conn core.SignalConn, send chan core.Frame, pumped chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.send == send {
			c.send = nil
		}
		c.mu.Unlock()
		close(pumped)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				// Closing unblocks readPump, which reports the loss.
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context, conn core.SignalConn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if typ, err := core.PeekType(data); err == nil && typ == core.TypePong {
			continue
		}
		c.emit(ctx, Event{Kind: EventMessage, Data: data})
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Send(pingFrame); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

func (c *Channel) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
