package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// Conn is one upgraded websocket of a room member.
type Conn struct {
	id     string
	user   domain.PeerID
	ws     *websocket.Conn
	send   chan core.Frame
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Member = (*Conn)(nil)

func newConn(ws *websocket.Conn, project domain.ProjectID, user domain.PeerID, buffer int) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:   id,
		user: user,
		ws:   ws,
		send: make(chan core.Frame, buffer),
		logger: log.With().Str("module", "relay.conn").Str("sid", id).
			Str("project", string(project)).Stringer("user", user).Logger(),
	}
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) User() domain.PeerID { return c.user }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close is idempotent. Closing the socket ends the read pump.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
}

func (c *Conn) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("writePump ping failed")
				return
			}
		}
	}
}

// readPump delivers inbound frames to handle until the socket fails.
// A websocket pong must arrive within pongWait of the last one.
func (c *Conn) readPump(readLimit int64, pongWait time.Duration, handle func(core.Frame)) error {
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		handle(data)
	}
}
