// Package ws adapts gorilla/websocket to the control-plane ports.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/gorilla/websocket"
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	defaultReadLimit = 32768
)

// Dialer implements core.Dialer over gorilla/websocket.
type Dialer struct {
	dialer    *websocket.Dialer
	header    http.Header
	readLimit int64
}

type Option func(*Dialer)

// WithHeader adds request headers to the upgrade request (e.g. auth).
func WithHeader(h http.Header) Option {
	return func(d *Dialer) { d.header = h.Clone() }
}

// WithReadLimit bounds the size of inbound frames.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) { d.readLimit = n }
}

func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (core.SignalConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if d.readLimit > 0 {
		conn.SetReadLimit(d.readLimit)
	}
	return &Conn{conn: conn}, nil
}

// Conn implements core.SignalConn. gorilla allows one concurrent reader and
// one concurrent writer; writes are additionally serialised here.
type Conn struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *Conn) ReadMessage() (core.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Conn) WriteMessage(f core.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
