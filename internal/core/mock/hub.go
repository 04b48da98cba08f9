package mock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

var ErrHubDown = errors.New("mock: hub unreachable")

// Hub is an in-process signaling relay for one room. Like the real relay it
// stamps senderId, answers ping, broadcasts every other frame to the rest of
// the room and announces user_left when a connection goes away.
type Hub struct {
	mu    sync.Mutex
	conns map[domain.PeerID]*HubConn
	down  bool
	dials map[domain.PeerID]int
}

func NewHub() *Hub {
	return &Hub{conns: make(map[domain.PeerID]*HubConn), dials: make(map[domain.PeerID]int)}
}

// Dialer returns a core.Dialer that connects as id.
func (h *Hub) Dialer(id domain.PeerID) core.Dialer {
	return hubDialer{hub: h, id: id}
}

// SetDown makes subsequent dials fail while down is true.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

// Drop closes id's connection from the relay side.
func (h *Hub) Drop(id domain.PeerID) {
	h.mu.Lock()
	c := h.conns[id]
	h.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Members returns the ids currently connected.
func (h *Hub) Members() []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]domain.PeerID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Dials returns how many times id dialed.
func (h *Hub) Dials(id domain.PeerID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials[id]
}

func (h *Hub) attach(id domain.PeerID) (*HubConn, error) {
	h.mu.Lock()
	h.dials[id]++
	if h.down {
		h.mu.Unlock()
		return nil, ErrHubDown
	}
	old := h.conns[id]
	c := &HubConn{hub: h, id: id, inbox: make(chan core.Frame, 256), done: make(chan struct{})}
	h.conns[id] = c
	h.mu.Unlock()
	if old != nil {
		old.shutdown()
	}
	return c, nil
}

func (h *Hub) detach(c *HubConn) {
	h.mu.Lock()
	if h.conns[c.id] != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	h.mu.Unlock()
	if f, err := core.NewUserLeft(c.id).Encode(); err == nil {
		h.broadcast(c.id, f)
	}
}

// route forwards any JSON envelope, valid or not, so receivers can be tested
// against malformed payloads.
func (h *Hub) route(from *HubConn, f core.Frame) error {
	var m core.Message
	if err := json.Unmarshal(f, &m); err != nil {
		return nil
	}
	switch m.Type {
	case core.TypePing:
		from.deliver(core.Frame(`{"type":"pong"}`))
		return nil
	case core.TypePong:
		return nil
	}
	m.SenderID = from.id
	out, err := m.Encode()
	if err != nil {
		return err
	}
	h.broadcast(from.id, out)
	return nil
}

func (h *Hub) broadcast(from domain.PeerID, f core.Frame) {
	h.mu.Lock()
	targets := make([]*HubConn, 0, len(h.conns))
	for id, c := range h.conns {
		if id != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.deliver(f)
	}
}

type hubDialer struct {
	hub *Hub
	id  domain.PeerID
}

func (d hubDialer) Dial(ctx context.Context, _ string) (core.SignalConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.hub.attach(d.id)
}

// HubConn is the client end of a hub membership.
type HubConn struct {
	hub   *Hub
	id    domain.PeerID
	inbox chan core.Frame
	done  chan struct{}
	once  sync.Once
}

var _ core.SignalConn = (*HubConn)(nil)

func (c *HubConn) ReadMessage() (core.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *HubConn) WriteMessage(f core.Frame) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	return c.hub.route(c, f)
}

func (c *HubConn) Close() error {
	c.shutdown()
	c.hub.detach(c)
	return nil
}

func (c *HubConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *HubConn) deliver(f core.Frame) {
	select {
	case <-c.done:
	case c.inbox <- f:
	default:
	}
}
