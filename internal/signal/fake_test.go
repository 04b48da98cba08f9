package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in     chan core.Frame
	closed chan struct{}
	once   sync.Once
	// gate, when set, holds every write until it is closed.
	gate     chan struct{}
	writeErr error

	mu  sync.Mutex
	out []core.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan core.Frame, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (core.Frame, error) {
	select {
	case d := <-f.in:
		return d, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeConn) WriteMessage(d core.Frame) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return errFakeClosed
		}
	}
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, d)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.out))
	for i, d := range f.out {
		out[i] = string(d)
	}
	return out
}

// fakeDialer hands out fresh fakeConns; the first failFirst dials fail.
type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	fail      bool
	dials     int
	conns     []*fakeConn
	gate      chan struct{}
	writeErr  error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (core.SignalConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail || d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.gate, c.writeErr = d.gate, d.writeErr
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// noWait records requested delays without sleeping.
type noWait struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *noWait) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *noWait) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}
