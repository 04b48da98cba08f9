package signal

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

const eventTimeout = 2 * time.Second

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for channel event")
		return Event{}
	}
}

func waitState(t *testing.T, events <-chan Event, want domain.ChannelState) Event {
	t.Helper()
	for {
		ev := nextEvent(t, events)
		if ev.Kind == EventState && ev.State == want {
			return ev
		}
	}
}

func newTestChannel(d *fakeDialer, opts Options) (*Channel, chan Event) {
	events := make(chan Event, 64)
	return New(d, "ws://relay/ws/projects/p/voice", events, opts), events
}

func TestChannel_ConnectDeliversMessagesAndFiltersPong(t *testing.T) {
	d := &fakeDialer{}
	c, events := newTestChannel(d, Options{})
	c.Connect(t.Context())
	t.Cleanup(c.Disconnect)

	waitState(t, events, domain.ChannelConnected)
	conn := d.last()
	conn.in <- core.Frame(`{"type":"pong"}`)
	conn.in <- core.Frame(`{"type":"join","senderId":7}`)

	ev := nextEvent(t, events)
	if ev.Kind != EventMessage {
		t.Fatalf("expected message event, got %+v", ev)
	}
	if string(ev.Data) != `{"type":"join","senderId":7}` {
		t.Errorf("pong should have been filtered, got %s", ev.Data)
	}
}

func TestChannel_ConnectIsNoOpWhileActive(t *testing.T) {
	d := &fakeDialer{}
	c, events := newTestChannel(d, Options{})
	c.Connect(t.Context())
	c.Connect(t.Context())
	t.Cleanup(c.Disconnect)

	waitState(t, events, domain.ChannelConnected)
	c.Connect(t.Context())

	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("expected a single dial, got %d", got)
	}
}

func TestChannel_SendOnlyWhileOpen(t *testing.T) {
	d := &fakeDialer{}
	c, events := newTestChannel(d, Options{})

	if err := c.Send(core.Frame(`{}`)); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen before connect, got %v", err)
	}

	c.Connect(t.Context())
	waitState(t, events, domain.ChannelConnected)
	if err := c.SendMessage(core.NewJoin(1)); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn := d.last()
	deadline := time.Now().Add(eventTimeout)
	for len(conn.written()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := conn.written(); len(got) != 1 || got[0] != `{"type":"join","senderId":1}` {
		t.Errorf("unexpected frames written: %v", got)
	}

	c.Disconnect()
	if err := c.Send(core.Frame(`{}`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen after disconnect, got %v", err)
	}
}

func TestChannel_DisconnectFlushesQueuedFrames(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	c, events := newTestChannel(d, Options{})
	c.Connect(t.Context())
	waitState(t, events, domain.ChannelConnected)

	for id := domain.PeerID(1); id <= 3; id++ {
		if err := c.SendMessage(core.NewJoin(id)); err != nil {
			t.Fatalf("send %d: %v", id, err)
		}
	}
	if err := c.SendMessage(core.NewLeave(1)); err != nil {
		t.Fatalf("send leave: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(d.gate)
	}()

	c.Disconnect()
	got := d.last().written()
	if len(got) != 4 || got[3] != `{"type":"leave","senderId":1}` {
		t.Fatalf("queued frames must be written before the connection closes, got %v", got)
	}
}

func TestChannel_DisconnectFlushIsBounded(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	c, events := newTestChannel(d, Options{FlushTimeout: 30 * time.Millisecond})
	c.Connect(t.Context())
	waitState(t, events, domain.ChannelConnected)

	if err := c.SendMessage(core.NewLeave(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	start := time.Now()
	c.Disconnect()
	if took := time.Since(start); took > eventTimeout {
		t.Fatalf("disconnect blocked on a stuck write for %v", took)
	}
	if got := c.State(); got != domain.ChannelDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
}

func TestChannel_SendFailsOnceWritePumpStops(t *testing.T) {
	d := &fakeDialer{writeErr: errors.New("broken pipe")}
	block := func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c, events := newTestChannel(d, Options{Wait: block})
	c.Connect(t.Context())
	t.Cleanup(c.Disconnect)
	waitState(t, events, domain.ChannelConnected)

	if err := c.Send(core.Frame(`{}`)); err != nil {
		t.Fatalf("first send is queued: %v", err)
	}
	deadline := time.Now().Add(eventTimeout)
	for {
		err := c.Send(core.Frame(`{}`))
		if errors.Is(err, ErrNotOpen) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("send kept succeeding after the write pump failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChannel_ReconnectsAndResetsAttempts(t *testing.T) {
	d := &fakeDialer{}
	w := &noWait{}
	table := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	c, events := newTestChannel(d, Options{Policy: NewReconnectPolicy(table, 0, 3), Wait: w.wait})
	c.Connect(t.Context())
	t.Cleanup(c.Disconnect)

	waitState(t, events, domain.ChannelConnected)
	d.last().Close()

	ev := waitState(t, events, domain.ChannelReconnecting)
	if ev.Attempt != 1 || ev.Delay != 10*time.Millisecond {
		t.Errorf("first drop: attempt=%d delay=%v", ev.Attempt, ev.Delay)
	}
	if !errors.Is(ev.Err, domain.ErrSignalingClosedUnexpectedly) {
		t.Errorf("expected ErrSignalingClosedUnexpectedly, got %v", ev.Err)
	}
	waitState(t, events, domain.ChannelConnected)

	d.last().Close()
	ev = waitState(t, events, domain.ChannelReconnecting)
	if ev.Attempt != 1 {
		t.Errorf("attempts should reset after a successful open, got %d", ev.Attempt)
	}
	waitState(t, events, domain.ChannelConnected)
}

func TestChannel_BackoffScheduleAndCeiling(t *testing.T) {
	d := &fakeDialer{fail: true}
	w := &noWait{}
	table := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	policy := NewReconnectPolicy(table, 25*time.Millisecond, 4)
	c, events := newTestChannel(d, Options{Policy: policy, Wait: w.wait})
	c.Connect(t.Context())
	t.Cleanup(c.Disconnect)

	for k := 1; k <= 4; k++ {
		ev := waitState(t, events, domain.ChannelReconnecting)
		if ev.Attempt != k {
			t.Fatalf("expected attempt %d, got %d", k, ev.Attempt)
		}
		if !errors.Is(ev.Err, domain.ErrSignalingConnectFailed) {
			t.Errorf("expected ErrSignalingConnectFailed, got %v", ev.Err)
		}
	}
	final := waitState(t, events, domain.ChannelDisconnected)
	if final.Attempt != 4 {
		t.Errorf("terminal event should report 4 attempts, got %d", final.Attempt)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	if got := w.recorded(); !slices.Equal(got, want) {
		t.Errorf("delays = %v, want %v", got, want)
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 5 {
		t.Errorf("expected initial dial + 4 retries, got %d", got)
	}
	if got := c.State(); got != domain.ChannelDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
}

func TestChannel_DisconnectSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	w := &noWait{}
	c, events := newTestChannel(d, Options{Wait: w.wait})
	c.Connect(t.Context())
	waitState(t, events, domain.ChannelConnected)

	c.Disconnect()
	c.Disconnect()

	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("manual disconnect must not redial, got %d dials", got)
	}
	if len(w.recorded()) != 0 {
		t.Errorf("no backoff should be scheduled, got %v", w.recorded())
	}
	if got := c.State(); got != domain.ChannelDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
}

func TestChannel_Heartbeat(t *testing.T) {
	d := &fakeDialer{}
	c, events := newTestChannel(d, Options{Heartbeat: 5 * time.Millisecond})
	c.Connect(t.Context())
	t.Cleanup(c.Disconnect)
	waitState(t, events, domain.ChannelConnected)

	conn := d.last()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if slices.Contains(conn.written(), `{"type":"ping"}`) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no ping written while open")
}
