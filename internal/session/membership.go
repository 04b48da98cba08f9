package session

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshvoice/internal/activity"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/dkeye/meshvoice/internal/peer"
	"github.com/dkeye/meshvoice/internal/signal"
	"github.com/rs/zerolog"
)

type remotePeer struct {
	detector *activity.Detector
	level    int
	speaking bool
}

// membership is everything created by one JoinChannel. Fields below the
// queue are owned by the loop goroutine, or by teardown once the loop is
// gone.
type membership struct {
	c      *Coordinator
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	ended  atomic.Bool
	logger zerolog.Logger

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}
	torn  bool

	events  chan signal.Event
	channel *signal.Channel
	peers   *peer.Manager
	local   *activity.Detector
	remote  map[domain.PeerID]*remotePeer

	chState   domain.ChannelState
	connected bool
	opened    bool
}

func (c *Coordinator) newMembership(base context.Context, track core.LocalTrack) *membership {
	ctx, cancel := context.WithCancel(base)
	m := &membership{
		c:       c,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  c.logger,
		wake:    make(chan struct{}, 1),
		events:  make(chan signal.Event, 64),
		remote:  make(map[domain.PeerID]*remotePeer),
		chState: domain.ChannelConnecting,
	}
	m.channel = signal.New(c.cfg.Dialer, c.cfg.Endpoint, m.events, c.cfg.Signal)
	m.peers = peer.NewManager(c.cfg.Local, c.cfg.Peers, m.channel.SendMessage, peer.Options{
		NegotiationTimeout: c.cfg.NegotiationTimeout,
		Dispatch:           m.post,
		Sinks:              c.media,
		Metrics:            c.cfg.Metrics,
		OnState:            m.onHandleState,
		OnTrack:            m.onRemoteTrack,
	})
	m.peers.SetLocalTrack(track)

	m.local = activity.New(c.cfg.Activity, func(level int, speaking bool) {
		m.post(func() {
			c.update(func(s *State) {
				s.AudioLevel = level
				s.IsSpeaking = speaking
			})
		})
	})
	m.local.Attach(track)
	return m
}

// post queues f for the loop. Work posted after teardown is dropped.
func (m *membership) post(f func()) {
	m.qmu.Lock()
	if m.torn {
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, f)
	m.qmu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// announceLeave sends leave from the loop, behind any frame the loop already
// queued, and returns once it is queued or the loop has stopped.
func (m *membership) announceLeave() {
	sent := make(chan struct{})
	m.post(func() {
		defer close(sent)
		if !m.connected {
			return
		}
		if err := m.channel.SendMessage(core.NewLeave(m.c.cfg.Local)); err != nil {
			m.logger.Debug().Err(err).Msg("leave not sent")
		}
	})
	select {
	case <-sent:
	case <-m.done:
	}
}

func (m *membership) closeQueue() {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	m.torn = true
	m.queue = nil
}

func (m *membership) runQueued() {
	for {
		m.qmu.Lock()
		if m.torn || len(m.queue) == 0 {
			m.qmu.Unlock()
			return
		}
		f := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.qmu.Unlock()
		f()
	}
}

// loop serialises channel events and posted callbacks. It returns nil when
// cancelled and the cause when the channel gave up.
func (m *membership) loop() error {
	for {
		select {
		case <-m.ctx.Done():
			return nil
		case ev := <-m.events:
			if err := m.onEvent(ev); err != nil {
				return err
			}
		case <-m.wake:
			m.runQueued()
		}
	}
}

func (m *membership) onEvent(ev signal.Event) error {
	if ev.Kind == signal.EventMessage {
		m.onFrame(ev.Data)
		return nil
	}
	m.chState = ev.State
	switch ev.State {
	case domain.ChannelConnected:
		if m.opened {
			m.logger.Info().Msg("reconnected: resetting peer connections")
			m.peers.CloseAll()
		}
		m.opened = true
		m.connected = true
		m.publish()
		if err := m.channel.SendMessage(core.NewJoin(m.c.cfg.Local)); err != nil {
			m.logger.Warn().Err(err).Msg("join not sent")
		}
	case domain.ChannelReconnecting:
		m.connected = false
		m.c.cfg.Metrics.SignalReconnects.Add(m.ctx, 1)
		m.logger.Warn().Err(ev.Err).Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("signaling lost")
		m.publish()
	case domain.ChannelDisconnected:
		m.connected = false
		return terminalError(ev)
	}
	return nil
}

func (m *membership) onFrame(data core.Frame) {
	msg, err := core.DecodeMessage(data)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping signaling message")
		return
	}
	local := m.c.cfg.Local
	if msg.SenderID == local || !msg.TargetedAt(local) {
		return
	}
	m.c.cfg.Metrics.RecordSignalMessage(m.ctx, string(msg.Type))

	from := msg.SenderID
	switch msg.Type {
	case core.TypeJoin:
		err = m.peers.Offer(from)
	case core.TypeOffer:
		err = m.peers.HandleOffer(from, *msg.SDP)
	case core.TypeAnswer:
		err = m.peers.HandleAnswer(from, *msg.SDP)
	case core.TypeICE:
		m.peers.HandleCandidate(from, *msg.Candidate)
	case core.TypeLeave, core.TypeUserLeft:
		m.logger.Info().Stringer("peer", from).Str("type", string(msg.Type)).Msg("peer left")
		m.peers.Close(from)
	}
	if err != nil {
		m.logger.Warn().Err(err).Stringer("peer", from).Str("type", string(msg.Type)).Msg("signaling message failed")
	}
}

func (m *membership) onHandleState(id domain.PeerID, s domain.HandleState) {
	if s == domain.HandleClosed {
		if r, ok := m.remote[id]; ok {
			delete(m.remote, id)
			r.detector.Detach()
		}
	}
	m.publish()
}

func (m *membership) onRemoteTrack(id domain.PeerID, sink core.PlaybackSink) {
	if !m.c.cfg.RemoteActivity {
		return
	}
	if old, ok := m.remote[id]; ok {
		old.detector.Detach()
	}
	var d *activity.Detector
	d = activity.New(m.c.cfg.Activity, func(level int, speaking bool) {
		m.post(func() {
			r, ok := m.remote[id]
			if !ok || r.detector != d {
				return
			}
			r.level, r.speaking = level, speaking
			m.publish()
		})
	})
	m.remote[id] = &remotePeer{detector: d}
	d.Attach(sink)
}

func (m *membership) detachAll() {
	m.local.Detach()
	for id, r := range m.remote {
		r.detector.Detach()
		delete(m.remote, id)
	}
}

// publish pushes roster and remote participant details into the snapshot.
func (m *membership) publish() {
	ids := m.peers.Peers()
	parts := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		h, _ := m.peers.Handle(id)
		p := domain.Participant{ID: id, ConnectionState: h.State}
		if r, ok := m.remote[id]; ok {
			p.AudioLevel, p.IsSpeaking = r.level, r.speaking
		}
		parts = append(parts, p)
	}
	if m.connected {
		ids = append(ids, m.c.cfg.Local)
		slices.Sort(ids)
	}

	c := m.c
	c.snapMu.Lock()
	c.parts = parts
	c.snapMu.Unlock()
	c.update(func(s *State) {
		s.ConnectionState = m.chState
		s.Roster = ids
	})
}
