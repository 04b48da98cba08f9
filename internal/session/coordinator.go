// Package session composes signaling, local media, peer connections and
// activity detection into one voice room membership.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/activity"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/dkeye/meshvoice/internal/media"
	"github.com/dkeye/meshvoice/internal/observe"
	"github.com/dkeye/meshvoice/internal/signal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config wires a Coordinator to its platform.
type Config struct {
	Local    domain.PeerID
	Endpoint string
	Dialer   core.Dialer
	Source   core.MediaSource
	Peers    core.PeerFactory

	Signal             signal.Options
	NegotiationTimeout time.Duration
	Activity           activity.Config
	// RemoteActivity runs a detector on every remote participant's audio.
	RemoteActivity bool
	Metrics        *observe.Metrics
}

// State is a snapshot of the membership as seen by the UI layer.
type State struct {
	ConnectionState domain.ChannelState
	IsMuted         bool
	IsDeafened      bool
	// Roster holds the local id iff ConnectionState is connected, plus every
	// remote peer with an open connection handle. Ascending.
	Roster     []domain.PeerID
	AudioLevel int
	IsSpeaking bool
	LastError  error
}

// Coordinator is the top-level voice session of one local participant in one
// room. Several coordinators may live in one process.
//
// Coordinator is safe for concurrent use. Membership state is mutated only on
// the membership's event-loop goroutine.
type Coordinator struct {
	cfg    Config
	media  *media.Controller
	logger zerolog.Logger

	// mu serialises join and leave.
	mu sync.Mutex
	m  *membership

	snapMu    sync.Mutex
	state     State
	parts     []domain.Participant
	listeners []func(State)
	pending   []State
	notifying bool
}

func New(cfg Config) *Coordinator {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Coordinator{
		cfg:    cfg,
		media:  media.NewController(cfg.Source),
		logger: log.With().Str("module", "session").Stringer("local", cfg.Local).Logger(),
	}
}

// JoinChannel acquires the microphone and starts connecting. It returns once
// the connection attempt is under way; progress is reported through State.
// A call while a membership is active is a no-op. Media errors are returned
// as is and never retried.
func (c *Coordinator) JoinChannel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m != nil {
		if !c.m.ended.Load() {
			c.logger.Debug().Msg("join ignored: membership active")
			return nil
		}
		// The previous membership gave up and is still tearing down.
		<-c.m.done
		c.m = nil
	}

	track, err := c.media.Acquire(ctx)
	if err != nil {
		c.update(func(s *State) { s.LastError = err })
		return err
	}

	m := c.newMembership(context.WithoutCancel(ctx), track)
	c.m = m
	c.update(func(s *State) {
		*s = State{ConnectionState: domain.ChannelConnecting, IsMuted: c.media.Muted(), IsDeafened: c.media.Deafened()}
	})
	c.logger.Info().Str("endpoint", c.cfg.Endpoint).Msg("joining")

	go c.run(m)
	m.channel.Connect(m.ctx)
	return nil
}

// LeaveChannel ends the membership: it announces the leave, flushes and
// closes the signaling connection, closes every peer connection and releases
// the microphone. Idempotent.
func (c *Coordinator) LeaveChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.m
	if m == nil {
		return
	}
	c.m = nil
	m.announceLeave()
	m.channel.Disconnect()
	m.cancel()
	<-m.done
	c.teardown(m, nil)
	c.logger.Info().Msg("left")
}

// ToggleMute flips the outgoing audio for every peer at once.
func (c *Coordinator) ToggleMute() bool {
	muted := c.media.ToggleMute()
	c.update(func(s *State) { s.IsMuted = muted })
	return muted
}

// ToggleDeafen flips playback of every remote participant.
func (c *Coordinator) ToggleDeafen() bool {
	deafened := c.media.ToggleDeafen()
	c.update(func(s *State) { s.IsDeafened = deafened })
	return deafened
}

func (c *Coordinator) State() State {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.state.clone()
}

// Participants returns the roster with per-participant details, local first.
func (c *Coordinator) Participants() []domain.Participant {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return slices.Clone(c.parts)
}

// OnChange registers f to receive every new snapshot. Listeners run in order
// on a goroutine of their own and may call back into the Coordinator.
func (c *Coordinator) OnChange(f func(State)) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.listeners = append(c.listeners, f)
}

func (c *Coordinator) update(mutate func(*State)) {
	c.snapMu.Lock()
	mutate(&c.state)
	c.refreshLocalLocked()
	if len(c.listeners) > 0 {
		c.pending = append(c.pending, c.state.clone())
		if !c.notifying {
			c.notifying = true
			go c.notify()
		}
	}
	c.snapMu.Unlock()
}

// notify drains pending snapshots. At most one runs at a time.
func (c *Coordinator) notify() {
	for {
		c.snapMu.Lock()
		if len(c.pending) == 0 {
			c.notifying = false
			c.snapMu.Unlock()
			return
		}
		snap := c.pending[0]
		c.pending[0] = State{}
		c.pending = c.pending[1:]
		listeners := slices.Clone(c.listeners)
		c.snapMu.Unlock()
		for _, f := range listeners {
			f(snap)
		}
	}
}

// refreshLocalLocked keeps the local entry of parts in line with state.
func (c *Coordinator) refreshLocalLocked() {
	if len(c.parts) > 0 && c.parts[0].IsLocal {
		c.parts = c.parts[1:]
	}
	if slices.Contains(c.state.Roster, c.cfg.Local) {
		p := domain.NewLocalParticipant(c.cfg.Local)
		p.IsMuted = c.state.IsMuted
		p.IsSpeaking = c.state.IsSpeaking
		p.AudioLevel = c.state.AudioLevel
		c.parts = append([]domain.Participant{p}, c.parts...)
	}
}

func (c *Coordinator) run(m *membership) {
	cause := m.loop()
	if cause != nil {
		m.ended.Store(true)
		c.teardown(m, cause)
	}
	// LeaveChannel waits for done while holding mu.
	close(m.done)
	if cause == nil {
		return
	}
	c.mu.Lock()
	if c.m == m {
		c.m = nil
	}
	c.mu.Unlock()
}

// teardown releases everything the membership holds. It runs once, after the
// loop has stopped.
func (c *Coordinator) teardown(m *membership, cause error) {
	m.once.Do(func() {
		m.closeQueue()
		m.peers.CloseAll()
		m.detachAll()
		c.media.Release()
		m.channel.Disconnect()

		c.snapMu.Lock()
		c.parts = nil
		c.snapMu.Unlock()
		c.update(func(s *State) { *s = State{ConnectionState: domain.ChannelDisconnected, LastError: cause} })
		if cause != nil {
			c.logger.Error().Err(cause).Msg("membership ended")
		}
	})
}

func (s State) clone() State {
	s.Roster = slices.Clone(s.Roster)
	return s
}

func terminalError(ev signal.Event) error {
	if ev.Err == nil {
		return domain.ErrSignalingClosedUnexpectedly
	}
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrSignalingClosedUnexpectedly, ev.Attempt, ev.Err)
}
