// Package peer keeps one direct media connection per remote participant and
// drives the offer/answer/ICE exchange for each of them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/dkeye/meshvoice/internal/observe"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultMaxPending         = 64
)

var ErrNegotiationTimeout = fmt.Errorf("%w: timed out", domain.ErrPeerNegotiationFailed)

// SinkRegistry receives the playback sinks of remote tracks.
type SinkRegistry interface {
	AttachSink(peer domain.PeerID, sink core.PlaybackSink)
	DetachSink(peer domain.PeerID)
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	NegotiationTimeout time.Duration
	// MaxPending bounds the candidates queued for a peer without a handle.
	MaxPending int
	// Dispatch runs f on the owner's goroutine. Session callbacks and timers
	// go through it. Defaults to running f inline.
	Dispatch func(f func())
	Sinks    SinkRegistry
	Metrics  *observe.Metrics
	// OnState is called after every handle state change.
	OnState func(peer domain.PeerID, state domain.HandleState)
	// OnTrack is called after a remote sink was registered.
	OnTrack func(peer domain.PeerID, sink core.PlaybackSink)
}

// Handle is a snapshot of one peer connection.
type Handle struct {
	Peer              domain.PeerID
	Role              domain.Role
	State             domain.HandleState
	PendingCandidates []webrtc.ICECandidateInit
	HasRemote         bool
}

type handle struct {
	Handle
	session core.PeerSession
	timer   *time.Timer
	span    trace.Span
	started time.Time
}

// Manager owns the handles of one room membership.
//
// Manager is not safe for concurrent use. Every method must run on the
// owner's goroutine, the one Options.Dispatch posts to.
type Manager struct {
	local   domain.PeerID
	factory core.PeerFactory
	send    func(core.Message) error
	opts    Options
	logger  zerolog.Logger

	track   core.LocalTrack
	handles map[domain.PeerID]*handle
	orphans map[domain.PeerID][]webrtc.ICECandidateInit
	// departed holds peers closed by Close until they get a new handle.
	// Their late candidates are dropped instead of queued.
	departed map[domain.PeerID]struct{}
}

// NewManager creates a manager for the local participant. send delivers
// outbound signaling messages.
func NewManager(local domain.PeerID, factory core.PeerFactory, send func(core.Message) error, opts Options) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { f() }
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		local:    local,
		factory:  factory,
		send:     send,
		opts:     opts,
		logger:   log.With().Str("module", "peer").Stringer("local", local).Logger(),
		handles:  make(map[domain.PeerID]*handle),
		orphans:  make(map[domain.PeerID][]webrtc.ICECandidateInit),
		departed: make(map[domain.PeerID]struct{}),
	}
}

// SetLocalTrack sets the capture track attached to handles created from now on.
func (m *Manager) SetLocalTrack(t core.LocalTrack) { m.track = t }

// Ensure returns the open handle for peer, creating it with role if there
// is none. Candidates queued for the peer move onto the new handle.
func (m *Manager) Ensure(peer domain.PeerID, role domain.Role) (Handle, error) {
	h, err := m.ensure(peer, role)
	if err != nil {
		return Handle{}, err
	}
	return h.snapshot(), nil
}

func (m *Manager) ensure(peer domain.PeerID, role domain.Role) (*handle, error) {
	if h, ok := m.handles[peer]; ok {
		return h, nil
	}

	session, err := m.factory.NewPeerSession(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: new session for %s: %v", domain.ErrPeerNegotiationFailed, peer, err)
	}
	if m.track != nil {
		if err := session.AddLocalTrack(m.track); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("%w: add track for %s: %v", domain.ErrPeerNegotiationFailed, peer, err)
		}
	}

	_, span := observe.StartSpan(context.Background(), "peer.negotiate",
		trace.WithAttributes(
			attribute.String("peer.local", m.local.String()),
			attribute.String("peer.remote", peer.String()),
			attribute.String("peer.role", role.String()),
		),
	)
	h := &handle{
		Handle: Handle{
			Peer:              peer,
			Role:              role,
			State:             domain.HandleNew,
			PendingCandidates: m.orphans[peer],
		},
		session: session,
		span:    span,
		started: time.Now(),
	}
	delete(m.orphans, peer)
	delete(m.departed, peer)
	m.handles[peer] = h

	session.OnTrack(func(sink core.PlaybackSink) {
		m.opts.Dispatch(func() { m.onTrack(h, sink) })
	})
	session.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.opts.Dispatch(func() { m.onLocalCandidate(h, c) })
	})
	session.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.opts.Dispatch(func() { m.onConnectionState(h, s) })
	})
	h.timer = time.AfterFunc(m.opts.NegotiationTimeout, func() {
		m.opts.Dispatch(func() { m.onTimeout(h) })
	})

	m.opts.Metrics.ActivePeers.Add(context.Background(), 1)
	m.logger.Debug().Stringer("peer", peer).Stringer("role", role).Int("queued", len(h.PendingCandidates)).Msg("handle created")
	m.notify(h)
	return h, nil
}

// Offer starts negotiation towards peer as the offerer. An existing handle
// for peer is replaced since the remote side restarted.
func (m *Manager) Offer(peer domain.PeerID) error {
	if old, ok := m.handles[peer]; ok {
		m.logger.Info().Stringer("peer", peer).Msg("replacing handle on join")
		m.closeHandle(old, nil)
	}
	h, err := m.ensure(peer, domain.RoleOfferer)
	if err != nil {
		return err
	}
	offer, err := h.session.CreateAndSetOffer()
	if err != nil {
		return m.fail(h, fmt.Errorf("create offer: %w", err))
	}
	m.setState(h, domain.HandleNegotiating)
	if err := m.send(core.NewDescription(m.local, peer, offer)); err != nil {
		m.logger.Warn().Err(err).Stringer("peer", peer).Msg("offer not sent")
	}
	return nil
}

// HandleOffer answers a remote offer. When both sides offered at once the
// side with the lower id yields and answers; the higher id keeps its own
// offer and drops the remote one.
func (m *Manager) HandleOffer(from domain.PeerID, sdp webrtc.SessionDescription) error {
	if h, ok := m.handles[from]; ok && h.Role == domain.RoleOfferer && !h.HasRemote {
		if m.local > from {
			m.logger.Info().Stringer("peer", from).Msg("glare: keeping local offer")
			return nil
		}
		m.logger.Info().Stringer("peer", from).Msg("glare: yielding to remote offer")
		// Candidates queued so far belong to the remote offer.
		pending := h.PendingCandidates
		m.closeHandle(h, nil)
		m.orphans[from] = append(pending, m.orphans[from]...)
	}

	h, err := m.ensure(from, domain.RoleAnswerer)
	if err != nil {
		return err
	}
	if err := h.session.SetRemoteDescription(sdp); err != nil {
		return m.fail(h, fmt.Errorf("set remote offer: %w", err))
	}
	h.HasRemote = true
	m.flush(h)
	answer, err := h.session.CreateAndSetAnswer()
	if err != nil {
		return m.fail(h, fmt.Errorf("create answer: %w", err))
	}
	if h.State == domain.HandleNew {
		m.setState(h, domain.HandleNegotiating)
	}
	if err := m.send(core.NewDescription(m.local, from, answer)); err != nil {
		m.logger.Warn().Err(err).Stringer("peer", from).Msg("answer not sent")
	}
	return nil
}

// HandleAnswer completes the offerer side. An answer without a handle is
// ignored.
func (m *Manager) HandleAnswer(from domain.PeerID, sdp webrtc.SessionDescription) error {
	h, ok := m.handles[from]
	if !ok {
		m.logger.Debug().Stringer("peer", from).Msg("answer for unknown peer ignored")
		return nil
	}
	if h.Role != domain.RoleOfferer || h.HasRemote {
		m.logger.Warn().Stringer("peer", from).Stringer("role", h.Role).Msg("unexpected answer ignored")
		return nil
	}
	if err := h.session.SetRemoteDescription(sdp); err != nil {
		return m.fail(h, fmt.Errorf("set remote answer: %w", err))
	}
	h.HasRemote = true
	m.flush(h)
	return nil
}

// HandleCandidate applies a remote candidate, or queues it until the handle
// has a remote description. Candidates for unknown peers are held, up to
// MaxPending per peer, until a handle is created.
func (m *Manager) HandleCandidate(from domain.PeerID, c webrtc.ICECandidateInit) {
	h, ok := m.handles[from]
	if !ok {
		if _, gone := m.departed[from]; gone {
			m.logger.Debug().Stringer("peer", from).Msg("candidate from departed peer dropped")
			return
		}
		q := append(m.orphans[from], c)
		if len(q) > m.opts.MaxPending {
			q = q[len(q)-m.opts.MaxPending:]
		}
		m.orphans[from] = q
		return
	}
	if !h.HasRemote {
		h.PendingCandidates = append(h.PendingCandidates, c)
		return
	}
	if err := h.session.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Stringer("peer", from).Msg("remote candidate rejected")
	}
}

// Close tears down the handle of peer and forgets its queued candidates.
// Candidates still in flight from peer are dropped until it gets a new
// handle.
func (m *Manager) Close(peer domain.PeerID) {
	delete(m.orphans, peer)
	m.departed[peer] = struct{}{}
	if h, ok := m.handles[peer]; ok {
		m.closeHandle(h, nil)
	}
}

// CloseAll closes every handle.
func (m *Manager) CloseAll() {
	for _, h := range m.handles {
		m.closeHandle(h, nil)
	}
	clear(m.orphans)
	clear(m.departed)
}

// Peers returns the ids with an open handle, ascending.
func (m *Manager) Peers() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) Handle(peer domain.PeerID) (Handle, bool) {
	h, ok := m.handles[peer]
	if !ok {
		return Handle{}, false
	}
	return h.snapshot(), true
}

// Pending returns the number of candidates held for peer without a handle.
func (m *Manager) Pending(peer domain.PeerID) int { return len(m.orphans[peer]) }

func (m *Manager) flush(h *handle) {
	pending := h.PendingCandidates
	h.PendingCandidates = nil
	for _, c := range pending {
		if err := h.session.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Stringer("peer", h.Peer).Msg("queued candidate rejected")
		}
	}
}

func (m *Manager) current(h *handle) bool {
	return m.handles[h.Peer] == h
}

func (m *Manager) onLocalCandidate(h *handle, c webrtc.ICECandidateInit) {
	if !m.current(h) {
		return
	}
	if err := m.send(core.NewICE(m.local, h.Peer, c)); err != nil {
		m.logger.Debug().Err(err).Stringer("peer", h.Peer).Msg("local candidate not sent")
	}
}

func (m *Manager) onTrack(h *handle, sink core.PlaybackSink) {
	if !m.current(h) {
		sink.Close()
		return
	}
	if m.opts.Sinks != nil {
		m.opts.Sinks.AttachSink(h.Peer, sink)
	}
	if m.opts.OnTrack != nil {
		m.opts.OnTrack(h.Peer, sink)
	}
}

func (m *Manager) onConnectionState(h *handle, s webrtc.PeerConnectionState) {
	if !m.current(h) {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if h.State == domain.HandleConnected {
			return
		}
		h.timer.Stop()
		m.finish(h, "connected", nil)
		m.setState(h, domain.HandleConnected)
		m.logger.Info().Stringer("peer", h.Peer).Msg("peer connected")
	case webrtc.PeerConnectionStateFailed:
		_ = m.fail(h, errors.New("ice failed"))
	case webrtc.PeerConnectionStateClosed:
		m.closeHandle(h, nil)
	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Debug().Stringer("peer", h.Peer).Msg("peer transport disconnected")
	}
}

func (m *Manager) onTimeout(h *handle) {
	if !m.current(h) || h.State == domain.HandleConnected {
		return
	}
	m.logger.Warn().Stringer("peer", h.Peer).Dur("after", m.opts.NegotiationTimeout).Msg("negotiation timed out")
	m.finish(h, "timeout", ErrNegotiationTimeout)
	m.closeHandle(h, nil)
}

// fail closes h and returns the cause wrapped in ErrPeerNegotiationFailed.
func (m *Manager) fail(h *handle, cause error) error {
	err := fmt.Errorf("%w: peer %s: %v", domain.ErrPeerNegotiationFailed, h.Peer, cause)
	m.logger.Warn().Err(err).Msg("closing failed handle")
	m.finish(h, "failed", err)
	m.closeHandle(h, err)
	return err
}

// finish ends the negotiation span once.
func (m *Manager) finish(h *handle, outcome string, err error) {
	if h.span == nil {
		return
	}
	if err != nil {
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, outcome)
	}
	h.span.SetAttributes(attribute.String("peer.outcome", outcome))
	h.span.End()
	h.span = nil
	m.opts.Metrics.RecordNegotiation(context.Background(), outcome, time.Since(h.started).Seconds())
}

func (m *Manager) closeHandle(h *handle, cause error) {
	if !m.current(h) {
		return
	}
	delete(m.handles, h.Peer)
	h.timer.Stop()
	if h.span != nil {
		h.span.SetAttributes(attribute.String("peer.outcome", "closed"))
		h.span.End()
		h.span = nil
	}
	h.State = domain.HandleClosed
	h.PendingCandidates = nil
	if err := h.session.Close(); err != nil {
		m.logger.Debug().Err(err).Stringer("peer", h.Peer).Msg("session close")
	}
	if m.opts.Sinks != nil {
		m.opts.Sinks.DetachSink(h.Peer)
	}
	m.opts.Metrics.ActivePeers.Add(context.Background(), -1)
	ev := m.logger.Debug()
	if cause != nil {
		ev = m.logger.Info().Err(cause)
	}
	ev.Stringer("peer", h.Peer).Msg("handle closed")
	m.notify(h)
}

func (m *Manager) setState(h *handle, s domain.HandleState) {
	h.State = s
	m.notify(h)
}

func (m *Manager) notify(h *handle) {
	if m.opts.OnState != nil {
		m.opts.OnState(h.Peer, h.State)
	}
}

func (h *handle) snapshot() Handle {
	s := h.Handle
	s.PendingCandidates = slices.Clone(h.PendingCandidates)
	return s
}
