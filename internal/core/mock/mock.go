// Package mock provides in-memory implementations of the core ports for
// tests: capture tracks, playback sinks, peer sessions and an in-process
// signaling hub.
//
// All mocks are safe for concurrent use. Exported fields configure behaviour
// and must be set before the mock is handed to the code under test.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a LocalTrack whose frames are pushed by the test via Publish.
type Track struct {
	*core.Fanout
	id      string
	enabled atomic.Bool
	stops   atomic.Int32
}

var _ core.LocalTrack = (*Track)(nil)

func NewTrack(id string) *Track {
	t := &Track{Fanout: core.NewFanout(48000), id: id}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string        { return t.id }
func (t *Track) Enabled() bool     { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *Track) Stop() {
	if t.stops.Add(1) == 1 {
		t.Fanout.Close()
	}
}

// Stopped reports whether Stop was called at least once.
func (t *Track) Stopped() bool { return t.stops.Load() > 0 }

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a PlaybackSink that records its muted flag.
type Sink struct {
	*core.Fanout
	muted  atomic.Bool
	closed atomic.Bool
}

var _ core.PlaybackSink = (*Sink)(nil)

func NewSink() *Sink { return &Sink{Fanout: core.NewFanout(48000)} }

func (s *Sink) SetMuted(v bool) { s.muted.Store(v) }
func (s *Sink) Muted() bool     { return s.muted.Load() }

func (s *Sink) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.Fanout.Close()
	}
}

func (s *Sink) Closed() bool { return s.closed.Load() }

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a MediaSource returning Track, or Err when set.
type Source struct {
	mu sync.Mutex

	// Track is returned by GetLocalAudioTrack. A fresh Track is created when nil.
	Track core.LocalTrack
	Err   error

	Calls       int
	Constraints []core.AudioConstraints
}

var _ core.MediaSource = (*Source)(nil)

func (s *Source) GetLocalAudioTrack(_ context.Context, c core.AudioConstraints) (core.LocalTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	s.Constraints = append(s.Constraints, c)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Track == nil {
		s.Track = NewTrack(fmt.Sprintf("mic-%d", s.Calls))
	}
	return s.Track, nil
}

// CallCount returns the number of GetLocalAudioTrack calls.
func (s *Source) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}

// ─── PeerSession ─────────────────────────────────────────────────────────────

var ErrSessionClosed = errors.New("mock: session closed")

// PeerSession fakes an RTCPeerConnection. Descriptions are opaque strings
// naming the session; callbacks fire synchronously from the method that
// triggers them.
type PeerSession struct {
	mu sync.Mutex

	Peer domain.PeerID

	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr error

	// AutoConnect reports CONNECTED once both descriptions are set.
	AutoConnect bool
	// RemoteTrack delivers a fresh Sink through OnTrack on connect.
	RemoteTrack bool
	// LocalCandidates are emitted through OnICECandidate after the local
	// description is set.
	LocalCandidates []webrtc.ICECandidateInit

	Tracks     []core.LocalTrack
	Local      *webrtc.SessionDescription
	Remote     *webrtc.SessionDescription
	Candidates []webrtc.ICECandidateInit
	Sinks      []*Sink
	closed     bool
	connected  bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.PlaybackSink)
	onState func(webrtc.PeerConnectionState)
}

var _ core.PeerSession = (*PeerSession)(nil)

func (p *PeerSession) AddLocalTrack(t core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Tracks = append(p.Tracks, t)
	return nil
}

func (p *PeerSession) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *PeerSession) OnTrack(f func(core.PlaybackSink)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *PeerSession) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *PeerSession) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	return p.setLocal(webrtc.SDPTypeOffer, p.OfferErr)
}

func (p *PeerSession) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	hasRemote := p.Remote != nil
	p.mu.Unlock()
	if !hasRemote {
		return webrtc.SessionDescription{}, errors.New("mock: answer without remote offer")
	}
	return p.setLocal(webrtc.SDPTypeAnswer, p.AnswerErr)
}

func (p *PeerSession) setLocal(typ webrtc.SDPType, injected error) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	if injected != nil {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, injected
	}
	sd := webrtc.SessionDescription{Type: typ, SDP: fmt.Sprintf("v=0 mock %s for %d", typ, p.Peer)}
	p.Local = &sd
	onICE := p.onICE
	cands := append([]webrtc.ICECandidateInit(nil), p.LocalCandidates...)
	p.mu.Unlock()

	if onICE != nil {
		for _, c := range cands {
			onICE(c)
		}
	}
	p.maybeConnect()
	return sd, nil
}

func (p *PeerSession) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if p.RemoteErr != nil {
		p.mu.Unlock()
		return p.RemoteErr
	}
	p.Remote = &sd
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *PeerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CandidateErr != nil {
		return p.CandidateErr
	}
	if p.Remote == nil {
		return errors.New("mock: candidate before remote description")
	}
	p.Candidates = append(p.Candidates, c)
	return nil
}

func (p *PeerSession) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// EmitState reports s through the connection-state callback.
func (p *PeerSession) EmitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// EmitTrack delivers sink through the remote-track callback.
func (p *PeerSession) EmitTrack(sink core.PlaybackSink) {
	p.mu.Lock()
	f := p.onTrack
	p.mu.Unlock()
	if f != nil {
		f(sink)
	}
}

func (p *PeerSession) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// AppliedCandidates returns a copy of the remote candidates applied so far.
func (p *PeerSession) AppliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.Candidates...)
}

func (p *PeerSession) maybeConnect() {
	p.mu.Lock()
	if !p.AutoConnect || p.connected || p.closed || p.Local == nil || p.Remote == nil {
		p.mu.Unlock()
		return
	}
	p.connected = true
	onState, onTrack := p.onState, p.onTrack
	var sink *Sink
	if p.RemoteTrack {
		sink = NewSink()
		p.Sinks = append(p.Sinks, sink)
	}
	p.mu.Unlock()

	if onState != nil {
		onState(webrtc.PeerConnectionStateConnected)
	}
	if sink != nil && onTrack != nil {
		onTrack(sink)
	}
}

// ─── PeerFactory ─────────────────────────────────────────────────────────────

// PeerFactory creates PeerSessions configured from its fields and keeps
// every session it created.
type PeerFactory struct {
	mu sync.Mutex

	Err             error
	AutoConnect     bool
	RemoteTrack     bool
	LocalCandidates []webrtc.ICECandidateInit

	Sessions []*PeerSession
}

var _ core.PeerFactory = (*PeerFactory)(nil)

func (f *PeerFactory) NewPeerSession(peer domain.PeerID) (core.PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := &PeerSession{
		Peer:            peer,
		AutoConnect:     f.AutoConnect,
		RemoteTrack:     f.RemoteTrack,
		LocalCandidates: f.LocalCandidates,
	}
	f.Sessions = append(f.Sessions, s)
	return s, nil
}

// Last returns the most recent session created for peer, or nil.
func (f *PeerFactory) Last(peer domain.PeerID) *PeerSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Sessions) - 1; i >= 0; i-- {
		if f.Sessions[i].Peer == peer {
			return f.Sessions[i]
		}
	}
	return nil
}

// Count returns the number of sessions created for peer.
func (f *PeerFactory) Count(peer domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.Sessions {
		if s.Peer == peer {
			n++
		}
	}
	return n
}
