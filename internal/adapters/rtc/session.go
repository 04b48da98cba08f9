package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// trackSource is implemented by tracks that pion can send.
type trackSource interface {
	TrackLocal() webrtc.TrackLocal
}

// PeerSession wraps one RTCPeerConnection with trickle ICE.
type PeerSession struct {
	pc     *webrtc.PeerConnection
	peer   domain.PeerID
	play   PlaybackFunc
	logger zerolog.Logger

	mu    sync.Mutex
	sinks []*RemoteSink
}

var _ core.PeerSession = (*PeerSession)(nil)

func (s *PeerSession) AddLocalTrack(t core.LocalTrack) error {
	src, ok := t.(trackSource)
	if !ok {
		return errors.New("track cannot be sent over rtp")
	}
	sender, err := s.pc.AddTrack(src.TrackLocal())
	if err != nil {
		return err
	}
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *PeerSession) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			f(c.ToJSON())
		}
	})
}

func (s *PeerSession) OnTrack(f func(core.PlaybackSink)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		sink, err := newRemoteSink(s.peer, track, s.play)
		if err != nil {
			s.logger.Error().Err(err).Msg("remote sink")
			return
		}
		s.mu.Lock()
		s.sinks = append(s.sinks, sink)
		s.mu.Unlock()
		go sink.run()
		f(sink)
	})
}

func (s *PeerSession) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Info().Str("peer_connection_state", st.String()).Msg("Peer state")
		f(st)
	})
}

func (s *PeerSession) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (s *PeerSession) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *PeerSession) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(sd)
}

func (s *PeerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

func (s *PeerSession) Close() error {
	err := s.pc.Close()
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = nil
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.Close()
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("close error")
	} else {
		s.logger.Debug().Msg("closed")
	}
	return err
}
