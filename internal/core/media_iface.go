package core

import (
	"context"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

// AudioConstraints describes the requested capture processing.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	Channels         int
}

// VoiceConstraints is the audio-only capture profile used for voice rooms.
func VoiceConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		Channels:         1,
	}
}

// PCMStream fans out mono PCM frames to any number of subscribers.
type PCMStream interface {
	SampleRate() int
	// Subscribe returns a frame channel and a cancel func. Slow subscribers
	// lose frames instead of blocking the producer.
	Subscribe(buffer int) (<-chan []int16, func())
}

// LocalTrack is the single capture track shared by every outgoing sender.
type LocalTrack interface {
	PCMStream
	ID() string
	Enabled() bool
	SetEnabled(bool)
	// Stop ends capture. Idempotent.
	Stop()
}

// MediaSource is the platform's audio capture primitive.
type MediaSource interface {
	// GetLocalAudioTrack fails with domain.ErrPermissionDenied or
	// domain.ErrDeviceUnavailable.
	GetLocalAudioTrack(ctx context.Context, c AudioConstraints) (LocalTrack, error)
}

// PlaybackSink plays one remote participant's inbound audio.
type PlaybackSink interface {
	PCMStream
	SetMuted(bool)
	Muted() bool
	Close()
}

// PeerSession is one direct media connection to a remote participant.
// Methods must not block on the network; results of ICE gathering and
// connectivity arrive through the registered callbacks.
type PeerSession interface {
	// AddLocalTrack attaches the shared capture track as the outgoing sender.
	AddLocalTrack(LocalTrack) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked with the playback sink of a remote track.
	OnTrack(func(PlaybackSink))
	// OnConnectionStateChange reports the transport state of the session.
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	CreateAndSetOffer() (webrtc.SessionDescription, error)
	CreateAndSetAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// PeerFactory creates peer sessions configured with the room's ICE servers.
type PeerFactory interface {
	NewPeerSession(peer domain.PeerID) (PeerSession, error)
}
