package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PlaybackFunc is the audio output of decoded remote PCM.
type PlaybackFunc func(peer domain.PeerID, pcm []int16)

// RemoteSink decodes one remote audio track. Decoded frames always reach
// PCM subscribers; the playback output is skipped while muted.
type RemoteSink struct {
	*core.Fanout
	peer   domain.PeerID
	track  *webrtc.TrackRemote
	dec    *opusDecoder
	play   PlaybackFunc
	muted  atomic.Bool
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

var _ core.PlaybackSink = (*RemoteSink)(nil)

func newRemoteSink(peer domain.PeerID, track *webrtc.TrackRemote, play PlaybackFunc) (*RemoteSink, error) {
	dec, err := newOpusDecoder()
	if err != nil {
		return nil, err
	}
	return &RemoteSink{
		Fanout: core.NewFanout(opusSampleRate),
		peer:   peer,
		track:  track,
		dec:    dec,
		play:   play,
		done:   make(chan struct{}),
		logger: log.With().Str("module", "rtc").Stringer("peer", peer).Str("track", track.ID()).Logger(),
	}, nil
}

func (s *RemoteSink) SetMuted(v bool) { s.muted.Store(v) }
func (s *RemoteSink) Muted() bool     { return s.muted.Load() }

func (s *RemoteSink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.Fanout.Close()
	})
}

// run reads RTP until the track ends or the sink is closed.
func (s *RemoteSink) run() {
	defer s.Close()
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := s.track.Read(buf)
		if err != nil {
			s.logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debug().Err(err).Msg("bad rtp packet")
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := s.dec.decode(pkt.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("decode failed")
			continue
		}
		s.Publish(pcm)
		if s.play != nil && !s.muted.Load() {
			s.play(s.peer, pcm)
		}
	}
}
