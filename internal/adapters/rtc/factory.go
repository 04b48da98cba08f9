package rtc

import (
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Factory creates peer sessions sharing one pion API and ICE configuration.
type Factory struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	play PlaybackFunc
}

var _ core.PeerFactory = (*Factory)(nil)

type FactoryOption func(*Factory)

// WithPlayback routes decoded remote audio to play.
func WithPlayback(play PlaybackFunc) FactoryOption {
	return func(f *Factory) { f.play = play }
}

// WithConfiguration replaces the ICE configuration built from servers.
func WithConfiguration(cfg webrtc.Configuration) FactoryOption {
	return func(f *Factory) { f.cfg = cfg }
}

func NewFactory(servers []ICEServer, opts ...FactoryOption) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	f := &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		cfg: Configuration(servers),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Factory) NewPeerSession(peer domain.PeerID) (core.PeerSession, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return &PeerSession{
		pc:     pc,
		peer:   peer,
		play:   f.play,
		logger: log.With().Str("module", "webrtc").Stringer("peer", peer).Logger(),
	}, nil
}
