// Package media owns the local capture track and the inbound playback sinks
// of a room membership.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller holds the single capture track shared by every peer connection.
// Muting flips the track's enabled flag, so the track is enabled exactly when
// the controller is not muted. Deafening only touches playback sinks.
type Controller struct {
	source      core.MediaSource
	constraints core.AudioConstraints
	logger      zerolog.Logger

	mu       sync.Mutex
	track    core.LocalTrack
	muted    bool
	deafened bool
	sinks    map[domain.PeerID]core.PlaybackSink
}

func NewController(source core.MediaSource) *Controller {
	return &Controller{
		source:      source,
		constraints: core.VoiceConstraints(),
		logger:      log.With().Str("module", "media").Logger(),
		sinks:       make(map[domain.PeerID]core.PlaybackSink),
	}
}

// Acquire requests the capture track. While a track is held it is returned
// again without asking the source. Errors wrap domain.ErrPermissionDenied or
// domain.ErrDeviceUnavailable.
func (c *Controller) Acquire(ctx context.Context) (core.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track != nil {
		return c.track, nil
	}

	track, err := c.source.GetLocalAudioTrack(ctx, c.constraints)
	if err != nil {
		if !errors.Is(err, domain.ErrPermissionDenied) && !errors.Is(err, domain.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		c.logger.Warn().Err(err).Msg("microphone not acquired")
		return nil, err
	}
	track.SetEnabled(!c.muted)
	c.track = track
	c.logger.Info().Str("track", track.ID()).Msg("microphone acquired")
	return track, nil
}

// Track returns the held capture track, or nil.
func (c *Controller) Track() core.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	if c.track != nil {
		c.track.SetEnabled(!c.muted)
	}
	c.logger.Debug().Bool("muted", c.muted).Msg("mute toggled")
	return c.muted
}

// ToggleDeafen flips playback muting on every sink and returns the new value.
func (c *Controller) ToggleDeafen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deafened = !c.deafened
	for _, s := range c.sinks {
		s.SetMuted(c.deafened)
	}
	c.logger.Debug().Bool("deafened", c.deafened).Int("sinks", len(c.sinks)).Msg("deafen toggled")
	return c.deafened
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Controller) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deafened
}

// AttachSink registers the playback sink of peer, replacing and closing any
// previous one. The sink inherits the current deafen state.
func (c *Controller) AttachSink(peer domain.PeerID, sink core.PlaybackSink) {
	c.mu.Lock()
	old := c.sinks[peer]
	c.sinks[peer] = sink
	sink.SetMuted(c.deafened)
	c.mu.Unlock()
	if old != nil && old != sink {
		old.Close()
	}
}

// DetachSink unregisters and closes the sink of peer, if any.
func (c *Controller) DetachSink(peer domain.PeerID) {
	c.mu.Lock()
	s, ok := c.sinks[peer]
	delete(c.sinks, peer)
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Sink returns the playback sink of peer.
func (c *Controller) Sink(peer domain.PeerID) (core.PlaybackSink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sinks[peer]
	return s, ok
}

// Release stops the capture track, closes every sink and clears mute and
// deafen. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	track := c.track
	sinks := c.sinks
	c.track = nil
	c.sinks = make(map[domain.PeerID]core.PlaybackSink)
	c.muted = false
	c.deafened = false
	c.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
	if track != nil {
		track.Stop()
		c.logger.Info().Str("track", track.ID()).Msg("microphone released")
	}
}
