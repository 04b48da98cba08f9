package rtc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dkeye/meshvoice/internal/adapters/capture"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Source is a MediaSource clocking a capture.Reader into a LocalAudioTrack
// every 20 ms.
type Source struct {
	open     func() (capture.Reader, error)
	streamID string
}

var _ core.MediaSource = (*Source)(nil)

func NewSource(streamID string, open func() (capture.Reader, error)) *Source {
	return &Source{open: open, streamID: streamID}
}

func (s *Source) GetLocalAudioTrack(ctx context.Context, c core.AudioConstraints) (core.LocalTrack, error) {
	if c.SampleRate != 0 && c.SampleRate != capture.SampleRate {
		return nil, fmt.Errorf("%w: sample rate %d", domain.ErrDeviceUnavailable, c.SampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	r, err := s.open()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	track, err := NewLocalAudioTrack(s.streamID)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	stop := make(chan struct{})
	track.setOnStop(func() { close(stop) })
	go pump(r, track, stop)

	log.Debug().Str("module", "rtc").
		Bool("echo_cancellation", c.EchoCancellation).
		Bool("noise_suppression", c.NoiseSuppression).
		Bool("auto_gain", c.AutoGainControl).
		Msg("synthetic capture started; processing constraints do not apply")
	return track, nil
}

func pump(r capture.Reader, track *LocalAudioTrack, stop <-chan struct{}) {
	defer r.Close()
	t := time.NewTicker(capture.FrameDuration)
	defer t.Stop()
	frame := make([]int16, capture.FrameSamples)
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := r.ReadFrame(frame); err != nil {
				log.Warn().Str("module", "rtc").Err(err).Msg("capture ended")
				track.Stop()
				return
			}
			if err := track.WriteFrame(frame); err != nil && !errors.Is(err, ErrTrackStopped) {
				log.Debug().Str("module", "rtc").Err(err).Msg("frame not sent")
			}
		}
	}
}
