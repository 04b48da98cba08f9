package rtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("track stopped")

// LocalAudioTrack is the capture track shared by every peer session. Each
// written frame is Opus encoded once and fanned out by pion to all bound
// senders. A disabled track sends silence.
type LocalAudioTrack struct {
	*core.Fanout
	rtp     *webrtc.TrackLocalStaticSample
	enc     *opusEncoder
	enabled atomic.Bool

	mu      sync.Mutex
	stopped bool
	silence []int16
	onStop  func()
}

var _ core.LocalTrack = (*LocalAudioTrack)(nil)

func NewLocalAudioTrack(streamID string) (*LocalAudioTrack, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	rtpTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio-"+uuid.NewString(), streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &LocalAudioTrack{
		Fanout:  core.NewFanout(opusSampleRate),
		rtp:     rtpTrack,
		enc:     enc,
		silence: make([]int16, opusFrameSize),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalAudioTrack) ID() string                    { return t.rtp.ID() }
func (t *LocalAudioTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *LocalAudioTrack) SetEnabled(v bool)             { t.enabled.Store(v) }
func (t *LocalAudioTrack) TrackLocal() webrtc.TrackLocal { return t.rtp }

// WriteFrame sends one 20 ms frame of mono PCM.
func (t *LocalAudioTrack) WriteFrame(frame []int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTrackStopped
	}
	if len(frame) != opusFrameSize {
		return errors.New("frame must hold 20 ms of 48 kHz audio")
	}
	if !t.enabled.Load() {
		frame = t.silence
	}
	t.Publish(frame)

	pkt, err := t.enc.encode(frame)
	if err != nil {
		return err
	}
	return t.rtp.WriteSample(media.Sample{Data: pkt, Duration: 20 * time.Millisecond})
}

// Stop ends capture and closes every PCM subscription. Idempotent.
func (t *LocalAudioTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	onStop := t.onStop
	t.mu.Unlock()

	t.Fanout.Close()
	if onStop != nil {
		onStop()
	}
}

func (t *LocalAudioTrack) setOnStop(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStop = f
}
