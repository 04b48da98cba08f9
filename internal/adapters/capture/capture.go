// Package capture provides microphone substitutes for headless clients: a
// tone generator and a looping WAV file. Both produce mono 48 kHz frames.
package capture

import "time"

const (
	SampleRate    = 48000
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of samples in one 20 ms frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// Reader yields consecutive PCM frames.
type Reader interface {
	// ReadFrame fills frame completely.
	ReadFrame(frame []int16) error
	Close() error
}
