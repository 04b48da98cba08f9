package capture

import (
	"math"
	"time"
)

// Tone is a sine generator. With a cadence it alternates between talk
// spurts and silence, which makes speaking indicators move.
type Tone struct {
	step      float64
	amplitude float64
	phase     float64

	on, off time.Duration
	elapsed time.Duration
}

// NewTone returns a continuous sine of freq Hz; amplitude is 0..1 of full
// scale.
func NewTone(freq, amplitude float64) *Tone {
	return &Tone{
		step:      2 * math.Pi * freq / SampleRate,
		amplitude: min(max(amplitude, 0), 1) * math.MaxInt16,
	}
}

// WithCadence makes the tone sound for on, then stay silent for off.
func (t *Tone) WithCadence(on, off time.Duration) *Tone {
	t.on, t.off = on, off
	return t
}

func (t *Tone) ReadFrame(frame []int16) error {
	silent := false
	if t.on > 0 && t.off > 0 {
		silent = t.elapsed%(t.on+t.off) >= t.on
		t.elapsed += time.Duration(len(frame)) * time.Second / SampleRate
	}
	for i := range frame {
		if silent {
			frame[i] = 0
		} else {
			frame[i] = int16(t.amplitude * math.Sin(t.phase))
		}
		t.phase += t.step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return nil
}

func (t *Tone) Close() error { return nil }
