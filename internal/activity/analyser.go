package activity

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser turns the most recent fftSize samples of a PCM stream into byte
// frequency magnitudes the way a browser AnalyserNode does: Blackman window,
// magnitude smoothing over time, decibels mapped linearly onto 0..255.
//
// Analyser is not safe for concurrent use.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	ring     []float64
	pos      int
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	bins     []byte
}

func NewAnalyser(fftSize int, smoothing, minDB, maxDB float64) *Analyser {
	return &Analyser{
		size:      fftSize,
		smoothing: smoothing,
		minDB:     minDB,
		maxDB:     maxDB,
		fft:       fourier.NewFFT(fftSize),
		ring:      make([]float64, fftSize),
		frame:     make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
		bins:      make([]byte, fftSize/2),
	}
}

// Write appends samples to the time-domain window.
func (a *Analyser) Write(samples []int16) {
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData computes the current magnitudes. The returned slice is
// reused by the next call.
func (a *Analyser) ByteFrequencyData() []byte {
	n := copy(a.frame, a.ring[a.pos:])
	copy(a.frame[n:], a.ring[:a.pos])
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.bins {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - a.minDB))
		switch {
		case math.IsNaN(v) || v < 0:
			a.bins[k] = 0
		case v > 255:
			a.bins[k] = 255
		default:
			a.bins[k] = byte(v)
		}
	}
	return a.bins
}

// Level is the mean of ByteFrequencyData, 0..255.
func (a *Analyser) Level() int {
	bins := a.ByteFrequencyData()
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	return sum / len(bins)
}

// Reset clears the sample window and smoothing history.
func (a *Analyser) Reset() {
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}
