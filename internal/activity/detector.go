// Package activity derives a debounced speaking indicator from the energy of
// an audio stream.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval  = 100 * time.Millisecond
	DefaultThreshold = 30
	DefaultHoldTime  = 300 * time.Millisecond
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Config tunes a Detector. Zero values select the defaults.
type Config struct {
	Interval  time.Duration
	Threshold int
	HoldTime  time.Duration
	FFTSize   int
	Smoothing float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.HoldTime <= 0 {
		c.HoldTime = DefaultHoldTime
	}
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = DefaultSmoothing
	}
	return c
}

// Detector samples one stream at a fixed interval. A level above the
// threshold marks speaking at once; falling back to or below it clears
// speaking only after HoldTime without another loud sample.
type Detector struct {
	cfg      Config
	onChange func(level int, speaking bool)
	logger   zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	level    int
	speaking bool
	release  *time.Timer
	holds    uint64
	gen      uint64
}

// New creates a detector bound to no stream. onChange may be nil and is
// called without internal locks held.
func New(cfg Config, onChange func(level int, speaking bool)) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		logger:   log.With().Str("module", "activity").Logger(),
	}
}

// Attach starts sampling stream, detaching from any previous stream first.
func (d *Detector) Attach(stream core.PCMStream) {
	d.Detach()

	frames, unsubscribe := stream.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.mu.Lock()
	d.cancel = cancel
	d.done = done
	gen := d.gen
	d.mu.Unlock()

	analyser := NewAnalyser(d.cfg.FFTSize, d.cfg.Smoothing, DefaultMinDB, DefaultMaxDB)
	go func() {
		defer close(done)
		defer unsubscribe()
		t := time.NewTicker(d.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				analyser.Write(f)
			case <-t.C:
				d.observe(gen, analyser.Level())
			}
		}
	}()
	d.logger.Debug().Int("sample_rate", stream.SampleRate()).Msg("attached")
}

// Observe feeds one level sample through the hysteresis.
func (d *Detector) Observe(level int) {
	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()
	d.observe(gen, level)
}

// observe drops samples from a sampler that has since been detached.
func (d *Detector) observe(gen uint64, level int) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	changed := level != d.level
	d.level = level
	if level > d.cfg.Threshold {
		if d.release != nil {
			d.release.Stop()
			d.release = nil
		}
		if !d.speaking {
			d.speaking = true
			changed = true
		}
	} else if d.speaking && d.release == nil {
		d.holds++
		hold := d.holds
		d.release = time.AfterFunc(d.cfg.HoldTime, func() { d.expire(gen, hold) })
	}
	speaking := d.speaking
	d.mu.Unlock()

	if changed {
		d.notify(level, speaking)
	}
}

func (d *Detector) expire(gen, hold uint64) {
	d.mu.Lock()
	if gen != d.gen || hold != d.holds || d.release == nil || !d.speaking {
		d.mu.Unlock()
		return
	}
	d.release = nil
	d.speaking = false
	level := d.level
	d.mu.Unlock()

	d.notify(level, false)
}

// Detach stops sampling and resets level and speaking. Safe to call
// repeatedly.
func (d *Detector) Detach() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.gen++
	if d.release != nil {
		d.release.Stop()
		d.release = nil
	}
	changed := d.level != 0 || d.speaking
	d.level = 0
	d.speaking = false
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if changed {
		d.notify(0, false)
	}
}

func (d *Detector) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

func (d *Detector) notify(level int, speaking bool) {
	if d.onChange != nil {
		d.onChange(level, speaking)
	}
}
