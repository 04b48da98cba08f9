package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/youpy/go-wav"
)

var ErrUnsupportedWAV = errors.New("unsupported wav format")

// Loop plays a decoded clip over and over.
type Loop struct {
	pcm []int16
	pos int
}

// LoadWAV decodes a 16-bit PCM WAV file into a mono 48 kHz loop.
func LoadWAV(path string) (*Loop, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("read wav format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM || format.BitsPerSample != 16 || format.NumChannels == 0 {
		return nil, fmt.Errorf("%w: format=%d bits=%d channels=%d",
			ErrUnsupportedWAV, format.AudioFormat, format.BitsPerSample, format.NumChannels)
	}

	var raw []byte
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		raw = append(raw, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read wav data: %w", err)
		}
	}

	pcm := downmix(raw, int(format.NumChannels))
	if int(format.SampleRate) != SampleRate {
		pcm = resample(pcm, int(format.SampleRate), SampleRate)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrUnsupportedWAV)
	}
	return &Loop{pcm: pcm}, nil
}

func (l *Loop) ReadFrame(frame []int16) error {
	for i := range frame {
		frame[i] = l.pcm[l.pos]
		l.pos = (l.pos + 1) % len(l.pcm)
	}
	return nil
}

func (l *Loop) Close() error { return nil }

// Len is the clip length in samples.
func (l *Loop) Len() int { return len(l.pcm) }

// downmix averages interleaved little-endian 16-bit channels.
func downmix(raw []byte, channels int) []int16 {
	frameBytes := 2 * channels
	out := make([]int16, len(raw)/frameBytes)
	for i := range out {
		sum := 0
		for ch := range channels {
			off := i*frameBytes + ch*2
			sum += int(int16(raw[off]) | int16(raw[off+1])<<8)
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// resample converts by linear interpolation.
func resample(in []int16, from, to int) []int16 {
	if len(in) == 0 || from <= 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		a := float64(in[j])
		b := a
		if j+1 < len(in) {
			b = float64(in[j+1])
		}
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
