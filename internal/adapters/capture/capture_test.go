package capture

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func peak(frame []int16) int {
	p := 0
	for _, s := range frame {
		p = max(p, abs(int(s)))
	}
	return p
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestTone_Amplitude(t *testing.T) {
	tone := NewTone(1000, 0.5)
	frame := make([]int16, FrameSamples)
	if err := tone.ReadFrame(frame); err != nil {
		t.Fatal(err)
	}
	if p := peak(frame); p < 16000 || p > 16384 {
		t.Errorf("peak = %d", p)
	}
}

func TestTone_Cadence(t *testing.T) {
	tone := NewTone(440, 0.8).WithCadence(40*time.Millisecond, 40*time.Millisecond)
	frame := make([]int16, FrameSamples)
	want := []bool{true, true, false, false, true}
	for i, loud := range want {
		if err := tone.ReadFrame(frame); err != nil {
			t.Fatal(err)
		}
		if got := peak(frame) > 0; got != loud {
			t.Errorf("frame %d: loud=%v, want %v", i, got, loud)
		}
	}
}

// writeWAV writes a canonical 44-byte-header PCM file.
func writeWAV(t *testing.T, rate, channels, bits int, samples []int16) string {
	t.Helper()
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	blockAlign := channels * bits / 8
	hdr := make([]byte, 44)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+len(data)))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1)
	binary.LittleEndian.PutUint16(hdr[22:], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(rate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(rate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:], uint16(bits))
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(len(data)))

	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, append(hdr, data...), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWAV_DownmixAndLoop(t *testing.T) {
	// Stereo at 48 kHz: left 100, right 300 for every sample.
	samples := make([]int16, 2*480)
	for i := 0; i < len(samples); i += 2 {
		samples[i], samples[i+1] = 100, 300
	}
	loop, err := LoadWAV(writeWAV(t, SampleRate, 2, 16, samples))
	if err != nil {
		t.Fatal(err)
	}
	if loop.Len() != 480 {
		t.Fatalf("len = %d", loop.Len())
	}
	frame := make([]int16, FrameSamples)
	if err := loop.ReadFrame(frame); err != nil {
		t.Fatal(err)
	}
	for i, s := range frame {
		if s != 200 {
			t.Fatalf("sample %d = %d, want 200", i, s)
		}
	}
}

func TestLoadWAV_Resamples(t *testing.T) {
	loop, err := LoadWAV(writeWAV(t, 24000, 1, 16, make([]int16, 240)))
	if err != nil {
		t.Fatal(err)
	}
	if loop.Len() != 480 {
		t.Errorf("len = %d, want 480", loop.Len())
	}
}

func TestLoadWAV_RejectsNon16Bit(t *testing.T) {
	path := writeWAV(t, SampleRate, 1, 8, make([]int16, 100))
	if _, err := LoadWAV(path); !errors.Is(err, ErrUnsupportedWAV) {
		t.Errorf("expected ErrUnsupportedWAV, got %v", err)
	}
}
