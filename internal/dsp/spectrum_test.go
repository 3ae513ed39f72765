package dsp

import (
	"errors"
	"math"
	"testing"
)

func tone(n int, freq, rate float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		phase := 2 * math.Pi * freq * float64(i) / rate
		out[i] = complex64(complex(math.Cos(phase), math.Sin(phase)))
	}
	return out
}

func TestSpectrumPeakAtToneOffset(t *testing.T) {
	const rate = 1.024e6
	a := NewAnalyzer()
	spec, err := a.Spectrum(tone(1024, 100e3, rate), rate)
	if err != nil {
		t.Fatalf("spectrum: %v", err)
	}
	if len(spec.Freqs) != 1024 || spec.Freqs[0] != -rate/2 {
		t.Fatalf("unexpected frequency axis start %v", spec.Freqs[0])
	}
	freq, mag := spec.Peak()
	if math.Abs(freq-100e3) > rate/1024 {
		t.Fatalf("expected peak near 100 kHz, got %.0f", freq)
	}
	if mag <= 0 {
		t.Fatalf("expected positive peak magnitude")
	}

	neg, err := a.Spectrum(tone(1024, -200e3, rate), rate)
	if err != nil {
		t.Fatalf("spectrum: %v", err)
	}
	if f, _ := neg.Peak(); math.Abs(f+200e3) > rate/1024 {
		t.Fatalf("expected peak near -200 kHz, got %.0f", f)
	}
}

func TestSpectrumRejectsEmpty(t *testing.T) {
	if _, err := NewAnalyzer().Spectrum(nil, 1e6); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
	if _, err := NewAnalyzer().Spectrum(tone(8, 0, 1), 0); err == nil {
		t.Fatalf("expected sample rate error")
	}
}

func TestDetectionScore(t *testing.T) {
	const rate = 1.024e6
	spec, _ := NewAnalyzer().Spectrum(tone(1024, 100e3, rate), rate)

	on := DetectionScore(spec, 100e3, 5e3)
	off := DetectionScore(spec, -300e3, 5e3)
	if on < 0.9 || on > 1 {
		t.Fatalf("expected on-target score near 1, got %.3f", on)
	}
	if off > 0.05 {
		t.Fatalf("expected off-target score near 0, got %.3f", off)
	}
	if narrow := DetectionScore(spec, 100e3, 0); narrow <= 0 || narrow >= on {
		t.Fatalf("zero bandwidth should count one bin only, got %.3f", narrow)
	}
	if DetectionScore(Spectrum{Freqs: []float64{0}, Magnitude: []float64{0}}, 0, 1) != 0 {
		t.Fatalf("silent spectrum should score 0")
	}
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	out := FFTShift(in)
	expected := []complex128{2, 3, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
	if in[0] != 0 {
		t.Fatalf("input modified")
	}
}
