package dsp

import (
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// ErrNoSamples is returned when a spectrum is requested for an empty input.
var ErrNoSamples = errors.New("dsp: no samples")

// Spectrum is a magnitude spectrum of complex baseband samples. Freqs are
// offsets from the tuned centre in Hz, ascending from -fs/2.
type Spectrum struct {
	Freqs     []float64
	Magnitude []float64
}

// Peak returns the frequency and magnitude of the strongest bin.
func (s Spectrum) Peak() (freq, mag float64) {
	if len(s.Magnitude) == 0 {
		return 0, 0
	}
	i := floats.MaxIdx(s.Magnitude)
	return s.Freqs[i], s.Magnitude[i]
}

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// Analyzer computes spectra and caches the FFT plan and Hamming window of
// the last transform size, since the detector asks for the same size every
// interval.
type Analyzer struct {
	mu     sync.Mutex
	size   int
	fft    *fourier.CmplxFFT
	window []float64
}

// NewAnalyzer returns an empty analyzer; the plan is built on first use.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

func (a *Analyzer) plan(n int) (*fourier.CmplxFFT, []float64) {
	if a.size != n {
		a.size = n
		a.fft = fourier.NewCmplxFFT(n)
		a.window = Hamming(n)
	}
	return a.fft, a.window
}

// Spectrum windows samples with a Hamming window, transforms them and
// scales magnitudes by 1/sqrt(N).
func (a *Analyzer) Spectrum(samples []complex64, sampleRate float64) (Spectrum, error) {
	n := len(samples)
	if n == 0 {
		return Spectrum{}, ErrNoSamples
	}
	if sampleRate <= 0 {
		return Spectrum{}, errors.New("dsp: sample rate must be positive")
	}

	a.mu.Lock()
	fft, win := a.plan(n)
	coeffs := fft.Coefficients(nil, ApplyWindow(samples, win))
	a.mu.Unlock()

	shifted := FFTShift(coeffs)
	scale := 1 / math.Sqrt(float64(n))
	spec := Spectrum{
		Freqs:     make([]float64, n),
		Magnitude: make([]float64, n),
	}
	binWidth := sampleRate / float64(n)
	for i, v := range shifted {
		spec.Freqs[i] = (float64(i) - float64(n/2)) * binWidth
		spec.Magnitude[i] = cmplx.Abs(v) * scale
	}
	return spec, nil
}

// DetectionScore weighs spectrum magnitude with a Gaussian of the given
// bandwidth centred on target and normalizes by total magnitude, giving a
// value in [0, 1]. A non-positive bandwidth counts only the bin closest to
// target. An empty or silent spectrum scores 0.
func DetectionScore(spec Spectrum, target, bandwidth float64) float64 {
	total := floats.Sum(spec.Magnitude)
	if total <= 0 || len(spec.Freqs) == 0 {
		return 0
	}

	if bandwidth <= 0 {
		best := 0
		for i, f := range spec.Freqs {
			if math.Abs(f-target) < math.Abs(spec.Freqs[best]-target) {
				best = i
			}
		}
		return spec.Magnitude[best] / total
	}

	weighted := 0.0
	twoBW2 := 2 * bandwidth * bandwidth
	for i, f := range spec.Freqs {
		d := f - target
		weighted += spec.Magnitude[i] * math.Exp(-d*d/twoBW2)
	}
	return weighted / total
}
