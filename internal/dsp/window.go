package dsp

import "math"

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow multiplies the input complex samples with the provided window.
// The window length must match the input length.
func ApplyWindow(samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*window[i], float64(imag(v))*window[i])
	}
	return out
}

// SampleWindow keeps the most recent max samples; older ones are evicted as
// new samples arrive. It is not safe for concurrent use.
type SampleWindow struct {
	buf  []complex64
	head int
	size int
}

// NewSampleWindow returns a window holding at most max samples.
func NewSampleWindow(max int) *SampleWindow {
	if max <= 0 {
		max = 1
	}
	return &SampleWindow{buf: make([]complex64, max)}
}

// Add appends samples, evicting the oldest once full.
func (w *SampleWindow) Add(samples []complex64) {
	if len(samples) >= len(w.buf) {
		copy(w.buf, samples[len(samples)-len(w.buf):])
		w.head, w.size = 0, len(w.buf)
		return
	}
	for _, s := range samples {
		w.buf[(w.head+w.size)%len(w.buf)] = s
		if w.size < len(w.buf) {
			w.size++
		} else {
			w.head = (w.head + 1) % len(w.buf)
		}
	}
}

// Samples returns the window contents, oldest first.
func (w *SampleWindow) Samples() []complex64 {
	out := make([]complex64, w.size)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of buffered samples.
func (w *SampleWindow) Len() int { return w.size }

// Cap returns the window size.
func (w *SampleWindow) Cap() int { return len(w.buf) }

// Clear empties the window.
func (w *SampleWindow) Clear() { w.head, w.size = 0, 0 }
