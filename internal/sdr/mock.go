package sdr

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// MockSource synthesizes a complex tone at ToneOffset plus a little
// Gaussian noise. Phase is continuous across frames.
type MockSource struct {
	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	phase  float64
	seq    uint64
	pace   *pacer
	closed bool
}

// NewMock builds a mock source. Missing frame size and sample rate are
// defaulted; no range validation is applied.
func NewMock(cfg Config) *MockSource {
	cfg.Backend = BackendMock
	cfg = cfg.withDefaults()
	m := &MockSource{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.Paced {
		m.pace = newPacer(cfg.FrameSize, cfg.SampleRate)
	}
	return m
}

func (m *MockSource) Info() DeviceInfo {
	return DeviceInfo{
		Backend:    BackendMock,
		Name:       "mock tone generator",
		SampleRate: m.cfg.SampleRate,
		CenterFreq: m.cfg.CenterFreq,
		Gain:       m.cfg.Gain,
		FrameSize:  m.cfg.FrameSize,
	}
}

func (m *MockSource) NextFrame(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Frame{}, &DeviceError{Device: "mock", Op: "read", Err: errClosedDevice}
	}
	if err := m.pace.wait(ctx); err != nil {
		return Frame{}, err
	}

	n := m.cfg.FrameSize
	samples := make([]complex64, n)
	step := 2 * math.Pi * m.cfg.ToneOffset / m.cfg.SampleRate
	amp := math.Pow(10, m.cfg.Gain/20) * 1e-3
	if amp > 1 {
		amp = 1
	}
	for i := 0; i < n; i++ {
		re := amp*math.Cos(m.phase) + m.rng.NormFloat64()*1e-4
		im := amp*math.Sin(m.phase) + m.rng.NormFloat64()*1e-4
		samples[i] = complex(float32(re), float32(im))
		m.phase = math.Mod(m.phase+step, 2*math.Pi)
	}
	m.seq++
	return Frame{Seq: m.seq, Time: time.Now(), Samples: samples}, nil
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
