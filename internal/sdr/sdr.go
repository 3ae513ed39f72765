package sdr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Backend names a concrete sample source implementation.
type Backend string

const (
	BackendMock   Backend = "mock"
	BackendRTLTCP Backend = "rtltcp"
	BackendFile   Backend = "file"
)

// ParseBackend normalizes a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendMock, "":
		return BackendMock, nil
	case BackendRTLTCP:
		return BackendRTLTCP, nil
	case BackendFile:
		return BackendFile, nil
	default:
		return "", fmt.Errorf("unknown sdr backend %q", s)
	}
}

// Frame is one fixed-size block of complex baseband samples. A frame is not
// modified after NextFrame returns it.
type Frame struct {
	Seq     uint64
	Time    time.Time
	Samples []complex64
}

// Len returns the number of complex samples in the frame.
func (f Frame) Len() int { return len(f.Samples) }

// Config carries the parameters applied once when a source is opened.
type Config struct {
	Backend    Backend
	SampleRate float64 // Hz
	CenterFreq float64 // Hz
	Gain       float64 // dB
	FrameSize  int     // complex samples per frame
	ToneOffset float64 // mock only, Hz from centre
	URI        string  // rtltcp host:port
	Path       string  // file capture path
	Loop       bool    // file: restart at EOF
	Paced      bool    // mock/file: release frames at the sample rate
}

const (
	DefaultFrameSize  = 1024
	DefaultSampleRate = 2e6
	DefaultRTLTCPURI  = "127.0.0.1:1234"
)

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendMock
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Backend == BackendRTLTCP && c.URI == "" {
		c.URI = DefaultRTLTCPURI
	}
	return c
}

// Limits bounds the tuning parameters a backend accepts. A zero maximum
// leaves that parameter unchecked.
type Limits struct {
	MinSampleRate, MaxSampleRate float64
	MinFreq, MaxFreq             float64
	MinGain, MaxGain             float64
}

// LimitsFor returns the accepted parameter ranges of a backend.
func LimitsFor(b Backend) Limits {
	switch b {
	case BackendRTLTCP:
		// R820T tuner behind rtl_tcp.
		return Limits{
			MinSampleRate: 225_001, MaxSampleRate: 3_200_000,
			MinFreq: 24e6, MaxFreq: 1766e6,
			MinGain: 0, MaxGain: 49.6,
		}
	case BackendFile:
		return Limits{MinSampleRate: 1, MaxSampleRate: 0}
	default:
		return Limits{
			MinSampleRate: 1_000, MaxSampleRate: 61_440_000,
			MinFreq: 70e6, MaxFreq: 6e9,
			MinGain: 0, MaxGain: 73,
		}
	}
}

// Validate rejects parameters outside the backend limits.
func (c Config) Validate(lim Limits) error {
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	for _, v := range []struct {
		name  string
		value float64
	}{{"sample rate", c.SampleRate}, {"center frequency", c.CenterFreq}, {"gain", c.Gain}} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%s must be finite, got %v", v.name, v.value)
		}
	}
	if c.SampleRate < lim.MinSampleRate || (lim.MaxSampleRate > 0 && c.SampleRate > lim.MaxSampleRate) {
		return fmt.Errorf("sample rate %.0f Hz outside [%.0f, %.0f]", c.SampleRate, lim.MinSampleRate, lim.MaxSampleRate)
	}
	if lim.MaxFreq > 0 && (c.CenterFreq < lim.MinFreq || c.CenterFreq > lim.MaxFreq) {
		return fmt.Errorf("center frequency %.0f Hz outside [%.0f, %.0f]", c.CenterFreq, lim.MinFreq, lim.MaxFreq)
	}
	if lim.MaxGain > 0 && (c.Gain < lim.MinGain || c.Gain > lim.MaxGain) {
		return fmt.Errorf("gain %.1f dB outside [%.1f, %.1f]", c.Gain, lim.MinGain, lim.MaxGain)
	}
	return nil
}

// DeviceInfo describes an opened source.
type DeviceInfo struct {
	Backend    Backend
	Name       string
	SampleRate float64
	CenterFreq float64
	Gain       float64
	FrameSize  int
}

// Source produces fixed-size sample frames at a device-determined cadence.
type Source interface {
	// NextFrame blocks until a frame is available. Hardware failures are
	// reported as *DeviceError.
	NextFrame(ctx context.Context) (Frame, error)
	Info() DeviceInfo
	Close() error
}

// DeviceError reports a hardware open or read failure. It is fatal to a
// running pipeline.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("sdr %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

var errClosedDevice = errors.New("device closed")

// IsDeviceError reports whether err carries a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// Open validates cfg against the selected backend's limits and opens it.
func Open(ctx context.Context, cfg Config) (Source, error) {
	backend, err := ParseBackend(string(cfg.Backend))
	if err != nil {
		return nil, err
	}
	cfg.Backend = backend
	cfg = cfg.withDefaults()
	if err := cfg.Validate(LimitsFor(backend)); err != nil {
		return nil, fmt.Errorf("%s config: %w", backend, err)
	}

	switch backend {
	case BackendRTLTCP:
		src, err := OpenRTLTCP(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case BackendFile:
		src, err := OpenFile(cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return NewMock(cfg), nil
	}
}

// pacer releases frames no faster than the configured sample rate.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(frameSize int, sampleRate float64) *pacer {
	if sampleRate <= 0 {
		return &pacer{}
	}
	return &pacer{interval: time.Duration(float64(frameSize) / sampleRate * float64(time.Second))}
}

func (p *pacer) wait(ctx context.Context) error {
	if p == nil || p.interval <= 0 {
		return ctx.Err()
	}
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > 4*p.interval {
		// first frame, or we fell far behind: resynchronise instead of bursting
		p.next = now
	}
	p.next = p.next.Add(p.interval)
	d := time.Until(p.next)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
