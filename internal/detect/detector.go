// Package detect scores how much of the received spectrum sits around a
// target frequency.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/iqstream/internal/dsp"
	"github.com/rjboer/iqstream/internal/logging"
	"github.com/rjboer/iqstream/internal/metrics"
	"github.com/rjboer/iqstream/internal/telemetry"
)

const (
	DefaultWindow   = 4096
	DefaultInterval = 500 * time.Millisecond
)

// Config tunes a Detector. TargetHz is an offset from the sender's tuned
// centre frequency.
type Config struct {
	SampleRate float64
	TargetHz   float64
	Bandwidth  float64
	Window     int
	Interval   time.Duration
	StreamID   string
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Validate checks the detector settings.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %.0f", c.SampleRate)
	}
	if c.TargetHz < -c.SampleRate/2 || c.TargetHz > c.SampleRate/2 {
		return fmt.Errorf("target %.0f Hz outside +/-%.0f Hz", c.TargetHz, c.SampleRate/2)
	}
	if c.Bandwidth < 0 {
		return fmt.Errorf("bandwidth must not be negative, got %.0f", c.Bandwidth)
	}
	return nil
}

// Detector accumulates samples and periodically reports a detection score.
type Detector struct {
	cfg      Config
	analyzer *dsp.Analyzer
	reporter telemetry.Reporter
	metrics  *metrics.Receiver
	logger   logging.Logger

	mu     sync.Mutex
	window *dsp.SampleWindow
	fresh  int // samples added since the last evaluation
}

// New builds a detector. reporter and m may be nil.
func New(cfg Config, reporter telemetry.Reporter, m *metrics.Receiver, logger logging.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{
		cfg:      cfg,
		analyzer: dsp.NewAnalyzer(),
		reporter: reporter,
		metrics:  m,
		logger:   logger.With(logging.F("subsystem", "detect")),
		window:   dsp.NewSampleWindow(cfg.Window),
	}, nil
}

// Add appends received samples to the window. Safe to call from the
// receive loop while Run is active.
func (d *Detector) Add(samples []complex64) {
	if len(samples) == 0 {
		return
	}
	d.mu.Lock()
	d.window.Add(samples)
	d.fresh += len(samples)
	d.mu.Unlock()
	d.metrics.SamplesReceived(len(samples))
}

// Evaluate scores the sliding window and reports the result. The window
// keeps the newest Window samples across evaluations, so at low rates a
// score spans several intervals. It returns dsp.ErrNoSamples when nothing
// arrived since the last evaluation, so a silent stream is not re-scored.
func (d *Detector) Evaluate(now time.Time) (telemetry.Score, error) {
	d.mu.Lock()
	if d.fresh == 0 {
		d.mu.Unlock()
		return telemetry.Score{}, dsp.ErrNoSamples
	}
	d.fresh = 0
	samples := d.window.Samples()
	d.mu.Unlock()

	spec, err := d.analyzer.Spectrum(samples, d.cfg.SampleRate)
	if err != nil {
		return telemetry.Score{}, err
	}
	peakHz, peakMag := spec.Peak()
	s := telemetry.Score{
		Timestamp: now,
		StreamID:  d.cfg.StreamID,
		Score:     dsp.DetectionScore(spec, d.cfg.TargetHz, d.cfg.Bandwidth),
		TargetHz:  d.cfg.TargetHz,
		PeakHz:    peakHz,
		PeakMag:   peakMag,
		Samples:   len(samples),
	}
	d.metrics.Score(s.Score)
	if d.reporter != nil {
		d.reporter.Report(s)
	}
	return s, nil
}

// Run evaluates every interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.logger.Info("detector running",
		logging.F("target_hz", d.cfg.TargetHz),
		logging.F("bandwidth", d.cfg.Bandwidth),
		logging.F("window", d.cfg.Window),
		logging.F("interval", d.cfg.Interval))

	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			_, err := d.Evaluate(now)
			switch {
			case err == nil:
				idle = 0
			case errors.Is(err, dsp.ErrNoSamples):
				idle++
				if idle == 1 || idle%20 == 0 {
					d.logger.Debug("no samples received", logging.F("intervals", idle))
				}
			default:
				d.logger.Warn("evaluate failed", logging.Err(err))
			}
		}
	}
}
