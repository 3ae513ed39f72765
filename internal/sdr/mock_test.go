package sdr

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestMockGeneratesToneAtOffset(t *testing.T) {
	cfg := Config{SampleRate: 2e6, CenterFreq: 915e6, Gain: 40, FrameSize: 512, ToneOffset: 200e3}
	mock := NewMock(cfg)

	f1, err := mock.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	f2, err := mock.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if f1.Len() != cfg.FrameSize || f2.Len() != cfg.FrameSize {
		t.Fatalf("unexpected frame sizes %d %d", f1.Len(), f2.Len())
	}
	if f1.Seq != 1 || f2.Seq != 2 {
		t.Fatalf("unexpected sequence %d %d", f1.Seq, f2.Seq)
	}

	// Phase advances by 2*pi*offset/rate per sample, across frame borders too.
	step := 2 * math.Pi * cfg.ToneOffset / cfg.SampleRate
	last := f1.Samples[cfg.FrameSize-1]
	first := f2.Samples[0]
	got := math.Atan2(float64(imag(first)), float64(real(first))) - math.Atan2(float64(imag(last)), float64(real(last)))
	got = math.Mod(got+3*math.Pi, 2*math.Pi) - math.Pi
	if math.Abs(got-step) > 0.05 {
		t.Fatalf("phase step across frames %.3f, expected %.3f", got, step)
	}
}

func TestMockDefaulting(t *testing.T) {
	mock := NewMock(Config{})
	info := mock.Info()
	if info.FrameSize != DefaultFrameSize || info.SampleRate != DefaultSampleRate {
		t.Fatalf("unexpected defaults %+v", info)
	}
}

func TestMockPacedHonoursContext(t *testing.T) {
	// 1024 samples at 1 kHz is about a second per frame.
	mock := NewMock(Config{SampleRate: 1000, FrameSize: 1024, Paced: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := mock.NextFrame(ctx); err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("paced read ignored cancellation")
	}
}

func TestMockClosedIsDeviceError(t *testing.T) {
	mock := NewMock(Config{})
	_ = mock.Close()
	_, err := mock.NextFrame(context.Background())
	if !IsDeviceError(err) {
		t.Fatalf("expected device error, got %v", err)
	}
}
