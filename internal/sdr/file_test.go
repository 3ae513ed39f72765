package sdr

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rjboer/iqstream/internal/iq"
)

func writeCapture(t *testing.T, n int) string {
	t.Helper()
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = complex(float32(i), float32(-i))
	}
	path := filepath.Join(t.TempDir(), "capture.cf32")
	if err := os.WriteFile(path, iq.Append(nil, samples), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}

func TestFileSourceReplaysThenEOF(t *testing.T) {
	path := writeCapture(t, 10)
	src, err := OpenFile(Config{Path: path, FrameSize: 4, SampleRate: 1e6})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	for i := 0; i < 2; i++ {
		f, err := src.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Samples[0] != complex(float32(4*i), float32(-4*i)) {
			t.Fatalf("frame %d starts with %v", i, f.Samples[0])
		}
	}
	// two samples remain: not a whole frame
	_, err = src.NextFrame(context.Background())
	var de *DeviceError
	if !errors.As(err, &de) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF device error, got %v", err)
	}
}

func TestFileSourceLoops(t *testing.T) {
	path := writeCapture(t, 8)
	src, err := OpenFile(Config{Path: path, FrameSize: 8, SampleRate: 1e6, Loop: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	for i := 0; i < 3; i++ {
		f, err := src.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Samples[0] != 0 || f.Seq != uint64(i+1) {
			t.Fatalf("frame %d: unexpected %v seq %d", i, f.Samples[0], f.Seq)
		}
	}
}
