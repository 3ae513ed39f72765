package sdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rjboer/iqstream/internal/iq"
)

// FileSource replays a raw cf32 capture, the same layout iqstream puts on
// the wire.
type FileSource struct {
	mu   sync.Mutex
	f    *os.File
	cfg  Config
	raw  []byte
	seq  uint64
	pace *pacer
}

// OpenFile opens cfg.Path for replay.
func OpenFile(cfg Config) (*FileSource, error) {
	cfg.Backend = BackendFile
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, &DeviceError{Device: "file", Op: "open", Err: errors.New("no capture path configured")}
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, &DeviceError{Device: cfg.Path, Op: "open", Err: err}
	}
	s := &FileSource{
		f:   f,
		cfg: cfg,
		raw: make([]byte, iq.EncodedLen(cfg.FrameSize)),
	}
	if cfg.Paced {
		s.pace = newPacer(cfg.FrameSize, cfg.SampleRate)
	}
	return s, nil
}

func (s *FileSource) Info() DeviceInfo {
	return DeviceInfo{
		Backend:    BackendFile,
		Name:       fmt.Sprintf("capture %s", s.cfg.Path),
		SampleRate: s.cfg.SampleRate,
		CenterFreq: s.cfg.CenterFreq,
		Gain:       s.cfg.Gain,
		FrameSize:  s.cfg.FrameSize,
	}
}

// NextFrame returns the next whole frame. At end of file it rewinds when
// looping, otherwise it reports io.EOF as a DeviceError. A trailing partial
// frame is never emitted.
func (s *FileSource) NextFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pace.wait(ctx); err != nil {
		return Frame{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		_, err := io.ReadFull(s.f, s.raw)
		if err == nil {
			s.seq++
			return Frame{Seq: s.seq, Time: time.Now(), Samples: iq.Decode(s.raw)}, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, &DeviceError{Device: s.cfg.Path, Op: "read", Err: err}
		}
		if !s.cfg.Loop {
			return Frame{}, &DeviceError{Device: s.cfg.Path, Op: "read", Err: io.EOF}
		}
		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return Frame{}, &DeviceError{Device: s.cfg.Path, Op: "rewind", Err: err}
		}
	}
	return Frame{}, &DeviceError{Device: s.cfg.Path, Op: "read", Err: errors.New("capture shorter than one frame")}
}

func (s *FileSource) Close() error {
	return s.f.Close()
}
