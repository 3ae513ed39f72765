package sdr

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// rtl_tcp command opcodes. Each command is one opcode byte followed by a
// big-endian uint32 argument.
const (
	rtlCmdFrequency  byte = 0x01
	rtlCmdSampleRate byte = 0x02
	rtlCmdGainMode   byte = 0x03
	rtlCmdGain       byte = 0x04
	rtlCmdAGCMode    byte = 0x08
)

var rtlMagic = [4]byte{'R', 'T', 'L', '0'}

var tunerNames = map[uint32]string{
	1: "E4000",
	2: "FC0012",
	3: "FC0013",
	4: "FC2580",
	5: "R820T",
	6: "R828D",
}

// RTLTCPSource reads 8-bit unsigned I/Q from an rtl_tcp server.
type RTLTCPSource struct {
	mu        sync.Mutex
	conn      net.Conn
	r         *bufio.Reader
	cfg       Config
	tuner     string
	gainCount uint32
	raw       []byte
	seq       uint64
	closed    atomic.Bool
}

// OpenRTLTCP connects to cfg.URI, checks the dongle header and programs
// sample rate, frequency and manual gain.
func OpenRTLTCP(ctx context.Context, cfg Config) (*RTLTCPSource, error) {
	cfg.Backend = BackendRTLTCP
	cfg = cfg.withDefaults()

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", cfg.URI)
	if err != nil {
		return nil, &DeviceError{Device: cfg.URI, Op: "dial", Err: err}
	}

	s := &RTLTCPSource{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 2*cfg.FrameSize),
		cfg:  cfg,
		raw:  make([]byte, 2*cfg.FrameSize),
	}
	if err := s.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *RTLTCPSource) handshake() error {
	// The header is sent immediately on connect; bound the wait for it.
	_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hdr [12]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return &DeviceError{Device: s.cfg.URI, Op: "read header", Err: err}
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	if [4]byte(hdr[0:4]) != rtlMagic {
		return &DeviceError{Device: s.cfg.URI, Op: "read header", Err: fmt.Errorf("bad magic %q", hdr[0:4])}
	}
	tuner := binary.BigEndian.Uint32(hdr[4:8])
	s.tuner = tunerNames[tuner]
	if s.tuner == "" {
		s.tuner = fmt.Sprintf("tuner-%d", tuner)
	}
	s.gainCount = binary.BigEndian.Uint32(hdr[8:12])

	cmds := []struct {
		op  byte
		arg uint32
	}{
		{rtlCmdSampleRate, uint32(s.cfg.SampleRate)},
		{rtlCmdFrequency, uint32(s.cfg.CenterFreq)},
		{rtlCmdAGCMode, 0},
		{rtlCmdGainMode, 1},
		{rtlCmdGain, uint32(math.Round(s.cfg.Gain * 10))},
	}
	for _, c := range cmds {
		if err := s.command(c.op, c.arg); err != nil {
			return err
		}
	}
	return nil
}

func (s *RTLTCPSource) command(op byte, arg uint32) error {
	var buf [5]byte
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:], arg)
	if _, err := s.conn.Write(buf[:]); err != nil {
		return &DeviceError{Device: s.cfg.URI, Op: fmt.Sprintf("command 0x%02x", op), Err: err}
	}
	return nil
}

func (s *RTLTCPSource) Info() DeviceInfo {
	return DeviceInfo{
		Backend:    BackendRTLTCP,
		Name:       fmt.Sprintf("rtl_tcp %s (%s, %d gains)", s.cfg.URI, s.tuner, s.gainCount),
		SampleRate: s.cfg.SampleRate,
		CenterFreq: s.cfg.CenterFreq,
		Gain:       s.cfg.Gain,
		FrameSize:  s.cfg.FrameSize,
	}
}

// NextFrame blocks on the socket until a full frame of samples arrived.
// The read has no deadline.
func (s *RTLTCPSource) NextFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return Frame{}, &DeviceError{Device: s.cfg.URI, Op: "read", Err: errClosedDevice}
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if _, err := io.ReadFull(s.r, s.raw); err != nil {
		if s.closed.Load() {
			err = errClosedDevice
		} else if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return Frame{}, &DeviceError{Device: s.cfg.URI, Op: "read", Err: err}
	}
	samples := make([]complex64, s.cfg.FrameSize)
	for i := range samples {
		samples[i] = complex(u8ToFloat(s.raw[2*i]), u8ToFloat(s.raw[2*i+1]))
	}
	s.seq++
	return Frame{Seq: s.seq, Time: time.Now(), Samples: samples}, nil
}

func u8ToFloat(v byte) float32 {
	return (float32(v) - 127.5) / 127.5
}

// Close unblocks a pending NextFrame.
func (s *RTLTCPSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
