package sdr

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

type rtlCommand struct {
	op  byte
	arg uint32
}

// fakeRTLTCP serves one client: header, then records five commands, then
// writes payload.
func fakeRTLTCP(t *testing.T, payload []byte) (string, <-chan []rtlCommand) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan []rtlCommand, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hdr := make([]byte, 12)
		copy(hdr, "RTL0")
		binary.BigEndian.PutUint32(hdr[4:], 5)
		binary.BigEndian.PutUint32(hdr[8:], 29)
		conn.Write(hdr)

		var cmds []rtlCommand
		buf := make([]byte, 5)
		for i := 0; i < 5; i++ {
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			cmds = append(cmds, rtlCommand{buf[0], binary.BigEndian.Uint32(buf[1:])})
		}
		got <- cmds
		conn.Write(payload)
		time.Sleep(100 * time.Millisecond)
	}()
	return ln.Addr().String(), got
}

func TestRTLTCPHandshakeAndSamples(t *testing.T) {
	payload := []byte{255, 0, 128, 127}
	addr, cmdsCh := fakeRTLTCP(t, payload)

	src, err := OpenRTLTCP(context.Background(), Config{URI: addr, SampleRate: 2e6, CenterFreq: 915e6, Gain: 40, FrameSize: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	select {
	case cmds := <-cmdsCh:
		want := map[byte]uint32{rtlCmdSampleRate: 2000000, rtlCmdFrequency: 915000000, rtlCmdGainMode: 1, rtlCmdGain: 400, rtlCmdAGCMode: 0}
		for _, c := range cmds {
			if want[c.op] != c.arg {
				t.Fatalf("command 0x%02x arg %d, expected %d", c.op, c.arg, want[c.op])
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("server never received commands")
	}

	f, err := src.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if real(f.Samples[0]) != 1 || imag(f.Samples[0]) != -1 {
		t.Fatalf("unexpected first sample %v", f.Samples[0])
	}
	if d := real(f.Samples[1]) - 0.5/127.5; d > 1e-6 || d < -1e-6 {
		t.Fatalf("unexpected second sample %v", f.Samples[1])
	}
	if src.Info().Backend != BackendRTLTCP {
		t.Fatalf("unexpected info %+v", src.Info())
	}

	// server hangs up after the payload
	if _, err := src.NextFrame(context.Background()); !IsDeviceError(err) {
		t.Fatalf("expected device error after disconnect, got %v", err)
	}
}

func TestRTLTCPRejectsBadMagic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("HTTP/1.1 200"))
	}()

	_, err = OpenRTLTCP(context.Background(), Config{URI: ln.Addr().String(), SampleRate: 2e6, CenterFreq: 915e6})
	if !IsDeviceError(err) {
		t.Fatalf("expected device error, got %v", err)
	}
}
