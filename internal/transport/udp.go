package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/rjboer/iqstream/internal/iq"
	"github.com/rjboer/iqstream/internal/logging"
	"github.com/rjboer/iqstream/internal/sdr"
)

const (
	// DefaultMaxDatagramSize keeps a datagram inside a 1500 byte Ethernet MTU
	// after 20 bytes of IPv4 and 8 bytes of UDP header.
	DefaultMaxDatagramSize = 1472
	// MaxUDPPayload is the largest IPv4 UDP payload.
	MaxUDPPayload       = 65507
	DefaultWriteTimeout = 100 * time.Millisecond
)

// Sink transmits sample frames.
type Sink interface {
	// Send transmits f as one or more datagrams and returns how many were
	// written. Failures are *TransportError.
	Send(f sdr.Frame) (int, error)
	Close() error
}

// TransportError reports a socket failure. A running pipeline logs it and
// carries on.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("udp %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err carries a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Chunk splits payload into ordered pieces of at most max bytes. When max
// allows it, pieces are cut on whole-sample boundaries so every datagram
// decodes on its own.
func Chunk(payload []byte, max int) [][]byte {
	if len(payload) == 0 || max <= 0 {
		return nil
	}
	size := max
	if size >= iq.BytesPerSample {
		size -= size % iq.BytesPerSample
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

// SinkConfig describes the UDP destination.
type SinkConfig struct {
	Host            string
	Port            int
	MaxDatagramSize int
	WriteTimeout    time.Duration
	// TOS sets the IPv4 type-of-service byte when non-zero.
	TOS int
	// MulticastTTL and MulticastLoopback apply to multicast destinations.
	MulticastTTL      int
	MulticastLoopback bool
}

// Addr returns host:port.
func (c SinkConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the destination and datagram size.
func (c SinkConfig) Validate() error {
	if c.Host == "" {
		return errors.New("destination host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("destination port %d out of range", c.Port)
	}
	if c.MaxDatagramSize < iq.BytesPerSample || c.MaxDatagramSize > MaxUDPPayload {
		return fmt.Errorf("max datagram size %d outside [%d, %d]", c.MaxDatagramSize, iq.BytesPerSample, MaxUDPPayload)
	}
	if c.TOS < 0 || c.TOS > 255 {
		return fmt.Errorf("tos %d out of range", c.TOS)
	}
	if c.MulticastTTL < 0 || c.MulticastTTL > 255 {
		return fmt.Errorf("multicast ttl %d out of range", c.MulticastTTL)
	}
	return nil
}

// UDPSink sends cf32 datagrams to a fixed destination over a connected UDP
// socket.
type UDPSink struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	cfg     SinkConfig
	addr    string
	buf     []byte
	logger  logging.Logger
	refused uint64
}

// Dial opens the socket and applies socket options.
func Dial(ctx context.Context, cfg SinkConfig, logger logging.Logger) (*UDPSink, error) {
	if cfg.MaxDatagramSize == 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	addr := cfg.Addr()

	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	conn := c.(*net.UDPConn)
	s := &UDPSink{
		conn:   conn,
		cfg:    cfg,
		addr:   addr,
		logger: logger.With(logging.F("subsystem", "udp-sink"), logging.F("dst", addr)),
	}
	if err := s.applyOptions(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *UDPSink) applyOptions() error {
	raddr, _ := s.conn.RemoteAddr().(*net.UDPAddr)
	if raddr == nil || raddr.IP.To4() == nil {
		if s.cfg.TOS != 0 || s.cfg.MulticastTTL != 0 {
			s.logger.Warn("tos/multicast options only apply to IPv4 destinations")
		}
		return nil
	}
	if s.cfg.TOS != 0 {
		if err := ipv4.NewConn(s.conn).SetTOS(s.cfg.TOS); err != nil {
			return &TransportError{Op: "set tos", Addr: s.addr, Err: err}
		}
	}
	if raddr.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(s.conn)
		if s.cfg.MulticastTTL > 0 {
			if err := pc.SetMulticastTTL(s.cfg.MulticastTTL); err != nil {
				return &TransportError{Op: "set multicast ttl", Addr: s.addr, Err: err}
			}
		}
		if err := pc.SetMulticastLoopback(s.cfg.MulticastLoopback); err != nil {
			return &TransportError{Op: "set multicast loopback", Addr: s.addr, Err: err}
		}
	}
	return nil
}

// Send encodes f and writes it in chunks of at most MaxDatagramSize bytes.
// A refused destination (ICMP port unreachable reported on the connected
// socket) is not an error. Other write failures do not stop the remaining
// chunks; the first one is returned.
func (s *UDPSink) Send(f sdr.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = iq.Append(s.buf[:0], f.Samples)
	var (
		sent     int
		firstErr error
	)
	for _, chunk := range Chunk(s.buf, s.cfg.MaxDatagramSize) {
		if s.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := s.conn.Write(chunk); err != nil {
			if errors.Is(err, unix.ECONNREFUSED) {
				s.refused++
				continue
			}
			if firstErr == nil {
				firstErr = &TransportError{Op: "write", Addr: s.addr, Err: err}
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

// RefusalCounter is implemented by sinks that tolerate a refused
// destination instead of failing the send.
type RefusalCounter interface {
	Refused() uint64
}

// Refused returns how many datagrams hit a refused destination.
func (s *UDPSink) Refused() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refused
}

// LocalAddr returns the socket's local address.
func (s *UDPSink) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *UDPSink) Close() error {
	return s.conn.Close()
}
