package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/net/ipv4"

	"github.com/rjboer/iqstream/internal/iq"
	"github.com/rjboer/iqstream/internal/logging"
)

// ReceiveBufferSize is large enough for any UDP datagram.
const ReceiveBufferSize = 65536

// readErrorLogEvery throttles repeated read failure logging.
const readErrorLogEvery = 100

// newReadBackoff paces retries after consecutive read failures. It never
// gives up; only ctx ends the receive loop.
func newReadBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// UDPReceiver reads cf32 datagrams. It joins the group when the listen
// address is an IPv4 multicast address.
type UDPReceiver struct {
	conn   net.PacketConn
	logger logging.Logger
}

// Listen binds addr ("host:port" or ":port").
func Listen(addr string, logger logging.Logger) (*UDPReceiver, error) {
	if logger == nil {
		logger = logging.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Addr: addr, Err: err}
	}

	bind := addr
	multicast := udpAddr.IP != nil && udpAddr.IP.IsMulticast() && udpAddr.IP.To4() != nil
	if multicast {
		bind = fmt.Sprintf(":%d", udpAddr.Port)
	}
	conn, err := net.ListenPacket("udp4", bind)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: addr, Err: err}
	}
	if multicast {
		if err := ipv4.NewPacketConn(conn).JoinGroup(nil, &net.UDPAddr{IP: udpAddr.IP}); err != nil {
			_ = conn.Close()
			return nil, &TransportError{Op: "join group", Addr: addr, Err: err}
		}
	}
	return &UDPReceiver{
		conn:   conn,
		logger: logger.With(logging.F("subsystem", "udp-receiver"), logging.F("addr", conn.LocalAddr().String())),
	}, nil
}

// Addr returns the bound local address.
func (r *UDPReceiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Run delivers decoded samples of every datagram to fn until ctx ends. Read
// errors other than shutdown are logged, throttled, and retried with
// exponential backoff.
func (r *UDPReceiver) Run(ctx context.Context, fn func(samples []complex64)) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, ReceiveBufferSize)
	var failures uint64
	bo := newReadBackoff()
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			if failures == 1 || failures%readErrorLogEvery == 0 {
				r.logger.Error("udp read failed", logging.F("failures", failures), logging.Err(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		if failures > 0 {
			failures = 0
			bo.Reset()
		}
		if n == 0 {
			continue
		}
		fn(iq.Decode(buf[:n]))
	}
}

func (r *UDPReceiver) Close() error {
	return r.conn.Close()
}
