package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type advertised by iqstream senders.
	Service = "_iqstream._udp"
	Domain  = "local."
)

// Stream represents a discovered iqstream sender.
type Stream struct {
	Instance  string // Advertised name: "iqstream on host"
	Hostname  string // DNS hostname: "host.local."
	Addresses []net.IP
	Port      int
	TXT       map[string]string
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Advertise registers instance under Service on all interfaces. txt entries
// are published as key=value pairs in sorted key order.
func Advertise(instance string, port int, txt map[string]string) (*Advertisement, error) {
	if instance == "" {
		return nil, fmt.Errorf("mdns: instance name is required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mdns: invalid port %d", port)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, encodeTXT(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertisement{server: server}, nil
}

// Discover performs a blocking mDNS browse for iqstream senders until
// timeout elapses or ctx ends. It returns cleaned and deduplicated entries.
func Discover(ctx context.Context, timeout time.Duration) ([]Stream, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Stream)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				s := entryToStream(e)
				resultMap[fmt.Sprintf("%s|%d", s.Hostname, s.Port)] = s
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Stream, 0, len(resultMap))
	for _, s := range resultMap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func entryToStream(e *zeroconf.ServiceEntry) Stream {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Stream{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       decodeTXT(e.Text),
	}
}

func encodeTXT(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+txt[k])
	}
	return out
}

func decodeTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
