package mdns

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestCleanInstance(t *testing.T) {
	if got := cleanInstance(`iqstream\ on\ rig`); got != "iqstream on rig" {
		t.Fatalf("unexpected instance %q", got)
	}
}

func TestTXTRoundTrip(t *testing.T) {
	txt := map[string]string{"stream": "abc", "rate": "2048000", "format": "cf32le"}
	records := encodeTXT(txt)
	if len(records) != 3 || records[0] != "format=cf32le" {
		t.Fatalf("expected sorted records, got %v", records)
	}
	got := decodeTXT(append(records, "flag", "=empty"))
	if got["rate"] != "2048000" || got["stream"] != "abc" {
		t.Fatalf("unexpected decode %v", got)
	}
	if v, ok := got["flag"]; !ok || v != "" {
		t.Fatalf("expected bare key to decode with empty value")
	}
	if _, ok := got[""]; ok {
		t.Fatalf("empty key must be skipped")
	}
}

func TestEntryToStream(t *testing.T) {
	e := zeroconf.NewServiceEntry(`iqstream\ on\ rig`, Service, Domain)
	e.HostName = "rig.local."
	e.Port = 5000
	e.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 10)}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.Text = []string{"stream=abc"}

	s := entryToStream(e)
	if s.Instance != "iqstream on rig" || s.Port != 5000 || len(s.Addresses) != 2 {
		t.Fatalf("unexpected stream %+v", s)
	}
	if s.TXT["stream"] != "abc" {
		t.Fatalf("unexpected txt %v", s.TXT)
	}
}

func TestAdvertiseValidates(t *testing.T) {
	if _, err := Advertise("", 5000, nil); err == nil {
		t.Fatal("expected error for empty instance")
	}
	if _, err := Advertise("x", 0, nil); err == nil {
		t.Fatal("expected error for invalid port")
	}
	var a *Advertisement
	a.Shutdown()
}
