package netinfo

import (
	"net"
	"net/netip"
	"testing"
)

func TestNeighborConnected(t *testing.T) {
	cases := []struct {
		state int
		want  bool
	}{
		{NUDReachable, true},
		{NUDPermanent, true},
		{NUDNoARP, true},
		{NUDStale, false},
		{NUDFailed, false},
		{NUDIncomplete | NUDProbe, false},
	}
	for _, c := range cases {
		if got := (Neighbor{State: c.state}).Connected(); got != c.want {
			t.Fatalf("state 0x%02x: expected %v, got %v", c.state, c.want, got)
		}
	}
}

func TestRouteOnLink(t *testing.T) {
	if !(Route{}).OnLink() {
		t.Fatalf("route without gateway should be on-link")
	}
	if !(Route{Gateway: netip.IPv4Unspecified()}).OnLink() {
		t.Fatalf("unspecified gateway should be on-link")
	}
	if (Route{Gateway: netip.MustParseAddr("192.168.1.1")}).OnLink() {
		t.Fatalf("route via gateway reported on-link")
	}
}

func TestConnectionFamily(t *testing.T) {
	c := &Connection{Local: netip.MustParsePrefix("2001:db8::5/64")}
	if !c.IsIPv6() {
		t.Fatalf("expected IPv6 connection")
	}
	c.Local = netip.MustParsePrefix("192.168.1.5/24")
	if c.IsIPv6() || c.LocalAddr() != netip.MustParseAddr("192.168.1.5") {
		t.Fatalf("unexpected local address %s", c.LocalAddr())
	}
}

func TestPrefixFromIPNet(t *testing.T) {
	_, n, _ := net.ParseCIDR("10.1.0.0/16")
	p, ok := prefixFromIPNet(n)
	if !ok || p != netip.MustParsePrefix("10.1.0.0/16") {
		t.Fatalf("unexpected prefix %s", p)
	}
	if !isDefaultDst(nil) {
		t.Fatalf("nil destination is the default route")
	}
	_, zero, _ := net.ParseCIDR("0.0.0.0/0")
	if !isDefaultDst(zero) || isDefaultDst(n) {
		t.Fatalf("default destination detection is wrong")
	}
}
