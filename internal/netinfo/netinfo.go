package netinfo

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

var (
	ErrNoRoute    = errors.New("netinfo: no route to host")
	ErrNoNeighbor = errors.New("netinfo: no neighbor entry")
)

// Connection is the layer 3 view of one interface.
type Connection struct {
	InterfaceName  string
	InterfaceIndex int
	Local          netip.Prefix
	LocalMAC       net.HardwareAddr
	Gateway        netip.Addr
	DNSServers     []string
	IsDefault      bool
}

func (c *Connection) IsIPv6() bool { return c.Local.Addr().Is6() }

func (c *Connection) LocalAddr() netip.Addr { return c.Local.Addr() }

// Route is the kernel's answer for a single destination. An invalid or
// unspecified Gateway means the destination is on-link.
type Route struct {
	InterfaceIndex int
	Dst            netip.Prefix
	Gateway        netip.Addr
}

func (r Route) OnLink() bool { return !r.Gateway.IsValid() || r.Gateway.IsUnspecified() }

// Neighbor state bits, as in the kernel's NUD_* values.
const (
	NUDIncomplete = 0x01
	NUDReachable  = 0x02
	NUDStale      = 0x04
	NUDDelay      = 0x08
	NUDProbe      = 0x10
	NUDFailed     = 0x20
	NUDNoARP      = 0x40
	NUDPermanent  = 0x80
)

type Neighbor struct {
	Addr  netip.Addr
	MAC   net.HardwareAddr
	State int
}

// Connected reports whether the entry proves the neighbor answered recently
// or never needs to.
func (n Neighbor) Connected() bool {
	return n.State&(NUDPermanent|NUDNoARP|NUDReachable) != 0
}

type RoutingTable interface {
	RouteToHost(ctx context.Context, addr netip.Addr, ifindex int) (Route, error)
}

type DeviceInfo interface {
	MACAddress(ifindex int) (net.HardwareAddr, error)
	Neighbor(ctx context.Context, ifindex int, addr netip.Addr) (Neighbor, error)
}
