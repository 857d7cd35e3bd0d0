package netinfo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
)

// Netlink answers routing and neighbor queries from the kernel.
type Netlink struct{}

func NewNetlink() *Netlink { return &Netlink{} }

func (n *Netlink) RouteToHost(ctx context.Context, addr netip.Addr, ifindex int) (Route, error) {
	type answer struct {
		route Route
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		route, err := routeGet(addr, ifindex)
		ch <- answer{route, err}
	}()

	select {
	case <-ctx.Done():
		return Route{}, ctx.Err()
	case a := <-ch:
		return a.route, a.err
	}
}

func routeGet(addr netip.Addr, ifindex int) (Route, error) {
	routes, err := netlink.RouteGet(net.IP(addr.AsSlice()))
	if err != nil {
		if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
			return Route{}, fmt.Errorf("%s: %w", addr, ErrNoRoute)
		}
		return Route{}, fmt.Errorf("route get %s: %w", addr, err)
	}

	for _, r := range routes {
		if r.LinkIndex != ifindex {
			continue
		}
		out := Route{InterfaceIndex: r.LinkIndex, Dst: netip.PrefixFrom(addr, addr.BitLen())}
		if r.Dst != nil {
			if p, ok := prefixFromIPNet(r.Dst); ok {
				out.Dst = p
			}
		}
		if gw, ok := netip.AddrFromSlice(r.Gw); ok {
			out.Gateway = gw.Unmap()
		}
		return out, nil
	}

	return Route{}, fmt.Errorf("%s via interface %d: %w", addr, ifindex, ErrNoRoute)
}

func (n *Netlink) MACAddress(ifindex int) (net.HardwareAddr, error) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("link %d: %w", ifindex, err)
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 {
		return nil, fmt.Errorf("link %d has no hardware address", ifindex)
	}
	return mac, nil
}

func (n *Netlink) Neighbor(ctx context.Context, ifindex int, addr netip.Addr) (Neighbor, error) {
	type answer struct {
		neigh Neighbor
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		neigh, err := neighborLookup(ifindex, addr)
		ch <- answer{neigh, err}
	}()

	select {
	case <-ctx.Done():
		return Neighbor{}, ctx.Err()
	case a := <-ch:
		return a.neigh, a.err
	}
}

func neighborLookup(ifindex int, addr netip.Addr) (Neighbor, error) {
	family := netlink.FAMILY_V4
	if addr.Is6() {
		family = netlink.FAMILY_V6
	}
	neighs, err := netlink.NeighList(ifindex, family)
	if err != nil {
		return Neighbor{}, fmt.Errorf("neighbor dump: %w", err)
	}
	for _, nb := range neighs {
		ip, ok := netip.AddrFromSlice(nb.IP)
		if !ok || ip.Unmap() != addr.WithZone("") {
			continue
		}
		return Neighbor{Addr: addr, MAC: nb.HardwareAddr, State: nb.State}, nil
	}
	return Neighbor{}, fmt.Errorf("%s: %w", addr, ErrNoNeighbor)
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}
