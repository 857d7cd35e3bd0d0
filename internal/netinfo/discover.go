package netinfo

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/vishvananda/netlink"
)

const DefaultResolvConf = "/etc/resolv.conf"

// Discover builds a Connection for the named interface from the kernel's
// address and route tables and the resolver configuration file.
func Discover(ifname, resolvConf string) (*Connection, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", ifname, err)
	}
	attrs := link.Attrs()
	conn := &Connection{
		InterfaceName:  attrs.Name,
		InterfaceIndex: attrs.Index,
		LocalMAC:       attrs.HardwareAddr,
	}

	family := netlink.FAMILY_V4
	local, err := firstGlobalAddr(link, netlink.FAMILY_V4)
	if err != nil {
		family = netlink.FAMILY_V6
		local, err = firstGlobalAddr(link, netlink.FAMILY_V6)
		if err != nil {
			return nil, fmt.Errorf("link %s has no usable address", ifname)
		}
	}
	conn.Local = local

	gw, isDefault, err := defaultGateway(attrs.Index, family)
	if err != nil {
		return nil, err
	}
	conn.Gateway = gw
	conn.IsDefault = isDefault

	if resolvConf != "" {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConf, err)
		}
		conn.DNSServers = append(conn.DNSServers, cc.Servers...)
	}

	return conn, nil
}

func firstGlobalAddr(link netlink.Link, family int) (netip.Prefix, error) {
	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return netip.Prefix{}, err
	}
	for _, a := range addrs {
		if a.IPNet == nil || !a.IP.IsGlobalUnicast() {
			continue
		}
		if p, ok := prefixFromIPNet(a.IPNet); ok {
			return p, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("no global address")
}

// defaultGateway returns the gateway of the default route on the link, and
// whether that route has the lowest metric among all default routes.
func defaultGateway(ifindex, family int) (netip.Addr, bool, error) {
	routes, err := netlink.RouteList(nil, family)
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("route list: %w", err)
	}

	var (
		gw         netip.Addr
		ourMetric  = -1
		bestMetric = -1
	)
	for _, r := range routes {
		if !isDefaultDst(r.Dst) || r.Gw == nil {
			continue
		}
		if bestMetric < 0 || r.Priority < bestMetric {
			bestMetric = r.Priority
		}
		if r.LinkIndex != ifindex {
			continue
		}
		if ourMetric < 0 || r.Priority < ourMetric {
			ourMetric = r.Priority
			if a, ok := netip.AddrFromSlice(r.Gw); ok {
				gw = a.Unmap()
			}
		}
	}

	return gw, ourMetric >= 0 && ourMetric == bestMetric, nil
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}
