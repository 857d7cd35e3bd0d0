package probe

import (
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
)

type arpClient struct {
	c *arp.Client
}

// DialARP opens a raw ARP socket bound to the named interface.
func DialARP(ifname string) (ARPClient, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("arp: lookup %s: %w", ifname, err)
	}
	c, err := arp.Dial(ifi)
	if err != nil {
		return nil, fmt.Errorf("arp: dial %s: %w", ifname, err)
	}
	return &arpClient{c: c}, nil
}

func (a *arpClient) Transmit(p ARPPacket) error {
	dst := ethernet.Broadcast
	targetHW := p.TargetMAC
	if len(targetHW) == 0 {
		targetHW = make(net.HardwareAddr, len(p.SenderMAC))
	} else if !isBroadcast(targetHW) {
		dst = targetHW
	}

	pkt, err := arp.NewPacket(arp.Operation(p.Operation), p.SenderMAC, p.SenderIP, targetHW, p.TargetIP)
	if err != nil {
		return fmt.Errorf("arp: build packet: %w", err)
	}
	if err := a.c.WriteTo(pkt, dst); err != nil {
		return fmt.Errorf("arp: transmit: %w", err)
	}
	return nil
}

func (a *arpClient) Receive() (ARPPacket, error) {
	pkt, _, err := a.c.Read()
	if err != nil {
		return ARPPacket{}, err
	}
	return ARPPacket{
		Operation: ARPOperation(pkt.Operation),
		SenderMAC: pkt.SenderHardwareAddr,
		SenderIP:  pkt.SenderIP,
		TargetMAC: pkt.TargetHardwareAddr,
		TargetIP:  pkt.TargetIP,
	}, nil
}

func (a *arpClient) SetReadDeadline(t time.Time) error { return a.c.SetReadDeadline(t) }

func (a *arpClient) Close() error { return a.c.Close() }

func isBroadcast(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0xff {
			return false
		}
	}
	return true
}
