package probe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

var (
	ErrTimeout   = errors.New("probe: timed out")
	ErrNoServers = errors.New("probe: no servers given")
	ErrNoAnswer  = errors.New("probe: no address in answer")
)

// Resolver looks up a host name through an explicit list of servers.
type Resolver interface {
	Resolve(ctx context.Context, host string, servers []string) (netip.Addr, error)
}

// Pinger runs one echo session. The returned slice holds one entry per
// request sent; a zero duration marks a request that got no reply. An error
// means the session could not be started at all.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) ([]time.Duration, error)
}

func AnyRepliesReceived(rtts []time.Duration) bool {
	for _, rtt := range rtts {
		if rtt > 0 {
			return true
		}
	}
	return false
}

func PacketLossPercentage(rtts []time.Duration) int {
	if len(rtts) == 0 {
		return 100
	}
	lost := 0
	for _, rtt := range rtts {
		if rtt == 0 {
			lost++
		}
	}
	return lost * 100 / len(rtts)
}

type ARPOperation uint16

const (
	ARPRequest ARPOperation = 1
	ARPReply   ARPOperation = 2
)

// ARPPacket uses sender/target in the RFC 826 sense. A nil TargetMAC on a
// request means the frame is broadcast.
type ARPPacket struct {
	Operation ARPOperation
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

func (p ARPPacket) IsReply() bool { return p.Operation == ARPReply }

type ARPClient interface {
	Transmit(p ARPPacket) error
	// Receive blocks until a packet arrives, the read deadline passes, or
	// the client is closed.
	Receive() (ARPPacket, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type ARPDialer func(ifname string) (ARPClient, error)

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTimeout reports whether err came from a probe running out of time.
func IsTimeout(err error) bool { return isTimeout(err) }
