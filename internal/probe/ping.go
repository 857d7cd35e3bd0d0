package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	DefaultPingCount    = 3
	DefaultPingInterval = time.Second
	DefaultPingTimeout  = 3 * time.Second
)

type PingConfig struct {
	Count    int
	Interval time.Duration
	Timeout  time.Duration
}

// ICMPPinger opens a fresh socket per session so parallel sessions never
// share state.
type ICMPPinger struct {
	cfg PingConfig
}

func NewICMPPinger(cfg PingConfig) *ICMPPinger {
	if cfg.Count <= 0 {
		cfg.Count = DefaultPingCount
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPingInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPingTimeout
	}
	return &ICMPPinger{cfg: cfg}
}

type echoSocket struct {
	conn       *icmp.PacketConn
	datagram   bool
	proto      int
	echo       icmp.Type
	echoReply  icmp.Type
	remoteAddr net.Addr
}

func openEchoSocket(addr netip.Addr) (*echoSocket, error) {
	s := &echoSocket{}
	network, dgram, listen := "ip4:icmp", "udp4", "0.0.0.0"
	s.proto, s.echo, s.echoReply = ipv4.ICMPTypeEchoReply.Protocol(), ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	if addr.Is6() {
		network, dgram, listen = "ip6:ipv6-icmp", "udp6", "::"
		s.proto, s.echo, s.echoReply = ipv6.ICMPTypeEchoReply.Protocol(), ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil && errors.Is(err, os.ErrPermission) {
		// Unprivileged datagram sockets work when ping_group_range allows it.
		conn, err = icmp.ListenPacket(dgram, listen)
		s.datagram = err == nil
	}
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("icmp listen requires root or CAP_NET_RAW: %w", err)
		}
		return nil, fmt.Errorf("icmp listen: %w", err)
	}
	s.conn = conn

	ip := net.IP(addr.AsSlice())
	if s.datagram {
		s.remoteAddr = &net.UDPAddr{IP: ip, Zone: addr.Zone()}
	} else {
		s.remoteAddr = &net.IPAddr{IP: ip, Zone: addr.Zone()}
	}
	return s, nil
}

func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr) ([]time.Duration, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("ping: invalid address")
	}
	sock, err := openEchoSocket(addr)
	if err != nil {
		return nil, err
	}
	defer sock.conn.Close()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = sock.conn.SetReadDeadline(time.Now()) })
	defer stop()

	count := p.cfg.Count
	if count <= 0 {
		count = 1
	}
	var mu sync.Mutex
	rtts := make([]time.Duration, count)
	sentAt := make([]time.Time, count)
	id := rand.IntN(0xffff)
	payload := []byte("linkdiag")

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		received := 0
		for received < count {
			n, peer, err := sock.conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if !sameHost(peer, addr) {
				continue
			}
			msg, err := icmp.ParseMessage(sock.proto, buf[:n])
			if err != nil || msg.Type != sock.echoReply {
				continue
			}
			echo, ok := msg.Body.(*icmp.Echo)
			// Datagram sockets rewrite the identifier; the kernel already
			// demultiplexes replies for them.
			if !ok || (!sock.datagram && echo.ID != id) {
				continue
			}
			mu.Lock()
			seq := echo.Seq
			if seq >= 0 && seq < count && !sentAt[seq].IsZero() && rtts[seq] == 0 {
				rtts[seq] = time.Since(sentAt[seq])
				received++
			}
			mu.Unlock()
		}
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
send:
	for seq := 0; seq < count; seq++ {
		if seq > 0 {
			select {
			case <-ctx.Done():
				break send
			case <-ticker.C:
			}
		}

		msg := icmp.Message{
			Type: sock.echo,
			Code: 0,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: payload},
		}
		b, err := msg.Marshal(nil)
		if err != nil {
			return nil, fmt.Errorf("icmp marshal: %w", err)
		}
		mu.Lock()
		sentAt[seq] = time.Now()
		mu.Unlock()
		if _, err := sock.conn.WriteTo(b, sock.remoteAddr); err != nil && seq == 0 {
			return nil, fmt.Errorf("icmp send to %s: %w", addr, err)
		}
	}

	<-done
	mu.Lock()
	defer mu.Unlock()
	return append([]time.Duration(nil), rtts...), nil
}

func sameHost(peer net.Addr, addr netip.Addr) bool {
	var ip net.IP
	switch v := peer.(type) {
	case *net.IPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	default:
		return false
	}
	got, ok := netip.AddrFromSlice(ip)
	return ok && got.Unmap() == addr.Unmap().WithZone("")
}
