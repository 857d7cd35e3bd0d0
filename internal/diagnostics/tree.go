package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/portal"
	"github.com/iaserrat/linkdiag/internal/probe"
)

type state int

const (
	stateResolveTarget state = iota
	statePingDNSServers
	statePingHost
	stateFindRoute
	stateArpLookup
	stateNeighborLookup
	stateIPCollision
	stateDone
)

var stateNames = [...]string{
	"resolve_target",
	"ping_dns_servers",
	"ping_host",
	"find_route",
	"arp_lookup",
	"neighbor_lookup",
	"ip_collision",
	"done",
}

func (s state) String() string { return stateNames[s] }

// maxHops bounds the number of transitions in one run. The longest path
// through the tree is well below it.
const maxHops = 32

var transitions = map[state]func(*run, context.Context){
	stateResolveTarget:  (*run).resolveTarget,
	statePingDNSServers: (*run).pingDNSServers,
	statePingHost:       (*run).pingHost,
	stateFindRoute:      (*run).findRoute,
	stateArpLookup:      (*run).arpLookup,
	stateNeighborLookup: (*run).neighborLookup,
	stateIPCollision:    (*run).checkIPCollision,
}

// run holds the state of one walk through the tree.
type run struct {
	d      *Diagnostics
	target *url.URL

	state  state
	issue  Issue
	events []Event

	// servers is the DNS server list for the next resolution.
	servers     []string
	dnsAttempts int
	// addr is the subject of the next ping, route, or table lookup.
	addr     netip.Addr
	gateways map[netip.Addr]bool
	pinged   map[netip.Addr]bool
}

func (d *Diagnostics) newRun(target *url.URL) *run {
	gateways := make(map[netip.Addr]bool)
	if d.conn.Gateway.IsValid() {
		gateways[d.conn.Gateway] = true
	}
	return &run{
		d:        d,
		target:   target,
		gateways: gateways,
		pinged:   make(map[netip.Addr]bool),
	}
}

func (r *run) add(t EventType, p Phase, res Result, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	r.events = append(r.events, Event{Type: t, Phase: p, Result: res, Message: msg})
}

func (r *run) next(s state) { r.state = s }

func (r *run) finish(issue Issue) {
	r.issue = issue
	r.state = stateDone
}

// previousEventMatches reports whether the event numEventsAgo before the
// latest one has the given type, phase and result.
func (r *run) previousEventMatches(t EventType, p Phase, res Result, numEventsAgo int) bool {
	idx := len(r.events) - 1 - numEventsAgo
	if idx < 0 {
		return false
	}
	e := r.events[idx]
	return e.Type == t && e.Phase == p && e.Result == res
}

func (r *run) logger() *slog.Logger { return r.d.logger }

func (r *run) isGateway(addr netip.Addr) bool { return r.gateways[addr] }

// walk enters the tree with a portal detection result and follows
// transitions until a terminal issue is reached.
func (r *run) walk(ctx context.Context, res portal.Result) *run {
	r.enter(res)
	for hops := 0; r.state != stateDone; hops++ {
		if hops >= maxHops {
			r.logger().Error("diagnostics exceeded hop limit", slog.String("state", r.state.String()))
			r.finish(IssueInternalError)
			break
		}
		if err := ctx.Err(); err != nil {
			r.finish(IssueInternalError)
			break
		}
		r.logger().Debug("diagnostics step", slog.String("state", r.state.String()))
		transitions[r.state](r, ctx)
	}
	return r
}

func resultFromStatus(s portal.Status) Result {
	switch s {
	case portal.StatusSuccess:
		return ResultSuccess
	case portal.StatusTimeout:
		return ResultTimeout
	default:
		return ResultFailure
	}
}

func (r *run) enter(res portal.Result) {
	result := resultFromStatus(res.Trial.Status)
	switch res.Trial.Phase {
	case portal.PhaseContent:
		r.add(EventPortalDetection, PhaseEndContent, result, "")
		switch res.Trial.Status {
		case portal.StatusSuccess:
			r.finish(IssueNone)
		case portal.StatusTimeout:
			r.finish(IssueHTTPBrokenPortal)
		default:
			r.finish(IssueCaptivePortal)
		}
	case portal.PhaseDNS:
		r.add(EventPortalDetection, PhaseEndDNS, result, "")
		switch res.Trial.Status {
		case portal.StatusSuccess:
			r.logger().Error("portal detection cannot succeed in the DNS phase")
			r.finish(IssueInternalError)
		case portal.StatusTimeout:
			// Portal detection already spent one resolution of the host.
			r.dnsAttempts = 1
			r.next(statePingDNSServers)
		default:
			r.finish(IssueDNSServerMisconfig)
		}
	default:
		r.add(EventPortalDetection, PhaseEndOther, result, "")
		if res.Trial.Status == portal.StatusSuccess {
			r.logger().Error("portal detection cannot succeed before the content phase",
				slog.String("phase", res.Trial.Phase.String()))
			r.finish(IssueInternalError)
			return
		}
		r.servers = r.d.conn.DNSServers
		r.next(stateResolveTarget)
	}
}

func (r *run) resolveTarget(ctx context.Context) {
	if len(r.servers) == 0 {
		r.add(EventResolveTargetServerIP, PhaseStart, ResultFailure, "No DNS servers for this connection")
		r.finish(IssueNoDNSServersConfigured)
		return
	}

	host := r.target.Hostname()
	r.add(EventResolveTargetServerIP, PhaseStart, ResultSuccess, "Attempt #%d", r.dnsAttempts)
	r.dnsAttempts++

	qctx, cancel := context.WithTimeout(ctx, r.d.cfg.DNSTimeout)
	addr, err := r.d.deps.Resolver.Resolve(qctx, host, r.servers)
	cancel()

	switch {
	case err == nil:
		r.add(EventResolveTargetServerIP, PhaseEnd, ResultSuccess, "Target address is %s", addr)
		r.addr = addr
		r.next(statePingHost)
	case probe.IsTimeout(err):
		r.add(EventResolveTargetServerIP, PhaseEnd, ResultTimeout, "DNS resolution timed out: %v", err)
		// The resolve end and start sit between this check and the end of
		// the DNS server ping that led here.
		if r.dnsAttempts >= r.d.cfg.MaxDNSRetries &&
			r.previousEventMatches(EventPingDNSServers, PhaseEnd, ResultSuccess, 2) {
			r.finish(IssueDNSServerNoResponse)
			return
		}
		r.next(statePingDNSServers)
	default:
		r.add(EventResolveTargetServerIP, PhaseEnd, ResultFailure, "DNS resolution failed: %v", err)
		r.finish(IssueDNSServerMisconfig)
	}
}

func (r *run) pingDNSServers(ctx context.Context) {
	servers := r.d.conn.DNSServers
	if len(servers) == 0 {
		r.add(EventPingDNSServers, PhaseStart, ResultFailure, "No DNS servers for this connection")
		r.finish(IssueNoDNSServersConfigured)
		return
	}

	addrs := make([]netip.Addr, len(servers))
	valid := 0
	for i, s := range servers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			r.logger().Warn("could not parse DNS server address", slog.String("server", s))
			continue
		}
		addrs[i] = a
		valid++
	}
	if valid == 0 {
		r.add(EventPingDNSServers, PhaseStart, ResultFailure, "Could not start ping for any of the given DNS servers")
		r.finish(IssueDNSServersInvalid)
		return
	}

	r.add(EventPingDNSServers, PhaseStart, ResultSuccess, "")

	replied := make([]bool, len(servers))
	started := make([]bool, len(servers))
	var g errgroup.Group
	for i, a := range addrs {
		if !a.IsValid() {
			continue
		}
		g.Go(func() error {
			rtts, err := r.d.deps.Pinger.Ping(ctx, a)
			if err != nil {
				r.logger().Warn("failed to ping DNS server", slog.String("server", a.String()), slog.Any("err", err))
				return nil
			}
			started[i] = true
			replied[i] = probe.AnyRepliesReceived(rtts)
			return nil
		})
	}
	_ = g.Wait()

	var pingable []string
	numStarted := 0
	for i := range servers {
		if started[i] {
			numStarted++
		}
		if replied[i] {
			pingable = append(pingable, servers[i])
		}
	}

	switch {
	case numStarted == 0:
		r.add(EventPingDNSServers, PhaseEnd, ResultFailure, "Could not start ping for any of the given DNS servers")
		r.finish(IssueInternalError)
		return
	case len(pingable) == 0:
		r.add(EventPingDNSServers, PhaseEnd, ResultFailure, "No DNS servers responded to pings")
		r.finish(IssueDNSServerNoResponse)
		return
	case len(pingable) != len(servers):
		r.add(EventPingDNSServers, PhaseEnd, ResultSuccess, "Pinged some, but not all, DNS servers successfully")
	default:
		r.add(EventPingDNSServers, PhaseEnd, ResultSuccess, "Pinged all DNS servers successfully")
	}

	if r.dnsAttempts >= r.d.cfg.MaxDNSRetries {
		r.logger().Debug("max DNS resolution attempts reached", slog.Int("attempts", r.dnsAttempts))
		r.finish(IssueDNSServerNoResponse)
		return
	}
	r.servers = pingable
	r.next(stateResolveTarget)
}

func formatLatencies(addr netip.Addr, rtts []time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination: %s,  Latencies: ", addr)
	for _, rtt := range rtts {
		if rtt == 0 {
			b.WriteString("NA ")
			continue
		}
		fmt.Fprintf(&b, "%4.2fms ", float64(rtt)/float64(time.Millisecond))
	}
	return b.String()
}

func (r *run) pingHost(ctx context.Context) {
	addr := r.addr
	eventType := EventPingTargetServer
	if r.isGateway(addr) {
		eventType = EventPingGateway
	}
	r.pinged[addr] = true

	rtts, err := r.d.deps.Pinger.Ping(ctx, addr)
	if err != nil {
		r.add(eventType, PhaseStart, ResultFailure, "Failed to start ICMP session with %s", addr)
		r.finish(IssueInternalError)
		return
	}
	r.add(eventType, PhaseStart, ResultSuccess, "Pinging %s", addr)

	if probe.PacketLossPercentage(rtts) > 50 {
		r.logger().Warn("high packet loss", slog.String("addr", addr.String()),
			slog.Int("loss_pct", probe.PacketLossPercentage(rtts)))
	}

	if probe.AnyRepliesReceived(rtts) {
		r.add(eventType, PhaseEnd, ResultSuccess, "%s", formatLatencies(addr, rtts))
		if eventType == EventPingGateway {
			r.finish(IssueGatewayUpstream)
		} else {
			r.finish(IssueHTTPBrokenPortal)
		}
		return
	}
	r.add(eventType, PhaseEnd, ResultFailure, "%s", formatLatencies(addr, rtts))
	r.next(stateFindRoute)
}

func (r *run) findRoute(ctx context.Context) {
	addr := r.addr
	qctx, cancel := context.WithTimeout(ctx, r.d.cfg.RouteQueryTimeout)
	route, err := r.d.deps.Routes.RouteToHost(qctx, addr, r.d.conn.InterfaceIndex)
	cancel()

	if err != nil {
		if errors.Is(err, netinfo.ErrNoRoute) || probe.IsTimeout(err) {
			r.add(EventFindRoute, PhaseStart, ResultSuccess, "Requesting route to %s", addr)
			r.add(EventFindRoute, PhaseEnd, ResultFailure, "%v", err)
			r.finish(IssueRouting)
			return
		}
		r.add(EventFindRoute, PhaseStart, ResultFailure, "Could not request route to %s: %v", addr, err)
		r.finish(IssueInternalError)
		return
	}

	r.add(EventFindRoute, PhaseStart, ResultSuccess, "Requesting route to %s", addr)
	if !route.OnLink() {
		r.add(EventFindRoute, PhaseEnd, ResultSuccess, "Found route to %s (remote via %s)", addr, route.Gateway)
		if r.pinged[route.Gateway] {
			r.logger().Info("route points back at an address already pinged", slog.String("gateway", route.Gateway.String()))
			r.finish(IssueRouting)
			return
		}
		r.gateways[route.Gateway] = true
		r.addr = route.Gateway
		r.next(statePingHost)
		return
	}

	r.add(EventFindRoute, PhaseEnd, ResultSuccess, "Found route to %s (local)", addr)
	if addr.Is4() || addr.Is4In6() {
		r.addr = addr.Unmap()
		r.next(stateArpLookup)
		return
	}
	r.next(stateNeighborLookup)
}

func (r *run) lookupNeighbor(ctx context.Context, addr netip.Addr) (netinfo.Neighbor, error) {
	qctx, cancel := context.WithTimeout(ctx, r.d.cfg.NeighborTimeout)
	defer cancel()
	return r.d.deps.Devices.Neighbor(qctx, r.d.conn.InterfaceIndex, addr)
}

func (r *run) arpLookup(ctx context.Context) {
	addr := r.addr
	if !addr.Is4() {
		r.add(EventArpTableLookup, PhaseStart, ResultFailure, "%s is not an IPv4 address", addr)
		r.finish(IssueInternalError)
		return
	}

	r.add(EventArpTableLookup, PhaseStart, ResultSuccess, "Finding ARP table entry for %s", addr)
	n, err := r.lookupNeighbor(ctx, addr)
	gateway := r.isGateway(addr)
	switch {
	case err == nil && n.Connected():
		r.add(EventArpTableLookup, PhaseEnd, ResultSuccess, "Found ARP table entry for %s", addr)
		r.finish(pick(gateway, IssueGatewayNotResponding, IssueServerNotResponding))
	case err == nil:
		r.add(EventArpTableLookup, PhaseEnd, ResultFailure,
			"ARP table entry for %s is not in a connected state (actual state = 0x%02x)", addr, n.State)
		r.finish(pick(gateway, IssueGatewayNeighborEntryNotConnected, IssueServerNeighborEntryNotConnected))
	case errors.Is(err, netinfo.ErrNoNeighbor) || probe.IsTimeout(err):
		r.add(EventArpTableLookup, PhaseEnd, ResultFailure, "Could not find ARP table entry for %s", addr)
		if gateway {
			r.next(stateIPCollision)
			return
		}
		r.finish(IssueServerArpFailed)
	default:
		r.add(EventArpTableLookup, PhaseEnd, ResultFailure, "ARP table lookup failed: %v", err)
		r.finish(IssueInternalError)
	}
}

func (r *run) neighborLookup(ctx context.Context) {
	addr := r.addr
	if !addr.Is6() || addr.Is4In6() {
		r.add(EventNeighborTableLookup, PhaseStart, ResultFailure, "%s is not an IPv6 address", addr)
		r.finish(IssueInternalError)
		return
	}

	r.add(EventNeighborTableLookup, PhaseStart, ResultSuccess, "Finding neighbor table entry for %s", addr)
	n, err := r.lookupNeighbor(ctx, addr)
	gateway := r.isGateway(addr)
	switch {
	case err == nil && n.Connected():
		r.add(EventNeighborTableLookup, PhaseEnd, ResultSuccess, "Neighbor table entry found for %s", addr)
		r.finish(pick(gateway, IssueGatewayNotResponding, IssueServerNotResponding))
	case err == nil:
		r.add(EventNeighborTableLookup, PhaseEnd, ResultFailure,
			"Neighbor table entry for %s is not in a connected state (actual state = 0x%02x)", addr, n.State)
		r.finish(pick(gateway, IssueGatewayNeighborEntryNotConnected, IssueServerNeighborEntryNotConnected))
	case errors.Is(err, netinfo.ErrNoNeighbor) || probe.IsTimeout(err):
		r.add(EventNeighborTableLookup, PhaseEnd, ResultFailure, "Failed to find neighbor table entry for %s", addr)
		r.finish(pick(gateway, IssueGatewayNoNeighborEntry, IssueServerNoNeighborEntry))
	default:
		r.add(EventNeighborTableLookup, PhaseEnd, ResultFailure, "Neighbor table lookup failed: %v", err)
		r.finish(IssueInternalError)
	}
}

// checkIPCollision asks who owns our own address. Silence cannot tell an
// absent gateway from a link layer problem, so it ends in an ARP failure.
func (r *run) checkIPCollision(ctx context.Context) {
	conn := r.d.conn
	local := conn.LocalAddr()
	mac, err := r.d.deps.Devices.MACAddress(conn.InterfaceIndex)
	if err != nil || len(mac) == 0 || !local.IsValid() {
		r.add(EventIPCollisionCheck, PhaseStart, ResultFailure, "Could not get local MAC address")
		r.finish(IssueInternalError)
		return
	}

	client, err := r.d.deps.DialARP(conn.InterfaceName)
	if err != nil {
		r.logger().Error("failed to start ARP client", slog.Any("err", err))
		r.add(EventIPCollisionCheck, PhaseStart, ResultFailure, "Failed to start ARP client")
		r.finish(IssueInternalError)
		return
	}
	defer client.Close()

	request := probe.ARPPacket{
		Operation: probe.ARPRequest,
		SenderMAC: mac,
		SenderIP:  local,
		TargetIP:  local,
	}
	if err := client.Transmit(request); err != nil {
		r.logger().Error("failed to send ARP request", slog.Any("err", err))
		r.add(EventIPCollisionCheck, PhaseStart, ResultFailure, "Failed to send ARP request")
		r.finish(IssueInternalError)
		return
	}
	r.add(EventIPCollisionCheck, PhaseStart, ResultSuccess, "")

	if err := client.SetReadDeadline(time.Now().Add(r.d.cfg.ARPReplyTimeout)); err != nil {
		r.logger().Warn("failed to set ARP read deadline", slog.Any("err", err))
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	for {
		p, err := client.Receive()
		if err != nil {
			break
		}
		if !p.IsReply() || p.TargetIP != local || !bytes.Equal(p.TargetMAC, mac) {
			continue
		}
		if p.SenderIP == local {
			r.add(EventIPCollisionCheck, PhaseEnd, ResultSuccess, "IP collision found")
			r.finish(IssueIPCollision)
			return
		}
	}

	r.add(EventIPCollisionCheck, PhaseEnd, ResultFailure, "No IP collision found")
	r.finish(pick(r.isGateway(r.addr), IssueGatewayArpFailed, IssueServerArpFailed))
}

func pick(gateway bool, ifGateway, ifServer Issue) Issue {
	if gateway {
		return ifGateway
	}
	return ifServer
}
