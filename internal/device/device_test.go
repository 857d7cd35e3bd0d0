package device

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/iaserrat/linkdiag/internal/diagnostics"
	"github.com/iaserrat/linkdiag/internal/linkmon"
	"github.com/iaserrat/linkdiag/internal/logging"
	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/outage"
	"github.com/iaserrat/linkdiag/internal/portal"
	"github.com/iaserrat/linkdiag/internal/probe"
)

const dnsServer = "192.0.2.53"

type fakeResolver struct {
	mu    sync.Mutex
	addr  netip.Addr
	err   error
	calls [][]string
}

func (f *fakeResolver) Resolve(ctx context.Context, host string, servers []string) (netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), servers...))
	return f.addr, f.err
}

type fakePinger struct{}

func (fakePinger) Ping(ctx context.Context, addr netip.Addr) ([]time.Duration, error) {
	return []time.Duration{10 * time.Millisecond, 0, 0}, nil
}

type fakeRoutes struct{}

func (fakeRoutes) RouteToHost(ctx context.Context, addr netip.Addr, ifindex int) (netinfo.Route, error) {
	return netinfo.Route{}, netinfo.ErrNoRoute
}

type fakeDevices struct{}

func (fakeDevices) MACAddress(ifindex int) (net.HardwareAddr, error) {
	return net.HardwareAddr{0x02, 0, 0, 0, 0, 0x10}, nil
}

func (fakeDevices) Neighbor(ctx context.Context, ifindex int, addr netip.Addr) (netinfo.Neighbor, error) {
	return netinfo.Neighbor{}, netinfo.ErrNoNeighbor
}

type fakeTracer struct {
	mu      sync.Mutex
	targets []netip.Addr
}

func (f *fakeTracer) Trace(ctx context.Context, target netip.Addr) probe.TraceResult {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	return probe.TraceResult{
		Target:   target,
		Hops:     []probe.Hop{{TTL: 1, Addr: netip.MustParseAddr("192.168.1.1"), RttMs: 0.8}},
		PathHash: "hash",
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []logging.Emittable
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{} }

func (r *fakeRecorder) Emit(record logging.Emittable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *fakeRecorder) last(typ string) logging.Emittable {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Base().Type == typ {
			return r.records[i]
		}
	}
	return nil
}

// waitFor polls until a record of type typ has been emitted and returns the
// latest one.
func (r *fakeRecorder) waitFor(t *testing.T, typ string) logging.Emittable {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if rec := r.last(typ); rec != nil {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s record", typ)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *fakeRecorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Base().Type == typ {
			n++
		}
	}
	return n
}

func testConn() *netinfo.Connection {
	return &netinfo.Connection{
		InterfaceName:  "eth0",
		InterfaceIndex: 2,
		Local:          netip.MustParsePrefix("127.0.0.1/8"),
		LocalMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x10},
		Gateway:        netip.MustParseAddr("192.168.1.1"),
		DNSServers:     []string{dnsServer},
	}
}

func portalURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	u.Host = net.JoinHostPort("portal.test", u.Port())
	u.Path = "/generate_204"
	return u.String()
}

func testConfig(rawURL string) Config {
	return Config{
		URL: rawURL,
		Portal: portal.DetectorConfig{
			Trial:                  portal.TrialConfig{Timeout: time.Second},
			MinTimeBetweenAttempts: 10 * time.Millisecond,
		},
		Diagnostics:         diagnostics.Config{DNSTimeout: 100 * time.Millisecond},
		FallbackDNSServers:  []string{"8.8.8.8", "8.8.4.4"},
		UnreliableThreshold: time.Hour,
		RestartDelay:        time.Hour,
		TraceTimeout:        time.Second,
	}
}

func newTestDevice(resolver probe.Resolver, rec *fakeRecorder, cfg Config) (*Device, *fakeTracer) {
	tracer := &fakeTracer{}
	d := New(testConn(), Deps{
		Resolver: resolver,
		Pinger:   fakePinger{},
		Routes:   fakeRoutes{},
		Devices:  fakeDevices{},
		DialARP:  func(string) (probe.ARPClient, error) { return nil, errors.New("no ARP in tests") },
		Tracer:   tracer,
		Recorder: rec,
		Outages:  outage.NewTracker(time.Minute),
	}, cfg, logging.Discard())
	return d, tracer
}

func TestDeviceOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d, tracer := newTestDevice(&fakeResolver{addr: netip.MustParseAddr("127.0.0.1")}, rec, testConfig(portalURL(t, srv)))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	attempt := rec.waitFor(t, "portal_attempt").(*logging.PortalAttempt)
	if attempt.Phase != "Content" || attempt.Status != "Success" || !attempt.Final {
		t.Fatalf("unexpected portal attempt %+v", attempt)
	}

	st := d.Status()
	if st.State != "online" || st.Checks != 1 || st.OutageID != "" || st.Issue != "none" {
		t.Fatalf("unexpected status %+v", st)
	}
	if rep := d.LastReport(); rep == nil || rep.Issue != "none" || rep.PortalPhase != "Content" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(tracer.targets) != 0 {
		t.Fatalf("healthy connection was traced")
	}
}

func TestDeviceDiagnosesDNSFailure(t *testing.T) {
	rec := newFakeRecorder()
	resolver := &fakeResolver{err: probe.ErrTimeout}
	d, tracer := newTestDevice(resolver, rec, testConfig("http://portal.test/generate_204"))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	start := rec.waitFor(t, "outage_start").(*logging.OutageEdge)
	if start.Phase != "DNS" || start.Status != "Timeout" || start.OutageID == "" {
		t.Fatalf("unexpected outage start %+v", start)
	}

	diag := rec.waitFor(t, "diagnosis").(*logging.Diagnosis)
	if diag.Issue != "dns_server_no_response" {
		t.Fatalf("unexpected issue %s", diag.Issue)
	}
	if diag.OutageID != start.OutageID {
		t.Fatalf("diagnosis outage id %q, want %q", diag.OutageID, start.OutageID)
	}
	if len(diag.Events) == 0 || diag.Events[0].Type != "Portal detection" {
		t.Fatalf("unexpected diagnosis events %+v", diag.Events)
	}

	trace := rec.waitFor(t, "path_trace").(*logging.PathTrace)
	if trace.Target != dnsServer {
		t.Fatalf("trace target %s, want the DNS server", trace.Target)
	}

	fallback := rec.waitFor(t, "fallback_dns").(*logging.FallbackDNS)
	if fallback.OK || fallback.Err == "" || len(fallback.Servers) != 2 {
		t.Fatalf("unexpected fallback record %+v", fallback)
	}

	rep := d.LastReport()
	if rep == nil || rep.Issue != "dns_server_no_response" || rep.Trace == nil || rep.Attempts != portal.MaxRequestAttempts {
		t.Fatalf("unexpected report %+v", rep)
	}
	st := d.Status()
	if st.State != "portal" || st.OutageID != start.OutageID || st.LastPhase != "DNS" {
		t.Fatalf("unexpected status %+v", st)
	}

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	if len(tracer.targets) != 1 {
		t.Fatalf("expected one trace, got %v", tracer.targets)
	}
}

func TestDeviceLinkUnreliable(t *testing.T) {
	rec := newFakeRecorder()
	cfg := testConfig("http://portal.test/")
	cfg.LinkMonitorEnabled = true
	d, _ := newTestDevice(&fakeResolver{}, rec, cfg)

	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }

	d.onLinkFailure(linkmon.FailureThresholdReached, 5, 0)
	if d.Status().LinkUnreliable {
		t.Fatalf("single failure marked link unreliable")
	}

	now = now.Add(10 * time.Minute)
	d.onLinkFailure(linkmon.FailureThresholdReached, 3, 2)
	if !d.Status().LinkUnreliable {
		t.Fatalf("two failures within the threshold should mark link unreliable")
	}

	if got := rec.count("link_failure"); got != 2 {
		t.Fatalf("expected 2 link_failure records, got %d", got)
	}
	unreliable := rec.waitFor(t, "link_unreliable").(*logging.LinkUnreliable)
	if unreliable.SincePrevFailureMs != (10 * time.Minute).Milliseconds() {
		t.Fatalf("unexpected interval %d", unreliable.SincePrevFailureMs)
	}

	now = now.Add(2 * time.Hour)
	d.onLinkFailure(linkmon.FailureTransmitFailure, 0, 0)
	if got := rec.count("link_unreliable"); got != 1 {
		t.Fatalf("failure after the threshold reported unreliable again")
	}
}

func TestDeviceGatewayChange(t *testing.T) {
	rec := newFakeRecorder()
	d, _ := newTestDevice(&fakeResolver{}, rec, testConfig("http://portal.test/"))

	first := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	second := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	d.onGatewayChange(first)
	d.onGatewayChange(second)

	if got := rec.count("gateway_change"); got != 2 {
		t.Fatalf("expected 2 gateway_change records, got %d", got)
	}
	change := rec.last("gateway_change").(*logging.GatewayChange)
	if change.GatewayMAC != second.String() || change.PrevMAC != first.String() || change.Gateway != "192.168.1.1" {
		t.Fatalf("unexpected gateway change %+v", change)
	}
	if st := d.Status(); st.GatewayMAC != second.String() {
		t.Fatalf("status gateway MAC %q", st.GatewayMAC)
	}
}

func TestDeviceCheckBeforeStart(t *testing.T) {
	d, _ := newTestDevice(&fakeResolver{}, newFakeRecorder(), testConfig("http://portal.test/"))
	if err := d.Check(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Stop()

	bad, _ := newTestDevice(&fakeResolver{}, newFakeRecorder(), testConfig("ftp://portal.test/"))
	if err := bad.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid URL error")
	}
}
