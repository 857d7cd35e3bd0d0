package linkmon

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/iaserrat/linkdiag/internal/logging"
	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/probe"
)

var (
	localMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x10}
	gatewayMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	gatewayIP  = netip.MustParseAddr("192.168.1.1")
	localIP    = netip.MustParseAddr("192.168.1.10")
)

const waitFor = 5 * time.Second

func testConn() *netinfo.Connection {
	return &netinfo.Connection{
		InterfaceName:  "eth0",
		InterfaceIndex: 2,
		Local:          netip.PrefixFrom(localIP, 24),
		LocalMAC:       localMAC,
		Gateway:        gatewayIP,
	}
}

type inbound struct {
	p    probe.ARPPacket
	done chan struct{}
}

type fakeClient struct {
	sent        chan probe.ARPPacket
	in          chan inbound
	closed      chan struct{}
	closeOnce   sync.Once
	transmitErr error

	mu      sync.Mutex
	pending chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sent:   make(chan probe.ARPPacket, 64),
		in:     make(chan inbound),
		closed: make(chan struct{}),
	}
}

func (c *fakeClient) Transmit(p probe.ARPPacket) error {
	if c.transmitErr != nil {
		return c.transmitErr
	}
	c.sent <- p
	return nil
}

// Receive releases the packet handed out by the previous call before
// blocking for the next one.
func (c *fakeClient) Receive() (probe.ARPPacket, error) {
	c.release()
	select {
	case msg := <-c.in:
		c.mu.Lock()
		c.pending = msg.done
		c.mu.Unlock()
		return msg.p, nil
	case <-c.closed:
		return probe.ARPPacket{}, net.ErrClosed
	}
}

func (c *fakeClient) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		close(c.pending)
		c.pending = nil
	}
}

func (c *fakeClient) SetReadDeadline(time.Time) error { return nil }

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.release()
	return nil
}

// deliver hands p to the receive loop and returns once the loop has asked
// for the next packet or the client has been closed.
func (c *fakeClient) deliver(t *testing.T, p probe.ARPPacket) {
	t.Helper()
	msg := inbound{p: p, done: make(chan struct{})}
	select {
	case c.in <- msg:
	case <-time.After(waitFor):
		t.Fatalf("receive loop not reading")
	}
	select {
	case <-msg.done:
	case <-time.After(waitFor):
		t.Fatalf("receive loop did not finish with packet")
	}
}

func (c *fakeClient) waitSent(t *testing.T) probe.ARPPacket {
	t.Helper()
	select {
	case p := <-c.sent:
		return p
	case <-time.After(waitFor):
		t.Fatalf("no ARP request sent")
	}
	return probe.ARPPacket{}
}

type fakeDialer struct {
	clients chan *fakeClient
	err     error
	prepare func(*fakeClient)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: make(chan *fakeClient, 16)}
}

func (d *fakeDialer) dial(string) (probe.ARPClient, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeClient()
	if d.prepare != nil {
		d.prepare(c)
	}
	d.clients <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case c := <-d.clients:
		return c
	case <-time.After(waitFor):
		t.Fatalf("no ARP client dialed")
	}
	return nil
}

type tickHandle struct {
	period time.Duration
	ch     chan time.Time
}

type manualTicker struct {
	created chan tickHandle
}

func newManualTicker() *manualTicker {
	return &manualTicker{created: make(chan tickHandle, 16)}
}

func (m *manualTicker) fn(d time.Duration) (<-chan time.Time, func()) {
	h := tickHandle{period: d, ch: make(chan time.Time)}
	m.created <- h
	return h.ch, func() {}
}

func (m *manualTicker) next(t *testing.T) tickHandle {
	t.Helper()
	select {
	case h := <-m.created:
		return h
	case <-time.After(waitFor):
		t.Fatalf("no ticker created")
	}
	return tickHandle{}
}

func (h tickHandle) tick(t *testing.T) {
	t.Helper()
	select {
	case h.ch <- time.Now():
	case <-time.After(waitFor):
		t.Fatalf("tick not consumed")
	}
}

// waitUntil polls cond until it holds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type failure struct {
	reason    FailureReason
	broadcast int
	unicast   int
}

func gatewayReply() probe.ARPPacket {
	return probe.ARPPacket{
		Operation: probe.ARPReply,
		SenderMAC: gatewayMAC,
		SenderIP:  gatewayIP,
		TargetMAC: localMAC,
		TargetIP:  localIP,
	}
}

func newTestActive(conn *netinfo.Connection, dialer *fakeDialer) (*ActiveMonitor, *manualTicker, chan failure, chan struct{}) {
	failures := make(chan failure, 8)
	successes := make(chan struct{}, 8)
	m := NewActiveMonitor(conn, dialer.dial, logging.Discard(),
		func(r FailureReason, b, u int) { failures <- failure{r, b, u} },
		func() { successes <- struct{}{} })
	ticker := newManualTicker()
	m.ticker = ticker.fn
	return m, ticker, failures, successes
}

func TestActiveFailsOnceAtThreshold(t *testing.T) {
	dialer := newFakeDialer()
	m, ticker, failures, _ := newTestActive(testConn(), dialer)

	if err := m.Start(time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.next(t)
	if req := client.waitSent(t); req.TargetMAC != nil || req.TargetIP != gatewayIP || req.SenderIP != localIP {
		t.Fatalf("unexpected first request %+v", req)
	}

	h := ticker.next(t)
	for i := 1; i < FailureThreshold; i++ {
		h.tick(t)
		client.waitSent(t)
	}
	h.tick(t)

	select {
	case f := <-failures:
		if f.reason != FailureThresholdReached || f.broadcast != FailureThreshold || f.unicast != 0 {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(waitFor):
		t.Fatalf("failure callback not invoked")
	}

	m.Stop()
	m.Stop()
	if m.IsRunning() {
		t.Fatalf("monitor still running after failure")
	}
	m.mu.Lock()
	b, u := m.broadcastFailures, m.unicastFailures
	m.mu.Unlock()
	if b != 0 || u != 0 {
		t.Fatalf("failure counters not reset: %d %d", b, u)
	}
	select {
	case f := <-failures:
		t.Fatalf("failure reported twice: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-client.closed:
	default:
		t.Fatalf("ARP client not closed")
	}
}

func TestActiveReplyDiscoversGateway(t *testing.T) {
	dialer := newFakeDialer()
	m, _, failures, successes := newTestActive(testConn(), dialer)

	if err := m.Start(time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.next(t)
	client.waitSent(t)

	stray := gatewayReply()
	stray.SenderIP = netip.MustParseAddr("192.168.1.77")
	client.deliver(t, stray)
	request := gatewayReply()
	request.Operation = probe.ARPRequest
	client.deliver(t, request)
	client.deliver(t, gatewayReply())

	select {
	case <-successes:
	case f := <-failures:
		t.Fatalf("unexpected failure %+v", f)
	case <-time.After(waitFor):
		t.Fatalf("success callback not invoked")
	}
	if !bytes.Equal(m.GatewayMAC(), gatewayMAC) {
		t.Fatalf("gateway MAC not learned: %s", m.GatewayMAC())
	}
	if m.IsRunning() {
		t.Fatalf("monitor should stop after a reply")
	}

	if err := m.Start(time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	next := dialer.next(t)
	if req := next.waitSent(t); !bytes.Equal(req.TargetMAC, gatewayMAC) {
		t.Fatalf("expected unicast request after discovery, got %+v", req)
	}
	m.Stop()
}

func TestActiveStartFailures(t *testing.T) {
	conn := testConn()
	conn.LocalMAC = nil
	m, _, failures, _ := newTestActive(conn, newFakeDialer())
	if err := m.Start(time.Second); !errors.Is(err, ErrNoLocalMAC) {
		t.Fatalf("expected ErrNoLocalMAC, got %v", err)
	}
	if f := <-failures; f.reason != FailureMacAddressNotFound {
		t.Fatalf("unexpected failure %+v", f)
	}

	dialer := newFakeDialer()
	dialer.err = errors.New("socket: operation not permitted")
	m, _, failures, _ = newTestActive(testConn(), dialer)
	if err := m.Start(time.Second); err == nil {
		t.Fatalf("expected dial error")
	}
	if f := <-failures; f.reason != FailureClientStartFailure {
		t.Fatalf("unexpected failure %+v", f)
	}

	dialer = newFakeDialer()
	dialer.prepare = func(c *fakeClient) { c.transmitErr = errors.New("network is down") }
	m, _, failures, _ = newTestActive(testConn(), dialer)
	if err := m.Start(time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case f := <-failures:
		if f.reason != FailureTransmitFailure {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(waitFor):
		t.Fatalf("transmit failure not reported")
	}
}

func TestResponseTimeAverage(t *testing.T) {
	m, _, _, _ := newTestActive(testConn(), newFakeDialer())
	if got := m.ResponseTime(); got != 0 {
		t.Fatalf("expected zero without samples, got %s", got)
	}

	m.mu.Lock()
	m.addResponseTimeSampleLocked(40 * time.Millisecond)
	m.mu.Unlock()
	if got := m.ResponseTime(); got != 40*time.Millisecond {
		t.Fatalf("expected 40ms after one sample, got %s", got)
	}

	m.mu.Lock()
	m.testPeriod = time.Second
	m.awaitingReply = true
	m.addMissedResponseLocked()
	m.mu.Unlock()
	if got := m.ResponseTime(); got != 520*time.Millisecond {
		t.Fatalf("expected missed response to count as the test period, got %s", got)
	}
}

func TestResponseTimeFilterDepth(t *testing.T) {
	m, _, _, _ := newTestActive(testConn(), newFakeDialer())
	m.mu.Lock()
	for i := 0; i < MaxResponseSampleFilterDepth+3; i++ {
		m.addResponseTimeSampleLocked(100 * time.Millisecond)
	}
	count := m.sampleCount
	m.mu.Unlock()

	if count != MaxResponseSampleFilterDepth {
		t.Fatalf("sample count grew past the filter depth: %d", count)
	}
	if got := m.ResponseTime(); got != 100*time.Millisecond {
		t.Fatalf("steady samples should keep the average, got %s", got)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestResponseTimeFromReplies(t *testing.T) {
	dialer := newFakeDialer()
	m, ticker, _, successes := newTestActive(testConn(), dialer)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m.now = clock.Now

	if err := m.Start(time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.next(t)
	client.waitSent(t)
	clock.Advance(30 * time.Millisecond)
	client.deliver(t, gatewayReply())
	<-successes
	ticker.next(t)

	if got := m.ResponseTime(); got != 30*time.Millisecond {
		t.Fatalf("expected 30ms, got %s", got)
	}

	if err := m.Start(time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	client = dialer.next(t)
	client.waitSent(t)
	h := ticker.next(t)
	h.tick(t)
	client.waitSent(t)
	m.Stop()

	if got := m.ResponseTime(); got != 515*time.Millisecond {
		t.Fatalf("expected (30ms+1s)/2, got %s", got)
	}
}

func TestPassiveMonitorCycles(t *testing.T) {
	dialer := newFakeDialer()
	results := make(chan bool, 4)
	m := NewPassiveMonitor(testConn(), dialer.dial, PassiveConfig{CyclePeriod: time.Second, MinRequestsPerCycle: 3}, logging.Discard(),
		func(ok bool) { results <- ok })
	ticker := newManualTicker()
	m.ticker = ticker.fn

	request := probe.ARPPacket{Operation: probe.ARPRequest, SenderIP: netip.MustParseAddr("192.168.1.50"), TargetIP: gatewayIP}
	reply := gatewayReply()

	if err := m.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.next(t)
	h := ticker.next(t)
	for cycle := 0; cycle < 2; cycle++ {
		for i := 0; i < 3; i++ {
			client.deliver(t, request)
		}
		client.deliver(t, reply)
		h.tick(t)
		if cycle == 0 {
			waitUntil(t, "first cycle to close", func() bool {
				m.mu.Lock()
				defer m.mu.Unlock()
				return m.cyclesDone == 1 && m.requestsInTurn == 0
			})
		}
	}

	select {
	case ok := <-results:
		if !ok {
			t.Fatalf("busy link reported unhealthy")
		}
	case <-time.After(waitFor):
		t.Fatalf("no passive result")
	}
	if m.IsRunning() {
		t.Fatalf("passive monitor still running after its cycles")
	}

	if err := m.Start(2); err != nil {
		t.Fatalf("restart: %v", err)
	}
	client = dialer.next(t)
	h = ticker.next(t)
	client.deliver(t, request)
	client.deliver(t, reply)
	h.tick(t)

	select {
	case ok := <-results:
		if ok {
			t.Fatalf("quiet link reported healthy")
		}
	case <-time.After(waitFor):
		t.Fatalf("no passive result")
	}
}

func TestLinkMonitorLifecycle(t *testing.T) {
	dialer := newFakeDialer()
	failures := make(chan failure, 4)
	changes := make(chan net.HardwareAddr, 4)
	mon := New(testConn(), dialer.dial, Config{
		TestPeriod:     time.Second,
		FastTestPeriod: 100 * time.Millisecond,
		PassiveCycles:  1,
		Passive:        PassiveConfig{CyclePeriod: time.Second, MinRequestsPerCycle: 2},
	}, logging.Discard(),
		func(r FailureReason, b, u int) { failures <- failure{r, b, u} },
		func(mac net.HardwareAddr) { changes <- mac })
	activeTicker := newManualTicker()
	passiveTicker := newManualTicker()
	mon.active.ticker = activeTicker.fn
	mon.passive.ticker = passiveTicker.fn

	if err := mon.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	active := dialer.next(t)
	active.waitSent(t)
	active.deliver(t, gatewayReply())

	select {
	case mac := <-changes:
		if !bytes.Equal(mac, gatewayMAC) {
			t.Fatalf("unexpected gateway MAC %s", mac)
		}
	case <-time.After(waitFor):
		t.Fatalf("gateway change not reported")
	}
	if !mon.IsGatewayFound() {
		t.Fatalf("gateway not marked found")
	}

	passive := dialer.next(t)
	ph := passiveTicker.next(t)
	passive.deliver(t, gatewayReply())
	ph.tick(t)

	// Passive completion hands back to active probing, now unicast.
	active = dialer.next(t)
	if req := active.waitSent(t); !bytes.Equal(req.TargetMAC, gatewayMAC) {
		t.Fatalf("expected unicast probe, got %+v", req)
	}
	active.deliver(t, gatewayReply())
	passive = dialer.next(t)
	passiveTicker.next(t)

	select {
	case mac := <-changes:
		t.Fatalf("unchanged gateway reported again: %s", mac)
	case <-time.After(50 * time.Millisecond):
	}

	mon.OnAfterResume()
	active = dialer.next(t)
	if req := active.waitSent(t); !bytes.Equal(req.TargetMAC, gatewayMAC) {
		t.Fatalf("gateway MAC lost across resume: %+v", req)
	}
	ah := activeTicker.next(t)
	for ah.period != 100*time.Millisecond {
		ah = activeTicker.next(t)
	}
	select {
	case <-passive.closed:
	default:
		t.Fatalf("passive monitor not stopped on resume")
	}

	// Unicast misses do not count until the gateway has proven it answers
	// unicast, so it takes twice the threshold to fail.
	for i := 1; i < 2*FailureThreshold; i++ {
		ah.tick(t)
		active.waitSent(t)
	}
	ah.tick(t)

	select {
	case f := <-failures:
		if f.reason != FailureThresholdReached || f.broadcast != FailureThreshold || f.unicast != 0 {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(waitFor):
		t.Fatalf("failure not propagated")
	}
	if mon.IsRunning() {
		t.Fatalf("link monitor running after failure")
	}
	mon.Stop()
}

func TestLinkMonitorStopDuringPassiveStart(t *testing.T) {
	dialer := newFakeDialer()
	mon := New(testConn(), dialer.dial, Config{}, logging.Discard(), nil, nil)
	mon.active.ticker = newManualTicker().fn
	mon.passive.ticker = newManualTicker().fn

	if err := mon.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	active := dialer.next(t)
	active.waitSent(t)

	// Stop lands after the handover decision but before the passive
	// monitor has finished starting.
	dialer.prepare = func(*fakeClient) {
		mon.mu.Lock()
		mon.gen++
		mon.running = false
		mon.mu.Unlock()
	}
	active.deliver(t, gatewayReply())

	passive := dialer.next(t)
	select {
	case <-passive.closed:
	case <-time.After(waitFor):
		t.Fatalf("passive monitor left running after stop")
	}
	if mon.passive.IsRunning() || mon.IsRunning() {
		t.Fatalf("monitor still running after stop")
	}
}
