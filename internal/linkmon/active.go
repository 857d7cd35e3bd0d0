package linkmon

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/probe"
)

const (
	DefaultTestPeriod = 5 * time.Second
	FastTestPeriod    = 200 * time.Millisecond

	FailureThreshold                 = 5
	UnicastReplyReliabilityThreshold = 10
	MaxResponseSampleFilterDepth     = 5
)

var ErrNoLocalMAC = errors.New("linkmon: local MAC address unknown")

type FailureReason int

const (
	FailureMacAddressNotFound FailureReason = iota + 1
	FailureClientStartFailure
	FailureTransmitFailure
	FailureThresholdReached
)

func (r FailureReason) String() string {
	switch r {
	case FailureMacAddressNotFound:
		return "mac_address_not_found"
	case FailureClientStartFailure:
		return "client_start_failure"
	case FailureTransmitFailure:
		return "transmit_failure"
	case FailureThresholdReached:
		return "threshold_reached"
	default:
		return fmt.Sprintf("failure_%d", int(r))
	}
}

type FailureCallback func(reason FailureReason, broadcastFailures, unicastFailures int)

type SuccessCallback func()

// tickerFunc returns a tick channel and a function that stops it.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ActiveMonitor probes the gateway with ARP requests once per test period,
// alternating broadcast and unicast requests once the gateway has proven it
// answers unicast. A cycle ends on the first valid reply (success) or after
// FailureThreshold missed replies (failure).
type ActiveMonitor struct {
	conn      *netinfo.Connection
	dial      probe.ARPDialer
	logger    *slog.Logger
	onFailure FailureCallback
	onSuccess SuccessCallback
	now       func() time.Time
	ticker    tickerFunc

	mu         sync.Mutex
	gen        uint64
	running    bool
	client     probe.ARPClient
	done       chan struct{}
	testPeriod time.Duration

	broadcastFailures  int
	unicastFailures    int
	broadcastSuccesses int
	unicastSuccesses   int

	isUnicast              bool
	gatewaySupportsUnicast bool
	gatewayMAC             net.HardwareAddr

	awaitingReply bool
	sentRequestAt time.Time

	sampleCount  int
	sampleBucket int64
}

func NewActiveMonitor(conn *netinfo.Connection, dial probe.ARPDialer, logger *slog.Logger, onFailure FailureCallback, onSuccess SuccessCallback) *ActiveMonitor {
	return &ActiveMonitor{
		conn:      conn,
		dial:      dial,
		logger:    logger.With(slog.String("component", "active_link_monitor"), slog.String("iface", conn.InterfaceName)),
		onFailure: onFailure,
		onSuccess: onSuccess,
		now:       time.Now,
		ticker:    realTicker,
	}
}

// Start begins a monitoring cycle. The first request goes out immediately.
func (m *ActiveMonitor) Start(testPeriod time.Duration) error {
	if testPeriod <= 0 {
		testPeriod = DefaultTestPeriod
	}

	m.mu.Lock()
	m.stopLocked()
	if len(m.conn.LocalMAC) == 0 {
		m.mu.Unlock()
		m.logger.Error("cannot monitor link without a local MAC address")
		m.fail(FailureMacAddressNotFound, 0, 0)
		return ErrNoLocalMAC
	}

	client, err := m.dial(m.conn.InterfaceName)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to start ARP client", slog.Any("err", err))
		m.fail(FailureClientStartFailure, 0, 0)
		return fmt.Errorf("start arp client: %w", err)
	}

	m.gen++
	gen := m.gen
	m.running = true
	m.client = client
	m.done = make(chan struct{})
	m.testPeriod = testPeriod
	m.isUnicast = m.gatewayMAC != nil
	done := m.done
	m.mu.Unlock()

	m.logger.Debug("starting active link monitor", slog.Duration("period", testPeriod))
	go m.receive(gen, client)
	go m.loop(gen, testPeriod, done)
	return nil
}

// Stop ends the current cycle. The gateway MAC, unicast support and the
// response time history survive it.
func (m *ActiveMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *ActiveMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *ActiveMonitor) GatewayMAC() net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(net.HardwareAddr(nil), m.gatewayMAC...)
}

func (m *ActiveMonitor) GatewaySupportsUnicast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gatewaySupportsUnicast
}

// ResponseTime is the filtered average reply time; zero before any sample.
func (m *ActiveMonitor) ResponseTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.responseTimeMillisLocked()) * time.Millisecond
}

func (m *ActiveMonitor) responseTimeMillisLocked() int64 {
	if m.sampleCount == 0 {
		return 0
	}
	return m.sampleBucket / int64(m.sampleCount)
}

func (m *ActiveMonitor) addResponseTimeSampleLocked(d time.Duration) {
	m.sampleBucket += d.Milliseconds()
	if m.sampleCount < MaxResponseSampleFilterDepth {
		m.sampleCount++
	} else {
		m.sampleBucket = m.sampleBucket * MaxResponseSampleFilterDepth / (MaxResponseSampleFilterDepth + 1)
	}
}

func (m *ActiveMonitor) stopLocked() {
	m.gen++
	m.running = false
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.broadcastFailures = 0
	m.unicastFailures = 0
	m.broadcastSuccesses = 0
	m.isUnicast = false
	m.awaitingReply = false
	m.sentRequestAt = time.Time{}
}

func (m *ActiveMonitor) fail(reason FailureReason, broadcastFailures, unicastFailures int) {
	if m.onFailure != nil {
		m.onFailure(reason, broadcastFailures, unicastFailures)
	}
}

func (m *ActiveMonitor) loop(gen uint64, period time.Duration, done <-chan struct{}) {
	if !m.sendRequest(gen) {
		return
	}
	ticks, stop := m.ticker(period)
	defer stop()
	for {
		select {
		case <-done:
			return
		case <-ticks:
			if !m.sendRequest(gen) {
				return
			}
		}
	}
}

// sendRequest accounts for an unanswered previous request and sends the
// next one. It reports whether the cycle is still running.
func (m *ActiveMonitor) sendRequest(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}

	if m.awaitingReply {
		if b, u, failed := m.addMissedResponseLocked(); failed {
			m.stopLocked()
			m.mu.Unlock()
			m.logger.Warn("link monitor failure threshold reached",
				slog.Int("broadcast_failures", b), slog.Int("unicast_failures", u))
			m.fail(FailureThresholdReached, b, u)
			return false
		}
	}

	req := probe.ARPPacket{
		Operation: probe.ARPRequest,
		SenderMAC: m.conn.LocalMAC,
		SenderIP:  m.conn.LocalAddr(),
		TargetIP:  m.conn.Gateway,
	}
	if m.isUnicast {
		req.TargetMAC = m.gatewayMAC
	}
	if err := m.client.Transmit(req); err != nil {
		b, u := m.broadcastFailures, m.unicastFailures
		m.stopLocked()
		m.mu.Unlock()
		m.logger.Error("failed to send ARP request", slog.Any("err", err))
		m.fail(FailureTransmitFailure, b, u)
		return false
	}
	m.awaitingReply = true
	m.sentRequestAt = m.now()
	m.mu.Unlock()
	return true
}

// addMissedResponseLocked counts the missing reply against the kind of
// request that was sent and picks the kind of the next one.
func (m *ActiveMonitor) addMissedResponseLocked() (broadcastFailures, unicastFailures int, failed bool) {
	m.addResponseTimeSampleLocked(m.testPeriod)
	m.awaitingReply = false

	if m.isUnicast {
		if m.gatewaySupportsUnicast {
			m.unicastFailures++
		}
		m.unicastSuccesses = 0
	} else {
		m.broadcastFailures++
		m.broadcastSuccesses = 0
	}

	if m.broadcastFailures+m.unicastFailures >= FailureThreshold {
		return m.broadcastFailures, m.unicastFailures, true
	}
	if m.gatewayMAC != nil {
		m.isUnicast = !m.isUnicast
	}
	return m.broadcastFailures, m.unicastFailures, false
}

func (m *ActiveMonitor) receive(gen uint64, client probe.ARPClient) {
	for {
		p, err := client.Receive()
		if err != nil {
			if m.current(gen) {
				m.logger.Debug("ARP receive ended", slog.Any("err", err))
			}
			return
		}
		if !m.handleReply(gen, p) {
			return
		}
	}
}

func (m *ActiveMonitor) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// handleReply reports whether the receive loop should keep going.
func (m *ActiveMonitor) handleReply(gen uint64, p probe.ARPPacket) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	if !m.awaitingReply || !p.IsReply() ||
		p.TargetIP != m.conn.LocalAddr() ||
		p.SenderIP != m.conn.Gateway ||
		!bytes.Equal(p.TargetMAC, m.conn.LocalMAC) {
		m.mu.Unlock()
		return true
	}

	m.addResponseTimeSampleLocked(m.now().Sub(m.sentRequestAt))
	m.awaitingReply = false
	if m.isUnicast {
		m.unicastSuccesses++
		m.unicastFailures = 0
		if m.unicastSuccesses >= UnicastReplyReliabilityThreshold && !m.gatewaySupportsUnicast {
			m.logger.Info("gateway supports unicast ARP")
			m.gatewaySupportsUnicast = true
		}
	} else {
		m.broadcastSuccesses++
		m.broadcastFailures = 0
		if !bytes.Equal(m.gatewayMAC, p.SenderMAC) {
			m.logger.Info("discovered gateway MAC", slog.String("mac", p.SenderMAC.String()))
			m.gatewayMAC = append(net.HardwareAddr(nil), p.SenderMAC...)
		}
	}
	m.stopLocked()
	m.mu.Unlock()

	if m.onSuccess != nil {
		m.onSuccess()
	}
	return false
}
