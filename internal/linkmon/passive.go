package linkmon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/probe"
)

const (
	DefaultMonitorCycles   = 40
	DefaultCyclePeriod     = 25 * time.Second
	MinARPRequestsPerCycle = 5
)

type PassiveConfig struct {
	CyclePeriod         time.Duration
	MinRequestsPerCycle int
}

type ResultCallback func(ok bool)

// PassiveMonitor listens for ARP requests on the link without sending any.
// A healthy link carries a steady trickle of them; a cycle that sees too
// few ends monitoring with a negative result.
type PassiveMonitor struct {
	conn     *netinfo.Connection
	dial     probe.ARPDialer
	cfg      PassiveConfig
	logger   *slog.Logger
	onResult ResultCallback
	ticker   tickerFunc

	mu             sync.Mutex
	gen            uint64
	running        bool
	client         probe.ARPClient
	done           chan struct{}
	cycles         int
	cyclesDone     int
	requestsInTurn int
}

func NewPassiveMonitor(conn *netinfo.Connection, dial probe.ARPDialer, cfg PassiveConfig, logger *slog.Logger, onResult ResultCallback) *PassiveMonitor {
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = DefaultCyclePeriod
	}
	if cfg.MinRequestsPerCycle <= 0 {
		cfg.MinRequestsPerCycle = MinARPRequestsPerCycle
	}
	return &PassiveMonitor{
		conn:     conn,
		dial:     dial,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "passive_link_monitor"), slog.String("iface", conn.InterfaceName)),
		onResult: onResult,
		ticker:   realTicker,
	}
}

func (m *PassiveMonitor) Start(cycles int) error {
	if cycles <= 0 {
		cycles = DefaultMonitorCycles
	}

	m.mu.Lock()
	m.stopLocked()
	client, err := m.dial(m.conn.InterfaceName)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start arp listener: %w", err)
	}
	m.gen++
	gen := m.gen
	m.running = true
	m.client = client
	m.done = make(chan struct{})
	m.cycles = cycles
	done := m.done
	m.mu.Unlock()

	m.logger.Debug("starting passive link monitor", slog.Int("cycles", cycles))
	go m.receive(gen, client)
	go m.loop(gen, done)
	return nil
}

func (m *PassiveMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *PassiveMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *PassiveMonitor) stopLocked() {
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
	m.cyclesDone = 0
	m.requestsInTurn = 0
}

func (m *PassiveMonitor) loop(gen uint64, done <-chan struct{}) {
	ticks, stop := m.ticker(m.cfg.CyclePeriod)
	defer stop()
	for {
		select {
		case <-done:
			return
		case <-ticks:
			if !m.cycleComplete(gen) {
				return
			}
		}
	}
}

func (m *PassiveMonitor) receive(gen uint64, client probe.ARPClient) {
	for {
		p, err := client.Receive()
		if err != nil {
			return
		}
		if p.Operation != probe.ARPRequest {
			continue
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.requestsInTurn++
		m.mu.Unlock()
	}
}

// cycleComplete closes one cycle and reports whether monitoring goes on.
func (m *PassiveMonitor) cycleComplete(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}

	if m.requestsInTurn < m.cfg.MinRequestsPerCycle {
		seen := m.requestsInTurn
		m.stopLocked()
		m.mu.Unlock()
		m.logger.Info("too few ARP requests on link", slog.Int("seen", seen), slog.Int("min", m.cfg.MinRequestsPerCycle))
		m.report(false)
		return false
	}

	m.cyclesDone++
	m.requestsInTurn = 0
	if m.cyclesDone < m.cycles {
		m.mu.Unlock()
		return true
	}
	m.stopLocked()
	m.mu.Unlock()
	m.report(true)
	return false
}

func (m *PassiveMonitor) report(ok bool) {
	if m.onResult != nil {
		m.onResult(ok)
	}
}
