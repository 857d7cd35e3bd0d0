package linkmon

import (
	"bytes"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/probe"
)

type Config struct {
	TestPeriod     time.Duration
	FastTestPeriod time.Duration
	PassiveCycles  int
	Passive        PassiveConfig
}

type GatewayChangeCallback func(mac net.HardwareAddr)

// Monitor alternates active probing of the gateway with passive listening.
// Active success hands over to the passive monitor, passive completion
// hands back, and active failure stops both and is reported upward.
type Monitor struct {
	conn            *netinfo.Connection
	cfg             Config
	logger          *slog.Logger
	onFailure       FailureCallback
	onGatewayChange GatewayChangeCallback

	active  *ActiveMonitor
	passive *PassiveMonitor

	mu         sync.Mutex
	gen        uint64
	running    bool
	gatewayMAC net.HardwareAddr
}

func New(conn *netinfo.Connection, dial probe.ARPDialer, cfg Config, logger *slog.Logger, onFailure FailureCallback, onGatewayChange GatewayChangeCallback) *Monitor {
	if cfg.TestPeriod <= 0 {
		cfg.TestPeriod = DefaultTestPeriod
	}
	if cfg.FastTestPeriod <= 0 {
		cfg.FastTestPeriod = FastTestPeriod
	}
	if cfg.PassiveCycles <= 0 {
		cfg.PassiveCycles = DefaultMonitorCycles
	}
	m := &Monitor{
		conn:            conn,
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "link_monitor"), slog.String("iface", conn.InterfaceName)),
		onFailure:       onFailure,
		onGatewayChange: onGatewayChange,
	}
	m.active = NewActiveMonitor(conn, dial, logger, m.onActiveFailure, m.onActiveSuccess)
	m.passive = NewPassiveMonitor(conn, dial, cfg.Passive, logger, m.onPassiveResult)
	return m
}

func (m *Monitor) Start() error {
	return m.start(m.cfg.TestPeriod)
}

func (m *Monitor) start(period time.Duration) error {
	m.mu.Lock()
	m.gen++
	m.running = true
	m.mu.Unlock()

	m.passive.Stop()
	if err := m.active.Start(period); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	m.gen++
	m.running = false
	m.mu.Unlock()

	m.active.Stop()
	m.passive.Stop()
}

// OnAfterResume restarts probing quickly after a suspend. The gateway MAC
// and its unicast support survive the restart.
func (m *Monitor) OnAfterResume() {
	m.Stop()
	m.logger.Info("restarting link monitor after resume", slog.Duration("period", m.cfg.FastTestPeriod))
	if err := m.start(m.cfg.FastTestPeriod); err != nil {
		m.logger.Error("failed to restart link monitor after resume", slog.Any("err", err))
	}
}

// current reports whether the run identified by gen is still live.
func (m *Monitor) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.gen == gen
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) IsGatewayFound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gatewayMAC) > 0
}

func (m *Monitor) GatewayMAC() net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(net.HardwareAddr(nil), m.gatewayMAC...)
}

func (m *Monitor) ResponseTime() time.Duration {
	return m.active.ResponseTime()
}

func (m *Monitor) onActiveSuccess() {
	mac := m.active.GatewayMAC()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	changed := len(mac) > 0 && !bytes.Equal(mac, m.gatewayMAC)
	if changed {
		m.gatewayMAC = mac
	}
	m.mu.Unlock()

	if changed && m.onGatewayChange != nil {
		m.onGatewayChange(append(net.HardwareAddr(nil), mac...))
	}

	if err := m.passive.Start(m.cfg.PassiveCycles); err != nil {
		m.logger.Warn("failed to start passive link monitor", slog.Any("err", err))
		m.restartActive()
		return
	}
	// Stop may have run while the passive monitor was starting.
	if !m.current(gen) {
		m.passive.Stop()
	}
}

func (m *Monitor) onPassiveResult(ok bool) {
	m.logger.Debug("passive link monitor finished", slog.Bool("ok", ok))
	m.restartActive()
}

func (m *Monitor) restartActive() {
	m.mu.Lock()
	running, gen := m.running, m.gen
	m.mu.Unlock()
	if !running {
		return
	}
	if err := m.active.Start(m.cfg.TestPeriod); err != nil {
		m.logger.Error("failed to restart active link monitor", slog.Any("err", err))
		return
	}
	if !m.current(gen) {
		m.active.Stop()
	}
}

func (m *Monitor) onActiveFailure(reason FailureReason, broadcastFailures, unicastFailures int) {
	m.mu.Lock()
	wasRunning := m.running
	m.gen++
	m.running = false
	m.mu.Unlock()

	m.passive.Stop()
	if !wasRunning {
		return
	}
	m.logger.Warn("link monitor failed",
		slog.String("reason", reason.String()),
		slog.Int("broadcast_failures", broadcastFailures),
		slog.Int("unicast_failures", unicastFailures))
	if m.onFailure != nil {
		m.onFailure(reason, broadcastFailures, unicastFailures)
	}
}
