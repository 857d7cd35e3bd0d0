package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/diagnostics"
	"github.com/iaserrat/linkdiag/internal/linkmon"
	"github.com/iaserrat/linkdiag/internal/logging"
	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/outage"
	"github.com/iaserrat/linkdiag/internal/portal"
	"github.com/iaserrat/linkdiag/internal/probe"
	"github.com/iaserrat/linkdiag/internal/report"
)

type State int

const (
	StateIdle State = iota
	StateOnline
	StatePortal
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StatePortal:
		return "portal"
	default:
		return "idle"
	}
}

var ErrNotStarted = errors.New("device: not started")

// Recorder receives the JSONL history records.
type Recorder interface {
	Emit(record logging.Emittable) error
}

type Config struct {
	URL string
	// CheckInterval spaces periodic portal detection; zero checks once.
	CheckInterval       time.Duration
	Portal              portal.DetectorConfig
	Diagnostics         diagnostics.Config
	FallbackDNSServers  []string
	LinkMonitorEnabled  bool
	LinkMonitor         linkmon.Config
	UnreliableThreshold time.Duration
	RestartDelay        time.Duration
	TraceTimeout        time.Duration
}

type Deps struct {
	Resolver probe.Resolver
	Pinger   probe.Pinger
	Routes   netinfo.RoutingTable
	Devices  netinfo.DeviceInfo
	DialARP  probe.ARPDialer
	Tracer   probe.Tracer
	Recorder Recorder
	Outages  *outage.Tracker
}

// Status is a point-in-time view of a device for the API.
type Status struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Gateway        string `json:"gateway,omitempty"`
	GatewayMAC     string `json:"gateway_mac,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	LinkUnreliable bool   `json:"link_unreliable"`
	OutageID       string `json:"outage_id,omitempty"`
	Checks         int    `json:"checks"`
	LastPhase      string `json:"last_phase,omitempty"`
	LastStatus     string `json:"last_status,omitempty"`
	LastAttempts   int    `json:"last_attempts,omitempty"`
	Issue          string `json:"issue,omitempty"`
}

// Device supervises one interface: periodic portal detection, diagnosis
// of failed checks, and link monitoring of the gateway.
type Device struct {
	conn   *netinfo.Connection
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	detector *portal.Detector
	diag     *diagnostics.Diagnostics
	monitor  *linkmon.Monitor

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	host            string
	state           State
	checks          int
	lastResult      portal.Result
	lastReport      *report.Report
	pending         *report.Report
	gatewayMAC      net.HardwareAddr
	lastLinkFailure time.Time
	unreliable      bool
	restartTimer    *time.Timer
}

func New(conn *netinfo.Connection, deps Deps, cfg Config, logger *slog.Logger) *Device {
	if cfg.TraceTimeout <= 0 {
		cfg.TraceTimeout = 20 * time.Second
	}
	if cfg.Diagnostics.DNSTimeout <= 0 {
		cfg.Diagnostics.DNSTimeout = diagnostics.DefaultDNSTimeout
	}
	d := &Device{
		conn:   conn,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "device"), slog.String("iface", conn.InterfaceName)),
		now:    time.Now,
	}
	d.detector = portal.NewDetector(conn, deps.Resolver, cfg.Portal, logger, d.onPortalResult)
	d.diag = diagnostics.New(conn, diagnostics.Deps{
		Resolver: deps.Resolver,
		Pinger:   deps.Pinger,
		Routes:   deps.Routes,
		Devices:  deps.Devices,
		DialARP:  deps.DialARP,
	}, cfg.Diagnostics, logger, d.onDiagnosis)
	if cfg.LinkMonitorEnabled {
		d.monitor = linkmon.New(conn, deps.DialARP, cfg.LinkMonitor, logger, d.onLinkFailure, d.onGatewayChange)
	}
	return d
}

func (d *Device) Name() string { return d.conn.InterfaceName }

func (d *Device) Start(ctx context.Context) error {
	u, err := portal.ParseURL(d.cfg.URL)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.host = u.Hostname()
	d.mu.Unlock()

	if d.monitor != nil {
		if err := d.monitor.Start(); err != nil {
			d.logger.Warn("link monitor did not start", slog.Any("err", err))
		}
	}
	if err := d.detector.Start(d.cfg.URL); err != nil {
		return fmt.Errorf("start portal detection: %w", err)
	}
	d.logger.Info("device started", slog.String("url", d.cfg.URL))
	return nil
}

func (d *Device) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.restartTimer != nil {
		d.restartTimer.Stop()
		d.restartTimer = nil
	}
	d.mu.Unlock()

	d.detector.Stop()
	d.diag.Stop()
	if d.monitor != nil {
		d.monitor.Stop()
	}
	d.wg.Wait()
}

// Check runs portal detection now, replacing any pending periodic check.
func (d *Device) Check() error {
	if d.context() == nil {
		return ErrNotStarted
	}
	d.detector.Stop()
	return d.detector.Start(d.cfg.URL)
}

// OnAfterResume re-validates the connection after a system suspend.
func (d *Device) OnAfterResume() {
	if d.monitor != nil {
		d.monitor.OnAfterResume()
	}
	if err := d.Check(); err != nil {
		d.logger.Warn("portal check after resume failed", slog.Any("err", err))
	}
}

func (d *Device) LastReport() *report.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReport
}

func (d *Device) Status() Status {
	d.mu.Lock()
	s := Status{
		Name:           d.conn.InterfaceName,
		State:          d.state.String(),
		LinkUnreliable: d.unreliable,
		Checks:         d.checks,
	}
	if d.conn.Gateway.IsValid() {
		s.Gateway = d.conn.Gateway.String()
	}
	if len(d.gatewayMAC) > 0 {
		s.GatewayMAC = d.gatewayMAC.String()
	}
	if d.checks > 0 {
		s.LastPhase = d.lastResult.Trial.Phase.String()
		s.LastStatus = d.lastResult.Trial.Status.String()
		s.LastAttempts = d.lastResult.NumAttempts
	}
	if d.lastReport != nil {
		s.Issue = d.lastReport.Issue
	}
	d.mu.Unlock()

	if d.monitor != nil {
		s.ResponseTimeMs = d.monitor.ResponseTime().Milliseconds()
	}
	if d.deps.Outages != nil {
		s.OutageID = d.deps.Outages.ActiveOutageID(d.conn.InterfaceName)
	}
	return s
}

func (d *Device) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// track registers a background task unless the device is stopping.
func (d *Device) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Device) outageID() string {
	if d.deps.Outages == nil {
		return ""
	}
	return d.deps.Outages.ActiveOutageID(d.conn.InterfaceName)
}

func (d *Device) base(recordType string) logging.BaseEvent {
	return logging.BaseEvent{Type: recordType, Interface: d.conn.InterfaceName, OutageID: d.outageID()}
}

func (d *Device) emit(record logging.Emittable) {
	if d.deps.Recorder == nil {
		return
	}
	if err := d.deps.Recorder.Emit(record); err != nil {
		d.logger.Error("failed to write record", slog.String("type", record.Base().Type), slog.Any("err", err))
	}
}

func (d *Device) onPortalResult(res portal.Result) {
	if !res.Final {
		d.logger.Debug("portal detection attempt failed, retrying",
			slog.String("result", res.Trial.String()), slog.Int("attempt", res.NumAttempts))
		return
	}

	now := d.now()
	if d.deps.Outages != nil {
		d.recordOutageEvents(d.deps.Outages.Process(d.conn.InterfaceName, now, res))
	}
	d.mu.Lock()
	ctx := d.ctx
	d.checks++
	d.lastResult = res
	online := res.Trial.Status == portal.StatusSuccess
	if online {
		d.state = StateOnline
		rep := report.New(d.conn.InterfaceName, d.cfg.URL, res, now)
		rep.Finish(now)
		d.lastReport = rep
	} else {
		d.state = StatePortal
	}
	d.mu.Unlock()

	d.emit(&logging.PortalAttempt{
		BaseEvent: d.base("portal_attempt"),
		URL:       d.cfg.URL,
		Phase:     res.Trial.Phase.String(),
		Status:    res.Trial.Status.String(),
		Attempts:  res.NumAttempts,
		Final:     res.Final,
	})
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if online {
		d.logger.Info("connection online", slog.Int("attempts", res.NumAttempts))
	} else {
		d.logger.Warn("portal detection failed",
			slog.String("result", res.Trial.String()), slog.Int("attempts", res.NumAttempts))
		d.diagnose(now, res)
		if res.Trial.Phase == portal.PhaseDNS && !d.conn.IsIPv6() && d.track() {
			go func() {
				defer d.wg.Done()
				d.testFallbackDNS(ctx)
			}()
		}
	}

	if d.cfg.CheckInterval > 0 {
		if err := d.detector.StartAfterDelay(d.cfg.URL, d.cfg.CheckInterval); err != nil {
			d.logger.Error("failed to schedule portal detection", slog.Any("err", err))
		}
	}
}

func (d *Device) diagnose(now time.Time, res portal.Result) {
	rep := report.New(d.conn.InterfaceName, d.cfg.URL, res, now)

	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		d.logger.Debug("diagnostics already running")
		return
	}
	d.pending = rep
	d.mu.Unlock()

	if err := d.diag.StartAfterPortalDetection(d.cfg.URL, res); err != nil {
		d.mu.Lock()
		d.pending = nil
		d.mu.Unlock()
		if errors.Is(err, diagnostics.ErrAlreadyRunning) {
			d.logger.Debug("diagnostics already running")
			return
		}
		d.logger.Error("failed to start diagnostics", slog.Any("err", err))
	}
}

func (d *Device) onDiagnosis(issue diagnostics.Issue, events []diagnostics.Event) {
	outageID := d.outageID()
	if d.deps.Outages != nil && outageID != "" {
		d.deps.Outages.RecordDiagnosis(d.conn.InterfaceName, outageID, issue)
	}

	d.mu.Lock()
	rep := d.pending
	d.pending = nil
	ctx := d.ctx
	d.mu.Unlock()
	if rep == nil {
		rep = report.New(d.conn.InterfaceName, d.cfg.URL, portal.Result{}, d.now())
	}
	rep.SetDiagnosis(issue, events)

	if ctx != nil && d.deps.Tracer != nil {
		if target, ok := d.traceTarget(ctx, issue); ok {
			traceCtx, cancel := context.WithTimeout(ctx, d.cfg.TraceTimeout)
			tr := d.deps.Tracer.Trace(traceCtx, target)
			cancel()
			rep.SetTrace(tr)
			d.emit(&logging.PathTrace{
				BaseEvent: d.base("path_trace"),
				Target:    target.String(),
				Hops:      toLogHops(tr.Hops),
				PathHash:  tr.PathHash,
				Err:       tr.Err,
			})
		}
	}
	rep.Finish(d.now())

	d.mu.Lock()
	d.lastReport = rep
	d.mu.Unlock()

	logEvents := make([]logging.DiagnosisEvent, 0, len(events))
	for _, e := range events {
		logEvents = append(logEvents, logging.DiagnosisEvent{
			Type:    e.Type.String(),
			Phase:   e.Phase.String(),
			Result:  e.Result.String(),
			Message: e.Message,
		})
	}
	d.emit(&logging.Diagnosis{
		BaseEvent:  d.base("diagnosis"),
		URL:        d.cfg.URL,
		Issue:      issue.Name(),
		IssueText:  issue.String(),
		Events:     logEvents,
		DurationMs: rep.DurationMs,
	})
	d.logger.Warn("connection diagnosed", slog.String("issue", issue.Name()))
}

func (d *Device) traceTarget(ctx context.Context, issue diagnostics.Issue) (netip.Addr, bool) {
	d.mu.Lock()
	host := d.host
	d.mu.Unlock()
	return TraceTarget(ctx, d.conn, d.deps.Resolver, host, d.cfg.Diagnostics.DNSTimeout, issue)
}

// TraceTarget picks the host whose forwarding path explains issue: the
// first DNS server for DNS issues, the portal host for upstream ones.
func TraceTarget(ctx context.Context, conn *netinfo.Connection, resolver probe.Resolver, host string, timeout time.Duration, issue diagnostics.Issue) (netip.Addr, bool) {
	switch issue {
	case diagnostics.IssueDNSServerNoResponse, diagnostics.IssueDNSServerMisconfig:
		for _, s := range conn.DNSServers {
			if addr, err := netip.ParseAddr(s); err == nil {
				return addr, true
			}
		}
	case diagnostics.IssueGatewayUpstream, diagnostics.IssueHTTPBrokenPortal:
		resolveCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if addr, err := resolver.Resolve(resolveCtx, host, conn.DNSServers); err == nil {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// testFallbackDNS resolves the portal host through public servers to tell
// a broken upstream apart from broken configured DNS servers.
func (d *Device) testFallbackDNS(ctx context.Context) {
	if len(d.cfg.FallbackDNSServers) == 0 {
		return
	}
	d.mu.Lock()
	host := d.host
	d.mu.Unlock()

	resolveCtx, cancel := context.WithTimeout(ctx, d.cfg.Diagnostics.DNSTimeout)
	defer cancel()

	rec := &logging.FallbackDNS{
		BaseEvent: d.base("fallback_dns"),
		Host:      host,
		Servers:   d.cfg.FallbackDNSServers,
	}
	addr, err := d.deps.Resolver.Resolve(resolveCtx, host, d.cfg.FallbackDNSServers)
	if err != nil {
		rec.Err = err.Error()
		d.logger.Warn("fallback DNS resolution failed", slog.String("host", host), slog.Any("err", err))
	} else {
		rec.OK = true
		rec.Address = addr.String()
		d.logger.Warn("fallback DNS servers resolve the portal host; configured DNS servers are at fault",
			slog.String("host", host), slog.String("addr", addr.String()))
	}
	d.emit(rec)
}

func (d *Device) onLinkFailure(reason linkmon.FailureReason, broadcastFailures, unicastFailures int) {
	now := d.now()

	d.mu.Lock()
	prev := d.lastLinkFailure
	d.lastLinkFailure = now
	unreliable := !prev.IsZero() && now.Sub(prev) < d.cfg.UnreliableThreshold
	if unreliable {
		d.unreliable = true
	}
	ctx := d.ctx
	d.mu.Unlock()

	d.logger.Warn("link monitor failure", slog.String("reason", reason.String()))
	d.emit(&logging.LinkFailure{
		BaseEvent:         d.base("link_failure"),
		Reason:            reason.String(),
		BroadcastFailures: broadcastFailures,
		UnicastFailures:   unicastFailures,
		ResponseTimeMs:    int(d.monitor.ResponseTime().Milliseconds()),
	})
	if unreliable {
		d.logger.Warn("link is unreliable", slog.Duration("since_previous_failure", now.Sub(prev)))
		d.emit(&logging.LinkUnreliable{
			BaseEvent:          d.base("link_unreliable"),
			SincePrevFailureMs: now.Sub(prev).Milliseconds(),
		})
	}

	if ctx == nil || ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	if d.restartTimer != nil {
		d.restartTimer.Stop()
	}
	d.restartTimer = time.AfterFunc(d.cfg.RestartDelay, d.restartLinkMonitor)
	d.mu.Unlock()
}

func (d *Device) restartLinkMonitor() {
	if ctx := d.context(); ctx == nil || ctx.Err() != nil {
		return
	}
	d.logger.Info("restarting link monitor")
	if err := d.monitor.Start(); err != nil {
		d.logger.Error("failed to restart link monitor", slog.Any("err", err))
	}
}

func (d *Device) onGatewayChange(mac net.HardwareAddr) {
	d.mu.Lock()
	prev := d.gatewayMAC
	d.gatewayMAC = mac
	d.mu.Unlock()

	rec := &logging.GatewayChange{
		BaseEvent:  d.base("gateway_change"),
		Gateway:    d.conn.Gateway.String(),
		GatewayMAC: mac.String(),
	}
	if len(prev) > 0 {
		rec.PrevMAC = prev.String()
	}
	d.logger.Info("gateway MAC changed", slog.String("mac", mac.String()))
	d.emit(rec)
}

func (d *Device) recordOutageEvents(events []outage.Event) {
	for _, e := range events {
		switch evt := e.(type) {
		case outage.Start:
			d.logger.Warn("outage started", slog.String("outage_id", evt.OutageID))
			d.emit(&logging.OutageEdge{
				BaseEvent: logging.BaseEvent{Type: string(outage.EventOutageStart), Interface: evt.Interface, OutageID: evt.OutageID},
				Phase:     evt.Result.Phase.String(),
				Status:    evt.Result.Status.String(),
				Failures:  1,
			})
		case outage.End:
			d.logger.Info("outage ended", slog.String("outage_id", evt.OutageID))
			d.emit(&logging.OutageEdge{
				BaseEvent: logging.BaseEvent{Type: string(outage.EventOutageEnd), Interface: evt.Interface, OutageID: evt.OutageID},
				Phase:     portal.PhaseContent.String(),
				Status:    portal.StatusSuccess.String(),
				Failures:  evt.Failures,
			})
		case outage.Summary:
			d.emit(&logging.OutageSummary{
				BaseEvent:  logging.BaseEvent{Type: string(outage.EventOutageSummary), Interface: evt.Interface, OutageID: evt.OutageID},
				StartTS:    evt.StartTS,
				EndTS:      evt.EndTS,
				DurationMs: evt.DurationMs,
				Checks:     evt.Checks,
				Failures:   evt.Failures,
				Attempts:   evt.Attempts,
				Diagnoses:  evt.Diagnoses,
				Issues:     evt.Issues,
			})
		}
	}
}

func toLogHops(hops []probe.Hop) []logging.TraceHop {
	out := make([]logging.TraceHop, 0, len(hops))
	for _, h := range hops {
		hop := logging.TraceHop{TTL: h.TTL}
		if h.Addr.IsValid() {
			rtt := h.RttMs
			hop.IP = h.Addr.String()
			hop.RttMs = &rtt
		}
		out = append(out, hop)
	}
	return out
}
