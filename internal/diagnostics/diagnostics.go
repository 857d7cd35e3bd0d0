package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/portal"
	"github.com/iaserrat/linkdiag/internal/probe"
)

const (
	DefaultMaxDNSRetries     = 2
	DefaultDNSTimeout        = 3 * time.Second
	DefaultRouteQueryTimeout = time.Second
	DefaultARPReplyTimeout   = time.Second
	DefaultNeighborTimeout   = time.Second
)

var (
	ErrAlreadyRunning = errors.New("diagnostics: already running")
	ErrInvalidURL     = errors.New("diagnostics: invalid URL")
)

type Config struct {
	// MaxDNSRetries bounds the number of resolutions of the target host,
	// counting the one made by portal detection.
	MaxDNSRetries     int
	DNSTimeout        time.Duration
	RouteQueryTimeout time.Duration
	ARPReplyTimeout   time.Duration
	NeighborTimeout   time.Duration
	Portal            portal.DetectorConfig
}

// PortalFunc runs portal detection to its final result.
type PortalFunc func(ctx context.Context, rawURL string) (portal.Result, error)

// Deps are the probe clients a run uses. Each Diagnostics owns its own set.
type Deps struct {
	Resolver     probe.Resolver
	Pinger       probe.Pinger
	Routes       netinfo.RoutingTable
	Devices      netinfo.DeviceInfo
	DialARP      probe.ARPDialer
	DetectPortal PortalFunc
}

type ResultCallback func(issue Issue, events []Event)

// Diagnostics walks a decision tree of probes to find the most specific
// reason a connection fails portal detection. At most one run is active at
// a time.
type Diagnostics struct {
	conn     *netinfo.Connection
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	callback ResultCallback

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
}

func New(conn *netinfo.Connection, deps Deps, cfg Config, logger *slog.Logger, cb ResultCallback) *Diagnostics {
	if cfg.MaxDNSRetries <= 0 {
		cfg.MaxDNSRetries = DefaultMaxDNSRetries
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = DefaultDNSTimeout
	}
	if cfg.RouteQueryTimeout <= 0 {
		cfg.RouteQueryTimeout = DefaultRouteQueryTimeout
	}
	if cfg.ARPReplyTimeout <= 0 {
		cfg.ARPReplyTimeout = DefaultARPReplyTimeout
	}
	if cfg.NeighborTimeout <= 0 {
		cfg.NeighborTimeout = DefaultNeighborTimeout
	}
	logger = logger.With(slog.String("component", "diagnostics"), slog.String("iface", conn.InterfaceName))
	if deps.DetectPortal == nil {
		deps.DetectPortal = func(ctx context.Context, rawURL string) (portal.Result, error) {
			return portal.Detect(ctx, conn, deps.Resolver, cfg.Portal, logger, rawURL, nil)
		}
	}
	return &Diagnostics{
		conn:     conn,
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		callback: cb,
	}
}

func parseTarget(rawURL string) (*url.URL, error) {
	u, err := portal.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return u, nil
}

// Start runs portal detection against rawURL and then the decision tree.
// The result callback fires once unless Stop is called first.
func (d *Diagnostics) Start(rawURL string) error {
	target, err := parseTarget(rawURL)
	if err != nil {
		return err
	}
	ctx, gen, err := d.begin(context.Background())
	if err != nil {
		return err
	}
	go func() {
		r := d.newRun(target)
		r.add(EventPortalDetection, PhaseStart, ResultSuccess, "")
		res, err := d.deps.DetectPortal(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Debug("portal detection aborted", slog.Any("err", err))
				d.end(gen)
				return
			}
			d.logger.Error("portal detection failed to run", slog.Any("err", err))
			r.add(EventPortalDetection, PhaseEnd, ResultFailure, "%v", err)
			r.finish(IssueInternalError)
			d.report(gen, r)
			return
		}
		d.report(gen, r.walk(ctx, res))
	}()
	return nil
}

// StartAfterPortalDetection skips portal detection and enters the tree with
// a result obtained elsewhere.
func (d *Diagnostics) StartAfterPortalDetection(rawURL string, result portal.Result) error {
	target, err := parseTarget(rawURL)
	if err != nil {
		return err
	}
	ctx, gen, err := d.begin(context.Background())
	if err != nil {
		return err
	}
	go func() {
		d.report(gen, d.newRun(target).walk(ctx, result))
	}()
	return nil
}

// Run is the blocking form of StartAfterPortalDetection. The callback is
// not invoked.
func (d *Diagnostics) Run(ctx context.Context, rawURL string, result portal.Result) (Issue, []Event, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return IssueNone, nil, err
	}
	ctx, gen, err := d.begin(ctx)
	if err != nil {
		return IssueNone, nil, err
	}
	defer d.end(gen)

	r := d.newRun(target).walk(ctx, result)
	d.logResult(r)
	return r.issue, r.events, nil
}

// Diagnose is the blocking form of Start.
func (d *Diagnostics) Diagnose(ctx context.Context, rawURL string) (Issue, []Event, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return IssueNone, nil, err
	}
	ctx, gen, err := d.begin(ctx)
	if err != nil {
		return IssueNone, nil, err
	}
	defer d.end(gen)

	r := d.newRun(target)
	r.add(EventPortalDetection, PhaseStart, ResultSuccess, "")
	res, err := d.deps.DetectPortal(ctx, rawURL)
	if err != nil {
		return IssueNone, nil, fmt.Errorf("portal detection: %w", err)
	}
	r.walk(ctx, res)
	d.logResult(r)
	return r.issue, r.events, nil
}

// Stop cancels the active run, if any. A cancelled run never reports.
func (d *Diagnostics) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Diagnostics) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Diagnostics) stopLocked() {
	d.gen++
	d.running = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Diagnostics) begin(parent context.Context) (context.Context, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil, 0, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	d.gen++
	d.running = true
	d.cancel = cancel
	return ctx, d.gen, nil
}

// end releases the run slot if gen still owns it.
func (d *Diagnostics) end(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return false
	}
	d.stopLocked()
	return true
}

func (d *Diagnostics) report(gen uint64, r *run) {
	if !d.end(gen) {
		return
	}
	d.logResult(r)
	if d.callback != nil {
		d.callback(r.issue, r.events)
	}
}

func (d *Diagnostics) logResult(r *run) {
	for i, e := range r.events {
		d.logger.Debug("diagnostic event", slog.Int("index", i), slog.String("event", e.String()))
	}
	d.logger.Info("connection diagnostics completed",
		slog.String("issue", r.issue.Name()),
		slog.Int("events", len(r.events)))
}
