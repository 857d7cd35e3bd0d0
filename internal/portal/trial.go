package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/probe"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultExpectedStatus = http.StatusNoContent
	maxBodyBytes          = 64 * 1024
)

var ErrInvalidURL = errors.New("portal: invalid URL")

type TrialConfig struct {
	Timeout         time.Duration
	ExpectedStatus  int
	ExpectedContent string
}

type TrialCallback func(TrialResult)

// Trial runs one fetch of a well-known URL over a given connection and
// classifies how far it got.
type Trial struct {
	conn     *netinfo.Connection
	resolver probe.Resolver
	cfg      TrialConfig
	callback TrialCallback
	logger   *slog.Logger

	mu      sync.Mutex
	target  *url.URL
	gen     uint64
	delay   *time.Timer
	cancel  context.CancelFunc
	active  bool
	request bool
}

func NewTrial(conn *netinfo.Connection, resolver probe.Resolver, cfg TrialConfig, logger *slog.Logger, cb TrialCallback) *Trial {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.ExpectedStatus == 0 {
		cfg.ExpectedStatus = DefaultExpectedStatus
	}
	return &Trial{
		conn:     conn,
		resolver: resolver,
		cfg:      cfg,
		callback: cb,
		logger:   logger.With(slog.String("component", "trial")),
	}
}

func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// Start schedules a trial after delay. It fails without side effects when
// the URL cannot be parsed.
func (t *Trial) Start(rawURL string, delay time.Duration) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.target = u
	t.request = true
	t.scheduleLocked(delay)
	return nil
}

// Retry reuses the parsed URL of the previous Start.
func (t *Trial) Retry(delay time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.request {
		return false
	}
	t.cancelLocked()
	t.scheduleLocked(delay)
	return true
}

func (t *Trial) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// IsActive is true once a scheduled trial has actually begun running.
func (t *Trial) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Trial) stopLocked() {
	t.cancelLocked()
	t.request = false
	t.target = nil
}

func (t *Trial) cancelLocked() {
	t.gen++
	if t.delay != nil {
		t.delay.Stop()
		t.delay = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.active = false
}

func (t *Trial) scheduleLocked(delay time.Duration) {
	gen := t.gen
	target := *t.target
	t.delay = time.AfterFunc(delay, func() { t.run(gen, &target) })
}

func (t *Trial) run(gen uint64, target *url.URL) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	t.cancel = cancel
	t.delay = nil
	t.active = true
	t.mu.Unlock()
	defer cancel()

	result := t.fetch(ctx, target)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.cancel = nil
	t.mu.Unlock()

	t.logger.Debug("trial finished", slog.String("url", target.String()), slog.String("result", result.String()))
	if t.callback != nil {
		t.callback(result)
	}
}

func classify(phase Phase, err error) TrialResult {
	if probe.IsTimeout(err) {
		return TrialResult{Phase: phase, Status: StatusTimeout}
	}
	return TrialResult{Phase: phase, Status: StatusFailure}
}

func (t *Trial) fetch(ctx context.Context, target *url.URL) TrialResult {
	host := target.Hostname()
	addr, err := netip.ParseAddr(host)
	if err != nil {
		addr, err = t.resolver.Resolve(ctx, host, t.conn.DNSServers)
		if err != nil {
			t.logger.Debug("dns phase failed", slog.String("host", host), slog.Any("err", err))
			return classify(PhaseDNS, err)
		}
	}

	port := target.Port()
	if port == "" {
		port = "80"
		if target.Scheme == "https" {
			port = "443"
		}
	}

	dialer := &net.Dialer{}
	if local := t.conn.LocalAddr(); local.IsValid() && local.Is6() == addr.Is6() {
		dialer.LocalAddr = &net.TCPAddr{IP: net.IP(local.AsSlice())}
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), port))
	if err != nil {
		t.logger.Debug("connection phase failed", slog.String("addr", addr.String()), slog.Any("err", err))
		return classify(PhaseConnection, err)
	}

	var once sync.Once
	transport := &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			var c net.Conn
			once.Do(func() { c = conn })
			if c == nil {
				return nil, errors.New("connection already used")
			}
			return c, nil
		},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		conn.Close()
		return TrialResult{Phase: PhaseHTTP, Status: StatusFailure}
	}
	req.Header.Set("User-Agent", "linkdiag/portal-check")

	resp, err := client.Do(req)
	if err != nil {
		conn.Close()
		return classify(PhaseHTTP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return classify(PhaseContent, err)
	}

	if resp.StatusCode != t.cfg.ExpectedStatus {
		t.logger.Debug("unexpected status", slog.String("status", strconv.Itoa(resp.StatusCode)))
		return TrialResult{Phase: PhaseContent, Status: StatusFailure}
	}
	if t.cfg.ExpectedContent != "" && !strings.Contains(string(body), t.cfg.ExpectedContent) {
		return TrialResult{Phase: PhaseContent, Status: StatusFailure}
	}
	return TrialResult{Phase: PhaseContent, Status: StatusSuccess}
}
