package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/probe"
)

const (
	MaxRequestAttempts            = 3
	MaxFailuresInContentPhase     = 2
	DefaultMinTimeBetweenAttempts = 3 * time.Second
)

type DetectorConfig struct {
	Trial                  TrialConfig
	MinTimeBetweenAttempts time.Duration
}

type ResultCallback func(Result)

// Detector repeats connectivity trials until one succeeds, the attempt
// budget runs out, or the content phase keeps failing.
type Detector struct {
	trial    *Trial
	callback ResultCallback
	minGap   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu                     sync.Mutex
	url                    string
	attemptCount           int
	attemptStartTime       time.Time
	failuresInContentPhase int
	nextTicket             uint64

	deliverMu sync.Mutex
	delivered *sync.Cond
	turn      uint64
}

func NewDetector(conn *netinfo.Connection, resolver probe.Resolver, cfg DetectorConfig, logger *slog.Logger, cb ResultCallback) *Detector {
	if cfg.MinTimeBetweenAttempts <= 0 {
		cfg.MinTimeBetweenAttempts = DefaultMinTimeBetweenAttempts
	}
	d := &Detector{
		callback: cb,
		minGap:   cfg.MinTimeBetweenAttempts,
		logger:   logger.With(slog.String("component", "portal"), slog.String("iface", conn.InterfaceName)),
		now:      time.Now,
	}
	d.delivered = sync.NewCond(&d.deliverMu)
	d.trial = NewTrial(conn, resolver, cfg.Trial, logger, d.completeAttempt)
	return d
}

func (d *Detector) Start(rawURL string) error {
	return d.StartAfterDelay(rawURL, 0)
}

func (d *Detector) StartAfterDelay(rawURL string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Debug("starting portal detection", slog.String("url", rawURL), slog.Duration("delay", delay))
	if err := d.trial.Start(rawURL, delay); err != nil {
		return err
	}
	d.url = rawURL
	d.attemptCount = 1
	d.failuresInContentPhase = 0
	d.attemptStartTime = d.now().Add(delay)
	return nil
}

func (d *Detector) Stop() {
	d.trial.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.attemptCount = 0
	d.failuresInContentPhase = 0
}

// IsInProgress is false while the first attempt is still waiting out its
// start delay.
func (d *Detector) IsInProgress() bool {
	d.mu.Lock()
	count := d.attemptCount
	d.mu.Unlock()

	if count > 1 {
		return true
	}
	return count == 1 && d.trial.IsActive()
}

func (d *Detector) completeAttempt(tr TrialResult) {
	d.mu.Lock()
	if d.attemptCount == 0 {
		d.mu.Unlock()
		return
	}

	if tr.Status == StatusFailure && tr.Phase == PhaseContent {
		d.failuresInContentPhase++
	}

	d.logger.Info("portal detection attempt finished",
		slog.Int("attempt", d.attemptCount),
		slog.String("phase", tr.Phase.String()),
		slog.String("status", tr.Status.String()))

	result := Result{Trial: tr, NumAttempts: d.attemptCount}
	ticket := d.nextTicket
	d.nextTicket++
	stop := false
	if tr.Status == StatusSuccess ||
		d.attemptCount >= MaxRequestAttempts ||
		d.failuresInContentPhase >= MaxFailuresInContentPhase {
		result.Final = true
		stop = true
	} else {
		d.attemptCount++
		delay := d.adjustStartDelayLocked()
		d.attemptStartTime = d.now().Add(delay)
		if !d.trial.Retry(delay) {
			d.logger.Error("portal detection retry failed; trial was torn down")
		}
	}
	d.mu.Unlock()

	if stop {
		d.Stop()
	}
	d.deliver(ticket, result)
}

// deliver runs the callback for one result at a time, in attempt order.
// A retry can finish before the previous attempt's callback returns.
func (d *Detector) deliver(ticket uint64, r Result) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	for d.turn != ticket {
		d.delivered.Wait()
	}
	if d.callback != nil {
		d.callback(r)
	}
	d.turn++
	d.delivered.Broadcast()
}

// adjustStartDelayLocked keeps consecutive attempt starts at least minGap
// apart. It must only run after an attempt has started.
func (d *Detector) adjustStartDelayLocked() time.Duration {
	if d.attemptCount <= 0 {
		panic(fmt.Sprintf("portal: start delay adjusted with %d previous attempts", d.attemptCount))
	}
	var next time.Duration
	elapsed := d.now().Sub(d.attemptStartTime)
	if elapsed < d.minGap {
		next = d.minGap - elapsed
	}
	d.logger.Debug("adjusted trial start delay", slog.Duration("elapsed", elapsed), slog.Duration("delay", next))
	return next
}

// Detect runs one detection cycle and blocks until its final result.
// onAttempt, when set, also sees the non-final results.
func Detect(ctx context.Context, conn *netinfo.Connection, resolver probe.Resolver, cfg DetectorConfig, logger *slog.Logger, rawURL string, onAttempt ResultCallback) (Result, error) {
	final := make(chan Result, 1)
	d := NewDetector(conn, resolver, cfg, logger, func(r Result) {
		if onAttempt != nil {
			onAttempt(r)
		}
		if r.Final {
			final <- r
		}
	})
	if err := d.Start(rawURL); err != nil {
		return Result{}, err
	}
	defer d.Stop()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-final:
		return r, nil
	}
}
