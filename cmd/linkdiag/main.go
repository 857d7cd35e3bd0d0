package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iaserrat/linkdiag/internal/config"
	"github.com/iaserrat/linkdiag/internal/device"
	"github.com/iaserrat/linkdiag/internal/diagnostics"
	"github.com/iaserrat/linkdiag/internal/linkmon"
	"github.com/iaserrat/linkdiag/internal/logging"
	"github.com/iaserrat/linkdiag/internal/netinfo"
	"github.com/iaserrat/linkdiag/internal/outage"
	"github.com/iaserrat/linkdiag/internal/portal"
	"github.com/iaserrat/linkdiag/internal/probe"
	"github.com/iaserrat/linkdiag/internal/report"
	"github.com/iaserrat/linkdiag/internal/server"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	ifaceName  string
	portalURL  string
	format     string
	resolvConf string
	trace      bool
)

func main() {
	root := &cobra.Command{
		Use:   "linkdiag",
		Short: "Connection diagnostics: portal detection, failure diagnosis and link monitoring",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&resolvConf, "resolv-conf", netinfo.DefaultResolvConf, "Resolver configuration used for DNS servers")

	diagnose := &cobra.Command{
		Use:          "diagnose",
		Short:        "Run portal detection on an interface and diagnose a failure",
		RunE:         runDiagnose,
		SilenceUsage: true,
	}
	diagnose.Flags().StringVarP(&ifaceName, "iface", "i", "", "Network interface to diagnose")
	diagnose.Flags().StringVar(&portalURL, "url", "", "Portal detection URL (default from config)")
	diagnose.Flags().StringVarP(&format, "format", "f", "text", "Report format: text, json or yaml")
	diagnose.Flags().BoolVar(&trace, "trace", false, "Trace the path to the failing hop")
	_ = diagnose.MarkFlagRequired("iface")

	portalCmd := &cobra.Command{
		Use:          "portal",
		Short:        "Run portal detection on an interface and print every attempt",
		RunE:         runPortal,
		SilenceUsage: true,
	}
	portalCmd.Flags().StringVarP(&ifaceName, "iface", "i", "", "Network interface to check")
	portalCmd.Flags().StringVar(&portalURL, "url", "", "Portal detection URL (default from config)")
	_ = portalCmd.MarkFlagRequired("iface")

	monitor := &cobra.Command{
		Use:          "monitor",
		Short:        "Supervise every configured interface until interrupted (SIGHUP re-checks after resume)",
		RunE:         runMonitor,
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(diagnose, portalCmd, monitor, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file. The one-shot commands take the
// interface from a flag, so they accept a file without interfaces and fall
// back to defaults when there is no file at all.
func loadConfig(required bool) (config.Config, error) {
	if required {
		return config.Load(configPath)
	}
	if _, err := os.Stat(configPath); err != nil {
		return config.Default(), nil
	}
	return config.LoadSettings(configPath)
}

func newLogger(cfg config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.NewLogger(level, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

func newRecorder(cfg config.Config) (*logging.Recorder, error) {
	hostID, err := os.Hostname()
	if err != nil || hostID == "" {
		hostID = "unknown"
	}
	return logging.New(logging.Config{
		Dir:         cfg.Logging.Dir,
		MaxMB:       cfg.Logging.MaxMB,
		MaxFiles:    cfg.Logging.MaxFiles,
		ToolName:    "linkdiag",
		ToolVersion: version,
		HostID:      hostID,
	})
}

func portalConfig(cfg config.Config) portal.DetectorConfig {
	return portal.DetectorConfig{
		Trial: portal.TrialConfig{
			Timeout:         cfg.Portal.RequestTimeout(),
			ExpectedStatus:  cfg.Portal.ExpectedStatus,
			ExpectedContent: cfg.Portal.ExpectedContent,
		},
		MinTimeBetweenAttempts: cfg.Portal.MinAttemptSpacing(),
	}
}

func diagnosticsConfig(cfg config.Config) diagnostics.Config {
	d := cfg.Diagnostics
	return diagnostics.Config{
		MaxDNSRetries:     d.MaxDNSRetries,
		DNSTimeout:        d.DNSTimeout(),
		RouteQueryTimeout: d.RouteQueryTimeout(),
		ARPReplyTimeout:   d.ARPReplyTimeout(),
		NeighborTimeout:   d.NeighborTimeout(),
		Portal:            portalConfig(cfg),
	}
}

func deviceConfig(cfg config.Config) device.Config {
	l := cfg.LinkMonitor
	return device.Config{
		URL:                cfg.Portal.URL,
		CheckInterval:      cfg.Portal.CheckInterval(),
		Portal:             portalConfig(cfg),
		Diagnostics:        diagnosticsConfig(cfg),
		FallbackDNSServers: cfg.Diagnostics.FallbackDNSServers,
		LinkMonitorEnabled: l.Enabled,
		LinkMonitor: linkmon.Config{
			TestPeriod:     l.TestPeriod(),
			FastTestPeriod: l.FastTestPeriod(),
			PassiveCycles:  l.PassiveCycles,
			Passive: linkmon.PassiveConfig{
				CyclePeriod:         l.PassiveCyclePeriod(),
				MinRequestsPerCycle: l.MinARPRequestsPerCycle,
			},
		},
		UnreliableThreshold: l.UnreliableThreshold(),
		RestartDelay:        l.RestartDelay(),
		TraceTimeout:        time.Duration(cfg.Diagnostics.TraceMaxHops)*cfg.Diagnostics.TraceTimeout() + 2*time.Second,
	}
}

func newResolver(cfg config.Config, conn *netinfo.Connection) *probe.DNSResolver {
	return probe.NewDNSResolver(probe.DNSConfig{Timeout: cfg.Diagnostics.DNSTimeout(), IPv6: conn.IsIPv6()})
}

func newPinger(cfg config.Config) *probe.ICMPPinger {
	return probe.NewICMPPinger(probe.PingConfig{
		Count:    cfg.Diagnostics.PingCount,
		Interval: cfg.Diagnostics.PingInterval(),
		Timeout:  cfg.Diagnostics.PingTimeout(),
	})
}

func newTracer(cfg config.Config) *probe.CommandTracer {
	return probe.NewCommandTracer(probe.TraceConfig{
		MaxHops: cfg.Diagnostics.TraceMaxHops,
		Timeout: cfg.Diagnostics.TraceTimeout(),
	})
}

func runPortal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if portalURL == "" {
		portalURL = cfg.Portal.URL
	}

	conn, err := netinfo.Discover(ifaceName, resolvConf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := portal.Detect(ctx, conn, newResolver(cfg, conn), portalConfig(cfg), logger, portalURL, func(r portal.Result) {
		fmt.Printf("attempt %d: %s final=%t\n", r.NumAttempts, r.Trial, r.Final)
	})
	if err != nil {
		return err
	}
	if res.Trial.Status != portal.StatusSuccess {
		return fmt.Errorf("portal detection failed: %s", res.Trial)
	}
	return nil
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	if portalURL == "" {
		portalURL = cfg.Portal.URL
	}

	conn, err := netinfo.Discover(ifaceName, resolvConf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := newResolver(cfg, conn)
	nl := netinfo.NewNetlink()
	started := time.Now()

	res, err := portal.Detect(ctx, conn, resolver, portalConfig(cfg), logger, portalURL, nil)
	if err != nil {
		return fmt.Errorf("portal detection: %w", err)
	}
	rep := report.New(conn.InterfaceName, portalURL, res, started)

	if res.Trial.Status != portal.StatusSuccess {
		diag := diagnostics.New(conn, diagnostics.Deps{
			Resolver: resolver,
			Pinger:   newPinger(cfg),
			Routes:   nl,
			Devices:  nl,
			DialARP:  probe.DialARP,
		}, diagnosticsConfig(cfg), logger, nil)
		issue, events, err := diag.Run(ctx, portalURL, res)
		if err != nil {
			return fmt.Errorf("diagnostics: %w", err)
		}
		rep.SetDiagnosis(issue, events)

		if trace {
			u, _ := portal.ParseURL(portalURL)
			if target, ok := device.TraceTarget(ctx, conn, resolver, u.Hostname(), cfg.Diagnostics.DNSTimeout(), issue); ok {
				traceCtx, cancel := context.WithTimeout(ctx, deviceConfig(cfg).TraceTimeout)
				rep.SetTrace(newTracer(cfg).Trace(traceCtx, target))
				cancel()
			}
		}
	}
	rep.Finish(time.Now())

	return rep.Render(os.Stdout, f)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	recorder, err := newRecorder(cfg)
	if err != nil {
		return err
	}
	defer recorder.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outages := outage.NewTracker(cfg.Outage.ClearAfter())
	nl := netinfo.NewNetlink()
	tracer := newTracer(cfg)
	devCfg := deviceConfig(cfg)

	var devices []*device.Device
	for _, iface := range cfg.Interfaces {
		conn, err := netinfo.Discover(iface.Name, resolvConf)
		if err != nil {
			return fmt.Errorf("interface %s: %w", iface.Name, err)
		}
		devices = append(devices, device.New(conn, device.Deps{
			Resolver: newResolver(cfg, conn),
			Pinger:   newPinger(cfg),
			Routes:   nl,
			Devices:  nl,
			DialARP:  probe.DialARP,
			Tracer:   tracer,
			Recorder: recorder,
			Outages:  outages,
		}, devCfg, logger))
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		g.Go(func() error {
			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", d.Name(), err)
			}
			<-ctx.Done()
			d.Stop()
			return nil
		})
	}

	if cfg.Server.Addr != "" {
		api := make([]server.Device, 0, len(devices))
		for _, d := range devices {
			api = append(api, d)
		}
		srv := server.New(api, logger)
		g.Go(func() error { return srv.Run(ctx, cfg.Server.Addr) })
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logger.Info("resume signal received")
				for _, d := range devices {
					d.OnAfterResume()
				}
			}
		}
	})

	logger.Info("monitoring", slog.Int("interfaces", len(devices)), slog.String("version", version))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
