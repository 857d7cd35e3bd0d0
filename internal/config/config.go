package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "/etc/linkdiag/config.toml"

type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Portal      PortalConfig      `toml:"portal"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	LinkMonitor LinkMonitorConfig `toml:"link_monitor"`
	Outage      OutageConfig      `toml:"outage"`
	Server      ServerConfig      `toml:"server"`
	Interfaces  []InterfaceConfig `toml:"interfaces"`
}

type LoggingConfig struct {
	Dir      string `toml:"dir"`
	MaxMB    int    `toml:"max_mb"`
	MaxFiles int    `toml:"max_files"`
	Level    string `toml:"level"`
}

type PortalConfig struct {
	URL                 string `toml:"url"`
	CheckIntervalSecs   int    `toml:"check_interval_secs"`
	RequestTimeoutMS    int    `toml:"request_timeout_ms"`
	MinAttemptSpacingMS int    `toml:"min_attempt_spacing_ms"`
	ExpectedStatus      int    `toml:"expected_status"`
	ExpectedContent     string `toml:"expected_content"`
}

type DiagnosticsConfig struct {
	DNSTimeoutMS        int      `toml:"dns_timeout_ms"`
	RouteQueryTimeoutMS int      `toml:"route_query_timeout_ms"`
	ARPReplyTimeoutMS   int      `toml:"arp_reply_timeout_ms"`
	NeighborTimeoutMS   int      `toml:"neighbor_timeout_ms"`
	MaxDNSRetries       int      `toml:"max_dns_retries"`
	PingCount           int      `toml:"ping_count"`
	PingIntervalMS      int      `toml:"ping_interval_ms"`
	PingTimeoutMS       int      `toml:"ping_timeout_ms"`
	FallbackDNSServers  []string `toml:"fallback_dns_servers"`
	TraceMaxHops        int      `toml:"trace_max_hops"`
	TraceTimeoutMS      int      `toml:"trace_timeout_ms"`
}

type LinkMonitorConfig struct {
	Enabled                 bool `toml:"enabled"`
	TestPeriodMS            int  `toml:"test_period_ms"`
	FastTestPeriodMS        int  `toml:"fast_test_period_ms"`
	PassiveCycles           int  `toml:"passive_cycles"`
	PassiveCycleSecs        int  `toml:"passive_cycle_secs"`
	MinARPRequestsPerCycle  int  `toml:"min_arp_requests_per_cycle"`
	UnreliableThresholdSecs int  `toml:"unreliable_threshold_secs"`
	RestartDelaySecs        int  `toml:"restart_delay_secs"`
}

type OutageConfig struct {
	ClearAfterSecs int `toml:"clear_after_secs"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type InterfaceConfig struct {
	Name string `toml:"name"`
}

// Default returns a configuration usable without a config file.
func Default() Config {
	cfg := Config{LinkMonitor: LinkMonitorConfig{Enabled: true}}
	applyDefaults(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	return load(path, true)
}

// LoadSettings is Load for commands that name the interface on the command
// line. An empty interfaces list is accepted.
func LoadSettings(path string) (Config, error) {
	return load(path, false)
}

func load(path string, requireInterfaces bool) (Config, error) {
	var cfg Config

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file not found: %w", err)
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if !md.IsDefined("link_monitor", "enabled") {
		cfg.LinkMonitor.Enabled = true
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	applyDefaults(&cfg)

	if err := cfg.validate(requireInterfaces); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Logging.Dir == "" {
		c.Logging.Dir = "/var/log/linkdiag"
	}
	if c.Logging.MaxMB == 0 {
		c.Logging.MaxMB = 10
	}
	if c.Logging.MaxFiles == 0 {
		c.Logging.MaxFiles = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Portal.URL == "" {
		c.Portal.URL = "http://clients3.google.com/generate_204"
	}
	if c.Portal.CheckIntervalSecs == 0 {
		c.Portal.CheckIntervalSecs = 30
	}
	if c.Portal.RequestTimeoutMS == 0 {
		c.Portal.RequestTimeoutMS = 10000
	}
	if c.Portal.MinAttemptSpacingMS == 0 {
		c.Portal.MinAttemptSpacingMS = 3000
	}
	if c.Portal.ExpectedStatus == 0 {
		c.Portal.ExpectedStatus = 204
	}

	d := &c.Diagnostics
	if d.DNSTimeoutMS == 0 {
		d.DNSTimeoutMS = 3000
	}
	if d.RouteQueryTimeoutMS == 0 {
		d.RouteQueryTimeoutMS = 1000
	}
	if d.ARPReplyTimeoutMS == 0 {
		d.ARPReplyTimeoutMS = 1000
	}
	if d.NeighborTimeoutMS == 0 {
		d.NeighborTimeoutMS = 1000
	}
	if d.MaxDNSRetries == 0 {
		d.MaxDNSRetries = 2
	}
	if d.PingCount == 0 {
		d.PingCount = 3
	}
	if d.PingIntervalMS == 0 {
		d.PingIntervalMS = 1000
	}
	if d.PingTimeoutMS == 0 {
		d.PingTimeoutMS = 3000
	}
	if len(d.FallbackDNSServers) == 0 {
		d.FallbackDNSServers = []string{"8.8.8.8", "8.8.4.4"}
	}
	if d.TraceMaxHops == 0 {
		d.TraceMaxHops = 16
	}
	if d.TraceTimeoutMS == 0 {
		d.TraceTimeoutMS = 1000
	}

	l := &c.LinkMonitor
	if l.TestPeriodMS == 0 {
		l.TestPeriodMS = 5000
	}
	if l.FastTestPeriodMS == 0 {
		l.FastTestPeriodMS = 200
	}
	if l.PassiveCycles == 0 {
		l.PassiveCycles = 40
	}
	if l.PassiveCycleSecs == 0 {
		l.PassiveCycleSecs = 25
	}
	if l.MinARPRequestsPerCycle == 0 {
		l.MinARPRequestsPerCycle = 5
	}
	if l.UnreliableThresholdSecs == 0 {
		l.UnreliableThresholdSecs = 3600
	}
	if l.RestartDelaySecs == 0 {
		l.RestartDelaySecs = 10
	}

	if c.Outage.ClearAfterSecs == 0 {
		c.Outage.ClearAfterSecs = 60
	}
}

func (c *Config) validate(requireInterfaces bool) error {
	var errs []string

	if strings.TrimSpace(c.Logging.Dir) == "" {
		errs = append(errs, "logging.dir is required")
	}
	if c.Logging.MaxMB <= 0 {
		errs = append(errs, "logging.max_mb must be > 0")
	}
	if c.Logging.MaxFiles <= 0 {
		errs = append(errs, "logging.max_files must be > 0")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if u, err := url.Parse(c.Portal.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		errs = append(errs, fmt.Sprintf("portal.url %q must be an absolute http(s) URL", c.Portal.URL))
	}
	if c.Portal.CheckIntervalSecs < 0 {
		errs = append(errs, "portal.check_interval_secs must be >= 0")
	}
	if c.Portal.RequestTimeoutMS <= 0 {
		errs = append(errs, "portal.request_timeout_ms must be > 0")
	}
	if c.Portal.MinAttemptSpacingMS <= 0 {
		errs = append(errs, "portal.min_attempt_spacing_ms must be > 0")
	}
	if c.Portal.ExpectedStatus < 100 || c.Portal.ExpectedStatus > 599 {
		errs = append(errs, "portal.expected_status must be a valid HTTP status")
	}

	d := c.Diagnostics
	for name, v := range map[string]int{
		"diagnostics.dns_timeout_ms":         d.DNSTimeoutMS,
		"diagnostics.route_query_timeout_ms": d.RouteQueryTimeoutMS,
		"diagnostics.arp_reply_timeout_ms":   d.ARPReplyTimeoutMS,
		"diagnostics.neighbor_timeout_ms":    d.NeighborTimeoutMS,
		"diagnostics.max_dns_retries":        d.MaxDNSRetries,
		"diagnostics.ping_count":             d.PingCount,
		"diagnostics.ping_interval_ms":       d.PingIntervalMS,
		"diagnostics.ping_timeout_ms":        d.PingTimeoutMS,
		"diagnostics.trace_max_hops":         d.TraceMaxHops,
		"diagnostics.trace_timeout_ms":       d.TraceTimeoutMS,
	} {
		if v <= 0 {
			errs = append(errs, name+" must be > 0")
		}
	}
	for i, s := range d.FallbackDNSServers {
		if _, err := netip.ParseAddr(s); err != nil {
			errs = append(errs, fmt.Sprintf("diagnostics.fallback_dns_servers[%d] %q is not an IP address", i, s))
		}
	}

	l := c.LinkMonitor
	for name, v := range map[string]int{
		"link_monitor.test_period_ms":             l.TestPeriodMS,
		"link_monitor.fast_test_period_ms":        l.FastTestPeriodMS,
		"link_monitor.passive_cycles":             l.PassiveCycles,
		"link_monitor.passive_cycle_secs":         l.PassiveCycleSecs,
		"link_monitor.min_arp_requests_per_cycle": l.MinARPRequestsPerCycle,
		"link_monitor.unreliable_threshold_secs":  l.UnreliableThresholdSecs,
		"link_monitor.restart_delay_secs":         l.RestartDelaySecs,
	} {
		if v <= 0 {
			errs = append(errs, name+" must be > 0")
		}
	}
	if l.FastTestPeriodMS > l.TestPeriodMS {
		errs = append(errs, "link_monitor.fast_test_period_ms must not exceed test_period_ms")
	}

	if c.Outage.ClearAfterSecs < 0 {
		errs = append(errs, "outage.clear_after_secs must be >= 0")
	}

	if requireInterfaces && len(c.Interfaces) == 0 {
		errs = append(errs, "interfaces must not be empty")
	}
	seen := make(map[string]bool)
	for i, iface := range c.Interfaces {
		name := strings.TrimSpace(iface.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("interfaces[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("interfaces[%d].name %q is duplicated", i, name))
		}
		seen[name] = true
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func secs(v int) time.Duration { return time.Duration(v) * time.Second }

func (p PortalConfig) CheckInterval() time.Duration     { return secs(p.CheckIntervalSecs) }
func (p PortalConfig) RequestTimeout() time.Duration    { return ms(p.RequestTimeoutMS) }
func (p PortalConfig) MinAttemptSpacing() time.Duration { return ms(p.MinAttemptSpacingMS) }

func (d DiagnosticsConfig) DNSTimeout() time.Duration        { return ms(d.DNSTimeoutMS) }
func (d DiagnosticsConfig) RouteQueryTimeout() time.Duration { return ms(d.RouteQueryTimeoutMS) }
func (d DiagnosticsConfig) ARPReplyTimeout() time.Duration   { return ms(d.ARPReplyTimeoutMS) }
func (d DiagnosticsConfig) NeighborTimeout() time.Duration   { return ms(d.NeighborTimeoutMS) }
func (d DiagnosticsConfig) PingInterval() time.Duration      { return ms(d.PingIntervalMS) }
func (d DiagnosticsConfig) PingTimeout() time.Duration       { return ms(d.PingTimeoutMS) }
func (d DiagnosticsConfig) TraceTimeout() time.Duration      { return ms(d.TraceTimeoutMS) }

func (l LinkMonitorConfig) TestPeriod() time.Duration          { return ms(l.TestPeriodMS) }
func (l LinkMonitorConfig) FastTestPeriod() time.Duration      { return ms(l.FastTestPeriodMS) }
func (l LinkMonitorConfig) PassiveCyclePeriod() time.Duration  { return secs(l.PassiveCycleSecs) }
func (l LinkMonitorConfig) UnreliableThreshold() time.Duration { return secs(l.UnreliableThresholdSecs) }
func (l LinkMonitorConfig) RestartDelay() time.Duration        { return secs(l.RestartDelaySecs) }

func (o OutageConfig) ClearAfter() time.Duration { return secs(o.ClearAfterSecs) }
