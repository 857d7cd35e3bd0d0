package probe

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/netip"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type TraceConfig struct {
	MaxHops int
	Timeout time.Duration
}

type Hop struct {
	TTL   int
	Addr  netip.Addr
	RttMs float64
}

type TraceResult struct {
	Target   netip.Addr
	Hops     []Hop
	PathHash string
	Err      string
}

// Tracer records the forwarding path towards a host.
type Tracer interface {
	Trace(ctx context.Context, target netip.Addr) TraceResult
}

// CommandTracer shells out to the system traceroute.
type CommandTracer struct {
	cfg TraceConfig
}

func NewCommandTracer(cfg TraceConfig) *CommandTracer {
	return &CommandTracer{cfg: cfg}
}

var hopLine = regexp.MustCompile(`^\s*(\d+)\s+(.+)$`)

func (t *CommandTracer) Trace(ctx context.Context, target netip.Addr) TraceResult {
	wait := int(math.Max(1, math.Ceil(t.cfg.Timeout.Seconds())))
	args := []string{"-n", "-q", "1", "-m", strconv.Itoa(t.cfg.MaxHops), "-w", strconv.Itoa(wait)}
	if target.Is6() {
		args = append(args, "-6")
	}
	args = append(args, target.String())

	out, err := exec.CommandContext(ctx, "traceroute", args...).CombinedOutput()
	hops := parseTrace(string(out))
	res := TraceResult{Target: target, Hops: hops, PathHash: hashPath(hops)}
	if err != nil {
		res.Err = err.Error()
		if len(hops) == 0 {
			res.PathHash = ""
		}
	}
	return res
}

func parseTrace(out string) []Hop {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var hops []Hop

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "traceroute") {
			continue
		}

		matches := hopLine.FindStringSubmatch(line)
		if len(matches) < 3 {
			continue
		}

		ttl, _ := strconv.Atoi(matches[1])
		addr, rtt := parseHop(matches[2])
		hops = append(hops, Hop{TTL: ttl, Addr: addr, RttMs: rtt})
	}

	return hops
}

func parseHop(rest string) (netip.Addr, float64) {
	fields := strings.Fields(rest)
	if len(fields) < 2 || fields[0] == "*" {
		return netip.Addr{}, 0
	}

	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return netip.Addr{}, 0
	}
	var rtt float64
	for i := 1; i < len(fields); i++ {
		if fields[i] == "ms" {
			rtt, _ = strconv.ParseFloat(fields[i-1], 64)
			break
		}
	}

	return addr, rtt
}

func hashPath(hops []Hop) string {
	var sb strings.Builder
	for _, h := range hops {
		ip := ""
		if h.Addr.IsValid() {
			ip = h.Addr.String()
		}
		sb.WriteString(fmt.Sprintf("%d:%s|", h.TTL, ip))
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}
