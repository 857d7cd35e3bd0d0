package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/iaserrat/linkdiag/internal/diagnostics"
	"github.com/iaserrat/linkdiag/internal/portal"
	"github.com/iaserrat/linkdiag/internal/probe"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var ErrUnknownFormat = errors.New("report: unknown format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

type Event struct {
	Type    string `json:"type" yaml:"type"`
	Phase   string `json:"phase" yaml:"phase"`
	Result  string `json:"result" yaml:"result"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

type Hop struct {
	TTL   int      `json:"ttl" yaml:"ttl"`
	IP    string   `json:"ip" yaml:"ip"`
	RttMs *float64 `json:"rtt_ms" yaml:"rtt_ms"`
}

type Trace struct {
	Target   string `json:"target" yaml:"target"`
	Hops     []Hop  `json:"hops" yaml:"hops"`
	PathHash string `json:"path_hash,omitempty" yaml:"path_hash,omitempty"`
	Err      string `json:"err,omitempty" yaml:"err,omitempty"`
}

// Report is the outcome of one diagnose pass over an interface: the final
// portal detection result and, when it failed, the diagnosis.
type Report struct {
	Interface    string    `json:"iface" yaml:"iface"`
	URL          string    `json:"url" yaml:"url"`
	PortalPhase  string    `json:"portal_phase" yaml:"portal_phase"`
	PortalStatus string    `json:"portal_status" yaml:"portal_status"`
	Attempts     int       `json:"attempts" yaml:"attempts"`
	Issue        string    `json:"issue" yaml:"issue"`
	IssueText    string    `json:"issue_text" yaml:"issue_text"`
	Events       []Event   `json:"events" yaml:"events"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	DurationMs   int64     `json:"duration_ms" yaml:"duration_ms"`
	Trace        *Trace    `json:"trace,omitempty" yaml:"trace,omitempty"`
}

func New(iface, rawURL string, res portal.Result, startedAt time.Time) *Report {
	return &Report{
		Interface:    iface,
		URL:          rawURL,
		PortalPhase:  res.Trial.Phase.String(),
		PortalStatus: res.Trial.Status.String(),
		Attempts:     res.NumAttempts,
		Issue:        diagnostics.IssueNone.Name(),
		IssueText:    diagnostics.IssueNone.String(),
		Events:       []Event{},
		StartedAt:    startedAt.UTC(),
	}
}

func (r *Report) SetDiagnosis(issue diagnostics.Issue, events []diagnostics.Event) {
	r.Issue = issue.Name()
	r.IssueText = issue.String()
	r.Events = make([]Event, 0, len(events))
	for _, e := range events {
		r.Events = append(r.Events, Event{
			Type:    e.Type.String(),
			Phase:   e.Phase.String(),
			Result:  e.Result.String(),
			Message: e.Message,
		})
	}
}

func (r *Report) SetTrace(tr probe.TraceResult) {
	t := &Trace{
		Target:   tr.Target.String(),
		Hops:     make([]Hop, 0, len(tr.Hops)),
		PathHash: tr.PathHash,
		Err:      tr.Err,
	}
	for _, h := range tr.Hops {
		hop := Hop{TTL: h.TTL}
		if h.Addr.IsValid() {
			rtt := h.RttMs
			hop.IP = h.Addr.String()
			hop.RttMs = &rtt
		}
		t.Hops = append(t.Hops, hop)
	}
	r.Trace = t
}

func (r *Report) Finish(end time.Time) {
	r.DurationMs = end.Sub(r.StartedAt).Milliseconds()
}

func (r *Report) Render(w io.Writer, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		out, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	case FormatText, "":
		return r.renderText(w)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

func (r *Report) renderText(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Interface:  %s\n", r.Interface)
	fmt.Fprintf(&sb, "URL:        %s\n", r.URL)
	fmt.Fprintf(&sb, "Portal:     %s/%s after %d attempt(s)\n", r.PortalPhase, r.PortalStatus, r.Attempts)
	fmt.Fprintf(&sb, "Issue:      %s\n", r.Issue)
	fmt.Fprintf(&sb, "            %s\n", r.IssueText)
	fmt.Fprintf(&sb, "Started:    %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Duration:   %s\n", time.Duration(r.DurationMs)*time.Millisecond)

	if len(r.Events) > 0 {
		sb.WriteString("\nEvents:\n")
		for _, e := range r.Events {
			line := fmt.Sprintf("Event: %-26sPhase: %-17sResult: %-10s", e.Type, e.Phase, e.Result)
			if e.Message != "" {
				line += "Msg: " + e.Message
			}
			sb.WriteString(strings.TrimRight(line, " "))
			sb.WriteByte('\n')
		}
	}

	if r.Trace != nil {
		fmt.Fprintf(&sb, "\nPath to %s:\n", r.Trace.Target)
		for _, h := range r.Trace.Hops {
			if h.RttMs == nil {
				fmt.Fprintf(&sb, "%3d  *\n", h.TTL)
				continue
			}
			fmt.Fprintf(&sb, "%3d  %-39s %.3f ms\n", h.TTL, h.IP, *h.RttMs)
		}
		if r.Trace.Err != "" {
			fmt.Fprintf(&sb, "trace error: %s\n", r.Trace.Err)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
