package outage

import (
	"fmt"
	"sync"
	"time"

	"github.com/iaserrat/linkdiag/internal/diagnostics"
	"github.com/iaserrat/linkdiag/internal/portal"
)

type EventType string

const (
	EventOutageStart   EventType = "outage_start"
	EventOutageEnd     EventType = "outage_end"
	EventOutageSummary EventType = "outage_summary"
)

type Event interface {
	Type() EventType
}

type Start struct {
	Interface string
	OutageID  string
	Result    portal.TrialResult
	Attempts  int
}

func (s Start) Type() EventType { return EventOutageStart }

type End struct {
	Interface string
	OutageID  string
	Failures  int
}

func (e End) Type() EventType { return EventOutageEnd }

type Summary struct {
	Interface  string
	OutageID   string
	StartTS    time.Time
	EndTS      time.Time
	DurationMs int64
	Checks     int
	Failures   int
	Attempts   int
	Diagnoses  int
	Issues     map[string]int
}

func (s Summary) Type() EventType { return EventOutageSummary }

// Tracker turns the stream of final portal results of each interface into
// outage start/end edges. An outage opens on the first failed check and
// closes once checks have stayed successful for clearAfter.
type Tracker struct {
	clearAfter time.Duration
	mu         sync.Mutex
	states     map[string]*ifaceState
	idCounter  int64
}

type ifaceState struct {
	inOutage    bool
	outageID    string
	outageStart time.Time
	clearSince  *time.Time

	checks    int
	failures  int
	attempts  int
	diagnoses int
	issues    map[string]int
}

func NewTracker(clearAfter time.Duration) *Tracker {
	return &Tracker{
		clearAfter: clearAfter,
		states:     make(map[string]*ifaceState),
	}
}

// Process feeds one final portal result. Non-final results are ignored.
func (t *Tracker) Process(iface string, ts time.Time, res portal.Result) []Event {
	if !res.Final {
		return nil
	}
	ok := res.Trial.Status == portal.StatusSuccess

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.stateFor(iface)

	if !state.inOutage {
		if ok {
			return nil
		}
		state.inOutage = true
		state.outageID = t.nextOutageID(iface, ts)
		state.outageStart = ts
		state.clearSince = nil
		state.checks = 1
		state.failures = 1
		state.attempts = res.NumAttempts
		state.diagnoses = 0
		state.issues = make(map[string]int)

		return []Event{Start{
			Interface: iface,
			OutageID:  state.outageID,
			Result:    res.Trial,
			Attempts:  res.NumAttempts,
		}}
	}

	state.checks++
	state.attempts += res.NumAttempts
	if !ok {
		state.failures++
		state.clearSince = nil
		return nil
	}

	if state.clearSince == nil {
		since := ts
		state.clearSince = &since
	}
	if ts.Sub(*state.clearSince) < t.clearAfter {
		return nil
	}

	end := End{
		Interface: iface,
		OutageID:  state.outageID,
		Failures:  state.failures,
	}
	summary := Summary{
		Interface:  iface,
		OutageID:   state.outageID,
		StartTS:    state.outageStart,
		EndTS:      ts,
		DurationMs: ts.Sub(state.outageStart).Milliseconds(),
		Checks:     state.checks,
		Failures:   state.failures,
		Attempts:   state.attempts,
		Diagnoses:  state.diagnoses,
		Issues:     state.issues,
	}

	*state = ifaceState{}

	return []Event{end, summary}
}

// RecordDiagnosis counts a diagnosis against the outage it was run for. A
// diagnosis for an outage that has since closed is dropped.
func (t *Tracker) RecordDiagnosis(iface string, outageID string, issue diagnostics.Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[iface]
	if state == nil {
		return
	}
	if state.inOutage && state.outageID == outageID {
		state.diagnoses++
		state.issues[issue.Name()]++
	}
}

func (t *Tracker) ActiveOutageID(iface string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[iface]
	if state == nil || !state.inOutage {
		return ""
	}

	return state.outageID
}

func (t *Tracker) stateFor(iface string) *ifaceState {
	state := t.states[iface]
	if state == nil {
		state = &ifaceState{}
		t.states[iface] = state
	}

	return state
}

func (t *Tracker) nextOutageID(iface string, ts time.Time) string {
	t.idCounter++
	return fmt.Sprintf("%s-%d-%06d", iface, ts.UnixNano(), t.idCounter)
}
