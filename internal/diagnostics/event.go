package diagnostics

import "fmt"

type EventType int

const (
	EventPortalDetection EventType = iota
	EventPingDNSServers
	EventResolveTargetServerIP
	EventPingTargetServer
	EventPingGateway
	EventFindRoute
	EventArpTableLookup
	EventNeighborTableLookup
	EventIPCollisionCheck
)

var eventTypeNames = [...]string{
	"Portal detection",
	"Ping DNS servers",
	"DNS resolution",
	"Ping (target web server)",
	"Ping (gateway)",
	"Find route",
	"ARP table lookup",
	"Neighbor table lookup",
	"IP collision check",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

type Phase int

const (
	PhaseStart Phase = iota
	PhaseEnd
	PhaseEndContent
	PhaseEndDNS
	PhaseEndOther
)

var phaseNames = [...]string{
	"Start",
	"End",
	"End (Content)",
	"End (DNS)",
	"End (HTTP/CXN)",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
	ResultTimeout
)

var resultNames = [...]string{"Success", "Failure", "Timeout"}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("Result(%d)", int(r))
	}
	return resultNames[r]
}

// Event is one step of a diagnostics run. Events are only ever appended.
type Event struct {
	Type    EventType
	Phase   Phase
	Result  Result
	Message string
}

func (e Event) String() string {
	s := fmt.Sprintf("Event: %-26sPhase: %-17sResult: %-10s", e.Type, e.Phase, e.Result)
	if e.Message != "" {
		s += "Msg: " + e.Message
	}
	return s
}
