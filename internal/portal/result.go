package portal

type Phase int

const (
	PhaseConnection Phase = iota
	PhaseDNS
	PhaseHTTP
	PhaseContent
	PhaseUnknown
)

func (p Phase) String() string {
	switch p {
	case PhaseConnection:
		return "Connection"
	case PhaseDNS:
		return "DNS"
	case PhaseHTTP:
		return "HTTP"
	case PhaseContent:
		return "Content"
	default:
		return "Unknown"
	}
}

type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusTimeout:
		return "Timeout"
	default:
		return "Failure"
	}
}

// TrialResult classifies one connectivity trial.
type TrialResult struct {
	Phase  Phase
	Status Status
}

func (r TrialResult) String() string { return r.Phase.String() + "/" + r.Status.String() }

// Result is what the detector reports after each attempt. Final is set only
// on the attempt that ends the detection cycle.
type Result struct {
	Trial       TrialResult
	NumAttempts int
	Final       bool
}
