package logging

import "time"

type BaseEvent struct {
	TSUTC         string `json:"ts_utc"`
	TSUnixMS      int64  `json:"ts_unix_ms"`
	Seq           uint64 `json:"seq"`
	Type          string `json:"type"`
	Interface     string `json:"iface"`
	OutageID      string `json:"outage_id,omitempty"`
	SchemaVersion int    `json:"schema_version"`
	ToolName      string `json:"tool_name"`
	ToolVersion   string `json:"tool_version"`
	HostID        string `json:"host_id"`
	ClockSource   string `json:"clock_source"`
}

func (b *BaseEvent) Base() *BaseEvent {
	return b
}

type PortalAttempt struct {
	BaseEvent
	URL      string `json:"url"`
	Phase    string `json:"phase"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Final    bool   `json:"final"`
}

type DiagnosisEvent struct {
	Type    string `json:"type"`
	Phase   string `json:"phase"`
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

type Diagnosis struct {
	BaseEvent
	URL        string           `json:"url"`
	Issue      string           `json:"issue"`
	IssueText  string           `json:"issue_text"`
	Events     []DiagnosisEvent `json:"events"`
	DurationMs int64            `json:"duration_ms"`
}

type LinkFailure struct {
	BaseEvent
	Reason            string `json:"reason"`
	BroadcastFailures int    `json:"broadcast_failures"`
	UnicastFailures   int    `json:"unicast_failures"`
	ResponseTimeMs    int    `json:"response_time_ms"`
}

type GatewayChange struct {
	BaseEvent
	Gateway    string `json:"gateway"`
	GatewayMAC string `json:"gateway_mac"`
	PrevMAC    string `json:"prev_mac,omitempty"`
}

type LinkUnreliable struct {
	BaseEvent
	SincePrevFailureMs int64 `json:"since_prev_failure_ms"`
}

type OutageEdge struct {
	BaseEvent
	Phase    string `json:"phase"`
	Status   string `json:"status"`
	Failures int    `json:"failures"`
}

type OutageSummary struct {
	BaseEvent
	StartTS    time.Time      `json:"start_ts"`
	EndTS      time.Time      `json:"end_ts"`
	DurationMs int64          `json:"duration_ms"`
	Checks     int            `json:"checks"`
	Failures   int            `json:"failures"`
	Attempts   int            `json:"attempts"`
	Diagnoses  int            `json:"diagnoses"`
	Issues     map[string]int `json:"issues"`
}

type PathTrace struct {
	BaseEvent
	Target   string     `json:"target"`
	Hops     []TraceHop `json:"hops"`
	PathHash string     `json:"path_hash"`
	Err      string     `json:"err,omitempty"`
}

type TraceHop struct {
	TTL   int      `json:"ttl"`
	IP    string   `json:"ip"`
	RttMs *float64 `json:"rtt_ms"`
}

type FallbackDNS struct {
	BaseEvent
	Host    string   `json:"host"`
	Servers []string `json:"servers"`
	OK      bool     `json:"ok"`
	Address string   `json:"address,omitempty"`
	Err     string   `json:"err,omitempty"`
}
