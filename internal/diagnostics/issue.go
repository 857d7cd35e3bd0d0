package diagnostics

import "fmt"

// Issue is the terminal diagnosis of a run. The set is closed; consumers
// may switch on it exhaustively.
type Issue int

const (
	IssueNone Issue = iota
	IssueIPCollision
	IssueRouting
	IssueHTTPBrokenPortal
	IssueDNSServerMisconfig
	IssueDNSServerNoResponse
	IssueNoDNSServersConfigured
	IssueDNSServersInvalid
	IssueCaptivePortal
	IssueGatewayUpstream
	IssueGatewayNotResponding
	IssueServerNotResponding
	IssueGatewayArpFailed
	IssueServerArpFailed
	IssueInternalError
	IssueGatewayNoNeighborEntry
	IssueServerNoNeighborEntry
	IssueGatewayNeighborEntryNotConnected
	IssueServerNeighborEntryNotConnected
)

type issueInfo struct {
	name string
	text string
}

var issues = [...]issueInfo{
	IssueNone: {"none", "No connection issue detected."},
	IssueIPCollision: {"ip_collision", "IP collision detected. Another host on the local network has been " +
		"assigned the same IP address."},
	IssueRouting: {"routing", "Routing problem detected."},
	IssueHTTPBrokenPortal: {"http_broken_portal", "Target URL is pingable. Connectivity problems might be caused by HTTP " +
		"issues on the server or a broken portal."},
	IssueDNSServerMisconfig: {"dns_server_misconfig", "DNS servers responding to DNS queries, but sending invalid responses. " +
		"DNS servers might be misconfigured."},
	IssueDNSServerNoResponse: {"dns_server_no_response", "At least one DNS server is pingable, but is not responding to DNS " +
		"requests. DNS server issue detected."},
	IssueNoDNSServersConfigured: {"no_dns_servers_configured", "No DNS servers have been configured for this connection -- either the " +
		"DHCP server or user configuration is invalid."},
	IssueDNSServersInvalid: {"dns_servers_invalid", "All configured DNS server addresses are invalid."},
	IssueCaptivePortal:     {"captive_portal", "Trapped in captive portal."},
	IssueGatewayUpstream: {"gateway_upstream", "We can find a route to the target web server at a remote IP address, " +
		"and the local gateway is pingable. Gatway issue or upstream " +
		"connectivity problem detected."},
	IssueGatewayNotResponding: {"gateway_not_responding", "This gateway appears to be on the local network, but is not responding to " +
		"pings."},
	IssueServerNotResponding: {"server_not_responding", "This web server appears to be on the local network, but is not responding " +
		"to pings."},
	IssueGatewayArpFailed: {"gateway_arp_failed", "No ARP entry for the gateway. Either the gateway does not exist on the " +
		"local network, or there are link layer issues."},
	IssueServerArpFailed: {"server_arp_failed", "No ARP entry for the web server. Either the web server does not exist on " +
		"the local network, or there are link layer issues."},
	IssueInternalError: {"internal_error", "The connection diagnostics encountered an internal failure."},
	IssueGatewayNoNeighborEntry: {"gateway_no_neighbor_entry", "No neighbor table entry for the gateway. Either the gateway does not " +
		"exist on the local network, or there are link layer issues."},
	IssueServerNoNeighborEntry: {"server_no_neighbor_entry", "No neighbor table entry for the web server. Either the web server does " +
		"not exist on the local network, or there are link layer issues."},
	IssueGatewayNeighborEntryNotConnected: {"gateway_neighbor_entry_not_connected", "Neighbor table entry for the gateway is not in a connected state. Either " +
		"the web server does not exist on the local network, or there are link " +
		"layer issues."},
	IssueServerNeighborEntryNotConnected: {"server_neighbor_entry_not_connected", "Neighbor table entry for the web server is not in a connected state. " +
		"Either the web server does not exist on the local network, or there are " +
		"link layer issues."},
}

func (i Issue) valid() bool { return i >= 0 && int(i) < len(issues) }

// String returns the human readable description of the issue.
func (i Issue) String() string {
	if !i.valid() {
		return fmt.Sprintf("Issue(%d)", int(i))
	}
	return issues[i].text
}

// Name is the stable identifier used in records and API responses.
func (i Issue) Name() string {
	if !i.valid() {
		return fmt.Sprintf("issue_%d", int(i))
	}
	return issues[i].name
}

func (i Issue) MarshalText() ([]byte, error) {
	if !i.valid() {
		return nil, fmt.Errorf("diagnostics: unknown issue %d", int(i))
	}
	return []byte(issues[i].name), nil
}

func (i *Issue) UnmarshalText(b []byte) error {
	v, err := ParseIssue(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func ParseIssue(name string) (Issue, error) {
	for idx, info := range issues {
		if info.name == name {
			return Issue(idx), nil
		}
	}
	return IssueNone, fmt.Errorf("diagnostics: unknown issue %q", name)
}
