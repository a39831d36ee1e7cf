package gateway

import (
	"net/netip"
	"strings"
	"sync/atomic"

	"go4.org/netipx"

	"tungate/internal/core"
)

// Decision is the per-flow routing verdict.
type Decision int

const (
	// DecisionProxy relays the flow through the SOCKS5 endpoint.
	DecisionProxy Decision = iota
	// DecisionBypass connects directly through the real NIC.
	DecisionBypass
	// DecisionBlock drops the flow (proxy down under PolicyBlock).
	DecisionBlock
)

func (d Decision) String() string {
	switch d {
	case DecisionProxy:
		return "proxy"
	case DecisionBypass:
		return "bypass"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// reservedBypassCIDRs never go through the proxy.
var reservedBypassCIDRs = []string{
	"0.0.0.0/8",          // "this" network
	"10.0.0.0/8",         // RFC 1918
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local
	"172.16.0.0/12",      // RFC 1918
	"192.168.0.0/16",     // RFC 1918
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
}

// systemPorts are destination ports of OS infrastructure services that
// must keep working locally: DNS, DHCP, NTP, NetBIOS, SNMP, LDAP(S),
// SMB, WS-Discovery, mDNS, LLMNR, Kerberos and RPC.
var systemPorts = [...]uint16{
	53, 67, 68, 123, 137, 138, 139, 161, 162, 389, 636,
	445, 3702, 5353, 5355, 88, 464, 135,
}

// IsSystemPort reports whether port belongs to the system-service set.
func IsSystemPort(port uint16) bool {
	for _, p := range systemPorts {
		if p == port {
			return true
		}
	}
	return false
}

// Classifier decides bypass vs. proxy per destination. It is immutable
// apart from the proxy health flag and safe for concurrent use.
type Classifier struct {
	bypass  *netipx.IPSet
	policy  core.FallbackPolicy
	healthy atomic.Bool
}

// NewClassifier builds a classifier from the reserved ranges plus the
// user bypass prefixes. The proxy starts out healthy.
func NewClassifier(userBypass []netip.Prefix, policy core.FallbackPolicy) (*Classifier, error) {
	var b netipx.IPSetBuilder
	for _, s := range reservedBypassCIDRs {
		b.AddPrefix(netip.MustParsePrefix(s))
	}
	for _, p := range userBypass {
		b.AddPrefix(p.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	c := &Classifier{bypass: set, policy: policy}
	c.healthy.Store(true)
	return c, nil
}

// SetProxyHealthy records the latest proxy engine health check result.
func (c *Classifier) SetProxyHealthy(ok bool) { c.healthy.Store(ok) }

// Policy returns the unhealthy-proxy policy.
func (c *Classifier) Policy() core.FallbackPolicy { return c.policy }

// ProxyHealthy returns the last recorded health.
func (c *Classifier) ProxyHealthy() bool { return c.healthy.Load() }

// IsBypassAddr reports whether dst is in the reserved or configured set.
func (c *Classifier) IsBypassAddr(dst netip.Addr) bool {
	return c.bypass.Contains(dst.Unmap())
}

// Decide classifies a destination. Reserved/configured addresses and
// system ports always bypass. Everything else is proxied while the proxy
// is healthy; otherwise it goes direct (allow_direct) or is blocked.
func (c *Classifier) Decide(dst netip.Addr, port uint16) Decision {
	if c.IsBypassAddr(dst) || IsSystemPort(port) {
		return DecisionBypass
	}
	if !c.healthy.Load() {
		if c.policy == core.PolicyBlock {
			return DecisionBlock
		}
		return DecisionBypass
	}
	return DecisionProxy
}

// ParseBypassList parses IP and CIDR entries. Bare IPs become /32.
// Invalid and IPv6 entries are skipped with a warning.
func ParseBypassList(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range entries {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var p netip.Prefix
		if strings.Contains(s, "/") {
			var err error
			p, err = netip.ParsePrefix(s)
			if err != nil {
				core.Log.Warnf("Gateway", "Skipping invalid bypass entry %q: %v", s, err)
				continue
			}
		} else {
			a, err := netip.ParseAddr(s)
			if err != nil {
				core.Log.Warnf("Gateway", "Skipping invalid bypass entry %q: %v", s, err)
				continue
			}
			p = netip.PrefixFrom(a, a.BitLen())
		}
		if !p.Addr().Is4() {
			core.Log.Warnf("Gateway", "Skipping IPv6 bypass entry %q", s)
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}
