package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"tungate/internal/core"
	"tungate/internal/provider"
)

// DNSConfig configures query hijacking.
type DNSConfig struct {
	// Server is the upstream every hijacked query is relayed to.
	Server netip.AddrPort
	// Hijack redirects all UDP/53 traffic captured by the TUN to Server.
	Hijack bool
	// FakeIP answers A/IN queries from the pool instead of relaying them.
	FakeIP bool
	// Timeout per upstream exchange (default 3s).
	Timeout time.Duration
}

// DNSRouter answers or relays DNS queries captured on the TUN. Upstream
// traffic leaves through the direct provider so it is never captured again.
type DNSRouter struct {
	cfg    DNSConfig
	pool   *FakeIPPool // nil unless FakeIP is on
	direct provider.Dialer
	client *dns.Client
}

// NewDNSRouter creates a DNS router. netDialer is used by the miekg client
// for Resolve and must be bound to the real NIC in production.
func NewDNSRouter(cfg DNSConfig, pool *FakeIPPool, direct provider.Dialer, netDialer *net.Dialer) *DNSRouter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if !cfg.FakeIP {
		pool = nil
	}
	core.Log.Infof("DNS", "Router created (upstream=%s, hijack=%v, fakeip=%v)",
		cfg.Server, cfg.Hijack, pool != nil)
	return &DNSRouter{
		cfg:    cfg,
		pool:   pool,
		direct: direct,
		client: &dns.Client{Net: "udp", Dialer: netDialer, Timeout: cfg.Timeout},
	}
}

// Upstream returns the configured upstream server.
func (d *DNSRouter) Upstream() netip.AddrPort { return d.cfg.Server }

// Pool returns the FakeIP pool, nil when FakeIP is off.
func (d *DNSRouter) Pool() *FakeIPPool { return d.pool }

// Intercepts reports whether p is a DNS query the router must answer.
func (d *DNSRouter) Intercepts(p *Packet) bool {
	return d.cfg.Hijack && p.Protocol == protoUDP && p.DstPort == 53
}

// Handle produces the response for one query. FakeIP answers are
// synthesized locally; everything else is relayed upstream with the
// transaction ID preserved. When the upstream fails the client gets a
// SERVFAIL instead of silence.
func (d *DNSRouter) Handle(ctx context.Context, query []byte) ([]byte, error) {
	if d.pool != nil {
		if resp, ok := d.answerFakeIP(query); ok {
			return resp, nil
		}
	}

	resp, err := d.relay(ctx, query)
	if err != nil {
		core.Log.Warnf("DNS", "Relay to %s failed: %v", d.cfg.Server, err)
		if sf := servFail(query); sf != nil {
			return sf, nil
		}
		return nil, err
	}
	return resp, nil
}

func (d *DNSRouter) answerFakeIP(query []byte) ([]byte, bool) {
	q, err := ParseDNSQuestion(query)
	if err != nil || q.Type != dnsTypeA || q.Class != dnsClassIN || q.Name == "" {
		return nil, false
	}
	ip, err := d.pool.Allocate(q.Name)
	if err != nil {
		// Pool exhausted: that one query is relayed instead.
		core.Log.Warnf("FakeIP", "%v; relaying %s upstream", err, q.Name)
		return nil, false
	}
	return SynthesizeAResponse(query, q, ip), true
}

// relay forwards the raw query and returns the first response carrying
// the same ID. The response bytes are passed through untouched.
func (d *DNSRouter) relay(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < dnsHeaderLen {
		return nil, errDNSShort
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := d.direct.DialUDP(ctx, d.cfg.Server.String())
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("write upstream: %w", err)
	}

	id := binary.BigEndian.Uint16(query[0:2])
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read upstream: %w", err)
		}
		var m dns.Msg
		if err := m.Unpack(buf[:n]); err != nil || !m.Response || m.Id != id {
			continue // stray or spoofed datagram
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])
		return resp, nil
	}
}

// Resolve looks up the first IPv4 address of domain through the upstream
// server. Used to connect FakeIP flows directly when the proxy is down.
func (d *DNSRouter) Resolve(ctx context.Context, domain string) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	r, _, err := d.client.ExchangeContext(ctx, m, d.cfg.Server.String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("[DNS] resolve %s: %w", domain, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("[DNS] resolve %s: %s", domain, dns.RcodeToString[r.Rcode])
	}
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return ip, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("[DNS] resolve %s: %w", domain, errNoARecord)
}

var errNoARecord = errors.New("no A record")

// servFail builds a SERVFAIL reply for query, or nil if it does not parse.
func servFail(query []byte) []byte {
	var req dns.Msg
	if err := req.Unpack(query); err != nil {
		return nil
	}
	m := new(dns.Msg)
	m.SetRcode(&req, dns.RcodeServerFailure)
	out, err := m.Pack()
	if err != nil {
		return nil
	}
	return out
}
