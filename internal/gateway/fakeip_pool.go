package gateway

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"tungate/internal/core"
)

// FakeIPPool allocates synthetic IPs from a fixed [start, end] range for
// domain-based routing. DNS answers for A queries are replaced with pool
// addresses so that later traffic to a domain is identifiable by its
// destination alone.
//
// One FakeIP per domain. The cursor only advances; once it passes end
// the pool is exhausted and Allocate fails for new domains.
type FakeIPPool struct {
	mu sync.RWMutex

	byFakeIP map[netip.Addr]*FakeIPEntry // forward: fakeIP → entry
	byDomain map[string]netip.Addr       // domain → fakeIP (dedup)

	start     netip.Addr
	end       netip.Addr
	next      netip.Addr // cursor
	exhausted bool

	now func() time.Time
}

// FakeIPEntry holds the mapping between a FakeIP and its domain.
type FakeIPEntry struct {
	Domain    string
	FakeIP    netip.Addr
	RealIP    netip.Addr // invalid until resolved
	CreatedAt time.Time
}

// NewFakeIPPool creates a pool covering [start, end] inclusive.
func NewFakeIPPool(start, end netip.Addr) (*FakeIPPool, error) {
	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("fakeip: only IPv4 ranges supported, got %s-%s", start, end)
	}
	if end.Less(start) {
		return nil, fmt.Errorf("fakeip: range %s-%s is inverted", start, end)
	}
	return &FakeIPPool{
		byFakeIP: make(map[netip.Addr]*FakeIPEntry),
		byDomain: make(map[string]netip.Addr),
		start:    start,
		end:      end,
		next:     start,
		now:      time.Now,
	}, nil
}

// NewFakeIPPoolFromConfig parses the range from TunConfig strings.
func NewFakeIPPoolFromConfig(cfg core.TunConfig) (*FakeIPPool, error) {
	start, err := netip.ParseAddr(cfg.FakeIPStart)
	if err != nil {
		return nil, fmt.Errorf("fakeip: start %q: %w", cfg.FakeIPStart, err)
	}
	end, err := netip.ParseAddr(cfg.FakeIPEnd)
	if err != nil {
		return nil, fmt.Errorf("fakeip: end %q: %w", cfg.FakeIPEnd, err)
	}
	return NewFakeIPPool(start, end)
}

// IsFakeIP reports whether ip lies inside the pool range.
// Lock-free, pure comparison.
func (p *FakeIPPool) IsFakeIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.Is4() && !ip.Less(p.start) && !p.end.Less(ip)
}

// Allocate returns the FakeIP mapped to domain, allocating the next
// address from the cursor if the domain is new.
func (p *FakeIPPool) Allocate(domain string) (netip.Addr, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return netip.Addr{}, fmt.Errorf("fakeip: empty domain")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if fakeIP, ok := p.byDomain[domain]; ok {
		return fakeIP, nil
	}
	if p.exhausted {
		return netip.Addr{}, core.Ef(core.KindPoolExhausted, "fakeip allocate",
			"no free address in %s-%s for %q", p.start, p.end, domain)
	}

	fakeIP := p.next
	if fakeIP == p.end {
		p.exhausted = true
	} else {
		p.next = fakeIP.Next()
	}

	p.byFakeIP[fakeIP] = &FakeIPEntry{
		Domain:    domain,
		FakeIP:    fakeIP,
		CreatedAt: p.now(),
	}
	p.byDomain[domain] = fakeIP
	core.Log.Debugf("FakeIP", "%s -> %s", domain, fakeIP)
	return fakeIP, nil
}

// Lookup returns a copy of the entry for fakeIP.
func (p *FakeIPPool) Lookup(fakeIP netip.Addr) (FakeIPEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byFakeIP[fakeIP.Unmap()]
	if !ok {
		return FakeIPEntry{}, false
	}
	return *e, true
}

// LookupByDomain returns the FakeIP for a domain, if allocated.
func (p *FakeIPPool) LookupByDomain(domain string) (netip.Addr, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ip, ok := p.byDomain[normalizeDomain(domain)]
	return ip, ok
}

// SetRealIP records the resolved address behind fakeIP.
func (p *FakeIPPool) SetRealIP(fakeIP, realIP netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byFakeIP[fakeIP.Unmap()]; ok {
		e.RealIP = realIP
	}
}

// Len returns the number of allocated addresses.
func (p *FakeIPPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byFakeIP)
}

// Flush clears all mappings and rewinds the cursor.
func (p *FakeIPPool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byFakeIP = make(map[netip.Addr]*FakeIPEntry)
	p.byDomain = make(map[string]netip.Addr)
	p.next = p.start
	p.exhausted = false

	core.Log.Infof("FakeIP", "FakeIP pool flushed")
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
}
