package direct

import (
	"context"
	"fmt"
	"net"
	"time"

	"tungate/internal/core"
	"tungate/internal/platform"
)

const dialTimeout = 10 * time.Second

// Provider dials through the real NIC using platform-specific interface
// binding (SO_BINDTOIFINDEX on Linux, IP_BOUND_IF on macOS,
// IP_UNICAST_IF on Windows), so its sockets never follow the split
// default route back into the TUN.
type Provider struct {
	nic    platform.RealNIC
	binder platform.InterfaceBinder
}

// New creates a direct provider bound to nic. A nil binder yields
// unbound sockets, which is only correct while no TUN routes exist.
func New(nic platform.RealNIC, binder platform.InterfaceBinder) (*Provider, error) {
	if nic.LocalIP.IsValid() && !nic.LocalIP.Is4() {
		return nil, fmt.Errorf("[Direct] local IP must be IPv4, got %s", nic.LocalIP)
	}
	core.Log.Infof("Direct", "Bound to %s (index=%d, localIP=%s)", nic.Name, nic.Index, nic.LocalIP)
	return &Provider{nic: nic, binder: binder}, nil
}

// NIC returns the interface this provider is bound to.
func (p *Provider) NIC() platform.RealNIC { return p.nic }

func (p *Provider) dialer(local net.Addr) *net.Dialer {
	d := &net.Dialer{Timeout: dialTimeout}
	if p.binder != nil {
		d.Control = p.binder.BindControl(p.nic.Index)
	}
	if p.nic.LocalIP.IsValid() {
		d.LocalAddr = local
	}
	return d
}

// TCPDialer returns a net.Dialer bound to the real NIC for TCP.
func (p *Provider) TCPDialer() *net.Dialer {
	return p.dialer(&net.TCPAddr{IP: p.nic.LocalIP.AsSlice()})
}

// UDPDialer returns a net.Dialer bound to the real NIC for UDP.
func (p *Provider) UDPDialer() *net.Dialer {
	return p.dialer(&net.UDPAddr{IP: p.nic.LocalIP.AsSlice()})
}

// DialTCP creates a TCP connection through the real NIC.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	return p.TCPDialer().DialContext(ctx, "tcp4", addr)
}

// DialUDP creates a connected UDP socket through the real NIC.
func (p *Provider) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	return p.UDPDialer().DialContext(ctx, "udp4", addr)
}

// Name returns "direct".
func (p *Provider) Name() string { return "direct" }

// Loopback returns a provider for tests and for hosts where the proxy
// runs without TUN routes: plain sockets, no binding.
func Loopback() *Provider {
	return &Provider{}
}
