package platform

import (
	"fmt"
	"net/netip"
	"syscall"
)

// Route is one IPv4 routing table entry as seen by a RoutingBackend.
type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr // invalid for on-link/interface routes
	IfName  string
	IfIndex int
	Metric  int
}

// Key identifies the route for set comparison. Metric is part of the key
// because the same prefix may exist on several interfaces.
func (r Route) Key() string {
	return fmt.Sprintf("%s via %s dev %d metric %d", r.Dst, r.Gateway, r.IfIndex, r.Metric)
}

func (r Route) String() string {
	s := r.Dst.String()
	if r.Gateway.IsValid() {
		s += " via " + r.Gateway.String()
	}
	if r.IfName != "" {
		s += " dev " + r.IfName
	}
	if r.Metric != 0 {
		s += fmt.Sprintf(" metric %d", r.Metric)
	}
	return s
}

// RealNIC holds information about the system's real internet-facing NIC.
type RealNIC struct {
	Index   uint32
	Name    string
	Gateway netip.Addr
	LocalIP netip.Addr // NIC's own IPv4 address
}

// TunDevice abstracts the virtual interface. It performs no protocol
// interpretation.
type TunDevice interface {
	// Name returns the OS interface name (e.g. "tungate0", "utun5").
	Name() string
	// MTU returns the configured MTU.
	MTU() int
	// ReadPacket reads one IP packet into buf and returns its length. Blocks.
	ReadPacket(buf []byte) (int, error)
	// WritePacket writes one IP packet. Blocks.
	WritePacket(pkt []byte) error
	// Close tears down the device and unblocks pending reads.
	Close() error
}

// RoutingBackend abstracts system routing table and interface address
// management (netlink on Linux, route(8) on macOS, IP Helper on Windows).
type RoutingBackend interface {
	// DefaultRoutes returns the current IPv4 default route entries.
	DefaultRoutes() ([]Route, error)
	// AddRoute installs r. Adding an identical existing route is not an error.
	AddRoute(r Route) error
	// DeleteRoute removes r. Deleting a missing route is not an error.
	DeleteRoute(r Route) error
	// ConfigureInterface assigns addr to the interface, sets the MTU and
	// brings it up. Returns the interface index.
	ConfigureInterface(name string, addr netip.Prefix, mtu int) (int, error)
}

// ProcessBackend abstracts OS-specific process signalling and lookup.
type ProcessBackend interface {
	// Alive reports whether pid refers to a live, non-zombie process.
	Alive(pid int) bool
	// Terminate asks the process to exit gracefully (SIGTERM, taskkill).
	Terminate(pid int) error
	// Kill forcibly terminates the process.
	Kill(pid int) error
	// FindByName returns PIDs of processes whose executable name matches.
	FindByName(name string) ([]int, error)
}

// InterfaceBinder creates socket control functions for binding to specific NICs
// (SO_BINDTOIFINDEX on Linux, IP_BOUND_IF on macOS, IP_UNICAST_IF on Windows).
type InterfaceBinder interface {
	// BindControl returns a net.Dialer.Control function that binds sockets
	// to the specified network interface.
	BindControl(ifIndex uint32) func(network, address string, c syscall.RawConn) error
}
