//go:build darwin

package darwin

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jackpal/gateway"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// RoutingBackend implements platform.RoutingBackend using route(8) and
// ifconfig(8). Routes on utun interfaces are installed with -interface,
// everything else through its gateway.
type RoutingBackend struct{}

// NewRoutingBackend creates a macOS routing backend.
func NewRoutingBackend() *RoutingBackend { return &RoutingBackend{} }

// DefaultRoutes discovers the current default gateway and its interface.
func (b *RoutingBackend) DefaultRoutes() ([]platform.Route, error) {
	gwIP, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("[Route] discover gateway: %w", err)
	}
	gw, ok := netip.AddrFromSlice(gwIP)
	if !ok {
		return nil, fmt.Errorf("[Route] invalid gateway %v", gwIP)
	}

	r := platform.Route{
		Dst:     netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Gateway: gw.Unmap(),
	}
	if localIP, err := gateway.DiscoverInterface(); err == nil {
		if iface := platform.InterfaceByAddr(localIP); iface != nil {
			r.IfName = iface.Name
			r.IfIndex = iface.Index
		}
	}
	return []platform.Route{r}, nil
}

// AddRoute installs r; an existing identical route is tolerated.
func (b *RoutingBackend) AddRoute(r platform.Route) error {
	args := append([]string{"-n", "add"}, routeTarget(r)...)
	if err := routeExec(args, true); err != nil {
		return fmt.Errorf("[Route] add %s: %w", r, err)
	}
	core.Log.Debugf("Route", "Added %s", r)
	return nil
}

// DeleteRoute removes r; a missing route is tolerated.
func (b *RoutingBackend) DeleteRoute(r platform.Route) error {
	args := append([]string{"-n", "delete"}, routeTarget(r)...)
	if err := routeExec(args, false); err != nil {
		return fmt.Errorf("[Route] delete %s: %w", r, err)
	}
	core.Log.Debugf("Route", "Deleted %s", r)
	return nil
}

// ConfigureInterface sets the point-to-point address, MTU and brings utun up.
func (b *RoutingBackend) ConfigureInterface(name string, addr netip.Prefix, mtu int) (int, error) {
	ip := addr.Addr().String()
	mask := net.IP(net.CIDRMask(addr.Bits(), 32)).String()
	out, err := exec.Command("ifconfig", name, "inet", ip, ip, "netmask", mask,
		"mtu", strconv.Itoa(mtu), "up").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("[TUN] ifconfig %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("[TUN] interface %s: %w", name, err)
	}
	core.Log.Infof("TUN", "Configured %s: %s mtu %d", name, addr, mtu)
	return iface.Index, nil
}

func routeTarget(r platform.Route) []string {
	var args []string
	if r.Dst.Bits() == 32 {
		args = []string{"-host", r.Dst.Addr().String()}
	} else if r.Dst.Bits() == 0 {
		args = []string{"default"}
	} else {
		args = []string{"-net", r.Dst.Masked().String()}
	}
	if strings.HasPrefix(r.IfName, "utun") || !r.Gateway.IsValid() {
		if r.IfName != "" {
			args = append(args, "-interface", r.IfName)
		}
		return args
	}
	return append(args, r.Gateway.String())
}

// routeExec runs a `route` command. If tolerateExists is true,
// "File exists" errors are silently ignored (route already present).
// "not in table" errors are always tolerated on delete.
func routeExec(args []string, tolerateExists bool) error {
	out, err := exec.Command("route", args...).CombinedOutput()
	if err != nil {
		outStr := strings.TrimSpace(string(out))
		if tolerateExists && strings.Contains(outStr, "File exists") {
			return nil
		}
		if strings.Contains(outStr, "not in table") {
			return nil
		}
		return fmt.Errorf("route %s: %s", strings.Join(args, " "), outStr)
	}
	return nil
}
