//go:build linux

package linux

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// RoutingBackend implements platform.RoutingBackend over rtnetlink.
type RoutingBackend struct{}

// NewRoutingBackend creates a netlink routing backend.
func NewRoutingBackend() *RoutingBackend { return &RoutingBackend{} }

// DefaultRoutes lists IPv4 default routes in the main table.
func (b *RoutingBackend) DefaultRoutes() ([]platform.Route, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("[Route] list routes: %w", err)
	}

	var out []platform.Route
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		pr := platform.Route{
			Dst:     netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			IfIndex: r.LinkIndex,
			Metric:  r.Priority,
		}
		if gw, ok := netip.AddrFromSlice(r.Gw); ok {
			pr.Gateway = gw.Unmap()
		}
		if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
			pr.IfName = link.Attrs().Name
		}
		out = append(out, pr)
	}
	return out, nil
}

// AddRoute installs r. EEXIST is tolerated.
func (b *RoutingBackend) AddRoute(r platform.Route) error {
	nr, err := b.toNetlink(r)
	if err != nil {
		return err
	}
	if err := netlink.RouteAdd(nr); err != nil {
		if errors.Is(err, unix.EEXIST) {
			core.Log.Debugf("Route", "Route %s already present", r)
			return nil
		}
		return fmt.Errorf("[Route] add %s: %w", r, err)
	}
	core.Log.Debugf("Route", "Added %s", r)
	return nil
}

// DeleteRoute removes r. ESRCH/ENOENT are tolerated.
func (b *RoutingBackend) DeleteRoute(r platform.Route) error {
	nr, err := b.toNetlink(r)
	if err != nil {
		// Interface already gone means the kernel dropped its routes too.
		core.Log.Debugf("Route", "Skip delete %s: %v", r, err)
		return nil
	}
	if err := netlink.RouteDel(nr); err != nil {
		if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("[Route] delete %s: %w", r, err)
	}
	core.Log.Debugf("Route", "Deleted %s", r)
	return nil
}

// ConfigureInterface assigns the address, sets the MTU and brings the link up.
func (b *RoutingBackend) ConfigureInterface(name string, addr netip.Prefix, mtu int) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("[TUN] link %s: %w", name, err)
	}
	nlAddr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   addr.Addr().AsSlice(),
		Mask: net.CIDRMask(addr.Bits(), 32),
	}}
	if err := netlink.AddrReplace(link, nlAddr); err != nil {
		return 0, fmt.Errorf("[TUN] address %s on %s: %w", addr, name, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return 0, fmt.Errorf("[TUN] mtu %d on %s: %w", mtu, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return 0, fmt.Errorf("[TUN] up %s: %w", name, err)
	}
	core.Log.Infof("TUN", "Configured %s: %s mtu %d", name, addr, mtu)
	return link.Attrs().Index, nil
}

func (b *RoutingBackend) toNetlink(r platform.Route) (*netlink.Route, error) {
	ifIndex := r.IfIndex
	if ifIndex == 0 && r.IfName != "" {
		link, err := netlink.LinkByName(r.IfName)
		if err != nil {
			return nil, fmt.Errorf("[Route] link %s: %w", r.IfName, err)
		}
		ifIndex = link.Attrs().Index
	}

	nr := &netlink.Route{
		Dst: &net.IPNet{
			IP:   r.Dst.Masked().Addr().AsSlice(),
			Mask: net.CIDRMask(r.Dst.Bits(), 32),
		},
		LinkIndex: ifIndex,
		Priority:  r.Metric,
	}
	// A TUN is point-to-point: a gateway equal to our own address cannot be
	// used as a next hop, so the route becomes an interface route.
	if r.Gateway.IsValid() && !isLocalAddr(ifIndex, r.Gateway) {
		nr.Gw = r.Gateway.AsSlice()
	} else {
		nr.Scope = netlink.SCOPE_LINK
	}
	return nr, nil
}

func isLocalAddr(ifIndex int, ip netip.Addr) bool {
	if ifIndex == 0 {
		return false
	}
	link, err := netlink.LinkByIndex(ifIndex)
	if err != nil {
		return false
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if got, ok := netip.AddrFromSlice(a.IP); ok && got.Unmap() == ip {
			return true
		}
	}
	return false
}
