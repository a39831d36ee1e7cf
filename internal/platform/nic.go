package platform

import (
	"fmt"
	"net"
	"net/netip"
)

// InterfaceByAddr returns the interface carrying ip, or nil.
func InterfaceByAddr(ip net.IP) *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i]
			}
		}
	}
	return nil
}

// RealNICFromRoute resolves the NIC behind a default route, including the
// NIC's own IPv4 address used as the local address of direct dials.
func RealNICFromRoute(r Route) (RealNIC, error) {
	var iface *net.Interface
	var err error
	switch {
	case r.IfIndex > 0:
		iface, err = net.InterfaceByIndex(r.IfIndex)
	case r.IfName != "":
		iface, err = net.InterfaceByName(r.IfName)
	default:
		return RealNIC{}, fmt.Errorf("default route %s has no interface", r)
	}
	if err != nil {
		return RealNIC{}, fmt.Errorf("interface for %s: %w", r, err)
	}

	nic := RealNIC{
		Index:   uint32(iface.Index),
		Name:    iface.Name,
		Gateway: r.Gateway,
	}
	if addrs, err := iface.Addrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					nic.LocalIP, _ = netip.AddrFromSlice(ip4)
					break
				}
			}
		}
	}
	return nic, nil
}
