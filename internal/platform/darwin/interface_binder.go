//go:build darwin

package darwin

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// InterfaceBinder implements platform.InterfaceBinder with IP_BOUND_IF,
// or IPV6_BOUND_IF for tcp6/udp6 sockets.
type InterfaceBinder struct{}

// BindControl pins sockets to the NIC identified by ifIndex.
func (b *InterfaceBinder) BindControl(ifIndex uint32) func(network, address string, c syscall.RawConn) error {
	return func(network, _ string, c syscall.RawConn) error {
		level, opt, name := unix.IPPROTO_IP, unix.IP_BOUND_IF, "IP_BOUND_IF"
		if strings.HasSuffix(network, "6") {
			level, opt, name = unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, "IPV6_BOUND_IF"
		}
		var setErr error
		if err := c.Control(func(fd uintptr) {
			setErr = unix.SetsockoptInt(int(fd), level, opt, int(ifIndex))
		}); err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if setErr != nil {
			return fmt.Errorf("%s(%d): %w", name, ifIndex, setErr)
		}
		return nil
	}
}
