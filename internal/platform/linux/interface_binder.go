//go:build linux

package linux

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// InterfaceBinder implements platform.InterfaceBinder using SO_BINDTOIFINDEX.
type InterfaceBinder struct{}

// BindControl returns a net.Dialer.Control function that forces outgoing
// connections through the NIC identified by ifIndex.
func (b *InterfaceBinder) BindControl(ifIndex uint32) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDTOIFINDEX, int(ifIndex))
		})
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if setErr != nil {
			return fmt.Errorf("SO_BINDTOIFINDEX: %w", setErr)
		}
		return nil
	}
}
