//go:build windows

package windows

import (
	"encoding/binary"
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	ipUnicastIF   = 31 // IP_UNICAST_IF (IPPROTO_IP level)
	ipv6UnicastIF = 31 // IPV6_UNICAST_IF (IPPROTO_IPV6 level)
)

// InterfaceBinder implements platform.InterfaceBinder using IP_UNICAST_IF.
type InterfaceBinder struct{}

// BindControl pins sockets to the NIC identified by ifIndex. IPv4 expects
// the index in network byte order, IPv6 in host order.
func (b *InterfaceBinder) BindControl(ifIndex uint32) func(network, address string, c syscall.RawConn) error {
	return func(network, _ string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			h := windows.Handle(fd)
			if strings.HasSuffix(network, "6") {
				setErr = windows.SetsockoptInt(h, windows.IPPROTO_IPV6, ipv6UnicastIF, int(ifIndex))
				return
			}
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], ifIndex)
			idx := *(*int32)(unsafe.Pointer(&buf[0]))
			setErr = windows.SetsockoptInt(h, windows.IPPROTO_IP, ipUnicastIF, int(idx))
		})
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if setErr != nil {
			return fmt.Errorf("IP_UNICAST_IF(%d): %w", ifIndex, setErr)
		}
		return nil
	}
}
