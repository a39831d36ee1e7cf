//go:build windows

package windows

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// ---------------------------------------------------------------------------
// iphlpapi
// ---------------------------------------------------------------------------

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetIpForwardTable2              = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable                    = modIPHlpAPI.NewProc("FreeMibTable")
	procInitializeIpForwardEntry        = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2           = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2           = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
	procConvertInterfaceIndexToLuid     = modIPHlpAPI.NewProc("ConvertInterfaceIndexToLuid")
	procInitializeUnicastIpAddressEntry = modIPHlpAPI.NewProc("InitializeUnicastIpAddressEntry")
	procCreateUnicastIpAddressEntry     = modIPHlpAPI.NewProc("CreateUnicastIpAddressEntry")
	procGetIpInterfaceEntry             = modIPHlpAPI.NewProc("GetIpInterfaceEntry")
	procSetIpInterfaceEntry             = modIPHlpAPI.NewProc("SetIpInterfaceEntry")
)

const (
	errObjectAlreadyExists = 0x1392     // ERROR_OBJECT_ALREADY_EXISTS
	errObjectExistsHR      = 0x80071392 // same, as HRESULT
	errNotFound            = 0x490      // ERROR_NOT_FOUND
	errFileNotFound        = 0x2        // ERROR_FILE_NOT_FOUND
)

// MIB_IPFORWARD_ROW2 (x64, 104 bytes):
//
//	 0: NET_LUID InterfaceLuid
//	 8: NET_IFINDEX InterfaceIndex
//	12: IP_ADDRESS_PREFIX DestinationPrefix (SOCKADDR_INET + PrefixLength at 40)
//	44: SOCKADDR_INET NextHop
//	84: ULONG Metric
//	88: NL_ROUTE_PROTOCOL Protocol
//	100: NL_ROUTE_ORIGIN Origin
const (
	forwardRowSize = 104

	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopFamily  = 44
	fwdNextHopAddr    = 48
	fwdMetric         = 84
	fwdProtocol       = 88
	fwdOrigin         = 100

	mibIPProtoNetMgmt = 3 // MIB_IPPROTO_NETMGMT
	nlroManual        = 0 // NlroManual
)

type forwardRow struct {
	data [forwardRowSize]byte
}

// newForwardRow returns a row initialized by InitializeIpForwardEntry
// (infinite lifetimes, default flags).
func newForwardRow() *forwardRow {
	row := &forwardRow{}
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(row)))
	return row
}

// set fills the fields that identify a route.
func (row *forwardRow) set(r platform.Route, luid uint64) {
	le := binary.LittleEndian
	le.PutUint64(row.data[fwdInterfaceLUID:], luid)
	le.PutUint32(row.data[fwdInterfaceIndex:], uint32(r.IfIndex))

	le.PutUint16(row.data[fwdDestFamily:], windows.AF_INET)
	dst := r.Dst.Masked().Addr().As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], dst[:])
	row.data[fwdDestPrefixLen] = byte(r.Dst.Bits())

	le.PutUint16(row.data[fwdNextHopFamily:], windows.AF_INET)
	var gw [4]byte // 0.0.0.0 = on-link
	if r.Gateway.IsValid() {
		gw = r.Gateway.As4()
	}
	copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw[:])

	le.PutUint32(row.data[fwdMetric:], uint32(r.Metric))
	le.PutUint32(row.data[fwdProtocol:], mibIPProtoNetMgmt)
	le.PutUint32(row.data[fwdOrigin:], nlroManual)
}

// ipv4 reports whether the destination family is AF_INET.
func (row *forwardRow) ipv4() bool {
	return binary.LittleEndian.Uint16(row.data[fwdDestFamily:]) == windows.AF_INET
}

// route decodes the row. An all-zero next hop means on-link.
func (row *forwardRow) route() platform.Route {
	le := binary.LittleEndian
	dst := netip.AddrFrom4([4]byte(row.data[fwdDestAddr : fwdDestAddr+4]))
	r := platform.Route{
		Dst:     netip.PrefixFrom(dst, int(row.data[fwdDestPrefixLen])),
		IfIndex: int(le.Uint32(row.data[fwdInterfaceIndex:])),
		Metric:  int(le.Uint32(row.data[fwdMetric:])),
	}
	if gw := netip.AddrFrom4([4]byte(row.data[fwdNextHopAddr : fwdNextHopAddr+4])); !gw.IsUnspecified() {
		r.Gateway = gw
	}
	return r
}

// forwardTable copies the IPv4 forwarding table out of GetIpForwardTable2.
func forwardTable() ([]forwardRow, error) {
	var table unsafe.Pointer
	if r, _, _ := procGetIpForwardTable2.Call(uintptr(windows.AF_INET), uintptr(unsafe.Pointer(&table))); r != 0 {
		return nil, fmt.Errorf("GetIpForwardTable2: 0x%x", r)
	}
	defer procFreeMibTable.Call(uintptr(table))

	// MIB_IPFORWARD_TABLE2: ULONG NumEntries, padded to 8, then the rows.
	n := *(*uint32)(table)
	rows := unsafe.Slice((*forwardRow)(unsafe.Add(table, 8)), n)
	return append([]forwardRow(nil), rows...), nil
}

func interfaceLUID(ifIndex int) (uint64, error) {
	if ifIndex <= 0 {
		return 0, fmt.Errorf("no interface index")
	}
	var luid uint64
	if r, _, _ := procConvertInterfaceIndexToLuid.Call(uintptr(ifIndex), uintptr(unsafe.Pointer(&luid))); r != 0 {
		return 0, fmt.Errorf("ConvertInterfaceIndexToLuid(%d): 0x%x", ifIndex, r)
	}
	return luid, nil
}

// ---------------------------------------------------------------------------
// RoutingBackend
// ---------------------------------------------------------------------------

// RoutingBackend implements platform.RoutingBackend on the IP Helper API.
type RoutingBackend struct{}

// NewRoutingBackend creates a Windows routing backend.
func NewRoutingBackend() *RoutingBackend { return &RoutingBackend{} }

// DefaultRoutes returns every IPv4 0.0.0.0/0 row of the forwarding table.
func (b *RoutingBackend) DefaultRoutes() ([]platform.Route, error) {
	rows, err := forwardTable()
	if err != nil {
		return nil, fmt.Errorf("[Route] %w", err)
	}
	return defaultRoutesFrom(rows), nil
}

func defaultRoutesFrom(rows []forwardRow) []platform.Route {
	var out []platform.Route
	for i := range rows {
		if !rows[i].ipv4() {
			continue
		}
		r := rows[i].route()
		if r.Dst.Bits() != 0 || !r.Dst.Addr().IsUnspecified() {
			continue
		}
		if iface, err := net.InterfaceByIndex(r.IfIndex); err == nil {
			r.IfName = iface.Name
		}
		out = append(out, r)
	}
	return out
}

// AddRoute installs r with CreateIpForwardEntry2; an existing route is tolerated.
func (b *RoutingBackend) AddRoute(r platform.Route) error {
	row, err := b.rowFor(r)
	if err != nil {
		return fmt.Errorf("[Route] add %s: %w", r, err)
	}
	ret, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(row)))
	if ret != 0 && ret != errObjectAlreadyExists && ret != errObjectExistsHR {
		return fmt.Errorf("[Route] add %s: CreateIpForwardEntry2: 0x%x", r, ret)
	}
	core.Log.Debugf("Route", "Added %s", r)
	return nil
}

// DeleteRoute removes r with DeleteIpForwardEntry2; a missing route is tolerated.
func (b *RoutingBackend) DeleteRoute(r platform.Route) error {
	row, err := b.rowFor(r)
	if err != nil {
		return fmt.Errorf("[Route] delete %s: %w", r, err)
	}
	ret, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(row)))
	if ret != 0 && ret != errNotFound && ret != errFileNotFound {
		return fmt.Errorf("[Route] delete %s: DeleteIpForwardEntry2: 0x%x", r, ret)
	}
	core.Log.Debugf("Route", "Deleted %s", r)
	return nil
}

// rowFor builds the forward row for r, keyed by the interface LUID. A
// gateway equal to the interface's own address becomes on-link, which is
// how routes through the TUN are expressed.
func (b *RoutingBackend) rowFor(r platform.Route) (*forwardRow, error) {
	luid, err := interfaceLUID(r.IfIndex)
	if err != nil {
		return nil, err
	}
	if r.Gateway.IsValid() && isLocalAddr(r.IfIndex, r.Gateway) {
		r.Gateway = netip.Addr{}
	}
	row := newForwardRow()
	row.set(r, luid)
	return row, nil
}

func isLocalAddr(ifIndex int, ip netip.Addr) bool {
	iface := platform.InterfaceByAddr(ip.AsSlice())
	return iface != nil && iface.Index == ifIndex
}

// ---------------------------------------------------------------------------
// Interface address and MTU
// ---------------------------------------------------------------------------

// MIB_UNICASTIPADDRESS_ROW (80 bytes): Address at 0, InterfaceLuid at 32,
// OnLinkPrefixLength at 60.
const (
	unicastRowSize     = 80
	uniAddrFamily      = 0
	uniAddrIP          = 4
	uniInterfaceLUID   = 32
	uniOnLinkPrefixLen = 60
)

// MIB_IPINTERFACE_ROW (168 bytes): Family at 0, InterfaceLuid at 8,
// SitePrefixLength at 144, NlMtu at 152.
const (
	ipInterfaceRowSize = 168
	ipifFamily         = 0
	ipifInterfaceLUID  = 8
	ipifSitePrefixLen  = 144
	ipifNLMTU          = 152
)

// ConfigureInterface assigns a static address and MTU to the WinTUN adapter.
func (b *RoutingBackend) ConfigureInterface(name string, addr netip.Prefix, mtu int) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("[TUN] interface %s: %w", name, err)
	}
	luid, err := interfaceLUID(iface.Index)
	if err != nil {
		return 0, fmt.Errorf("[TUN] %s: %w", name, err)
	}

	var uni [unicastRowSize]byte
	procInitializeUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&uni)))
	le := binary.LittleEndian
	le.PutUint16(uni[uniAddrFamily:], windows.AF_INET)
	ip := addr.Addr().As4()
	copy(uni[uniAddrIP:uniAddrIP+4], ip[:])
	le.PutUint64(uni[uniInterfaceLUID:], luid)
	uni[uniOnLinkPrefixLen] = byte(addr.Bits())
	if r, _, _ := procCreateUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&uni))); r != 0 && r != errObjectAlreadyExists && r != errObjectExistsHR {
		return 0, fmt.Errorf("[TUN] address %s on %s: CreateUnicastIpAddressEntry: 0x%x", addr, name, r)
	}

	if err := setMTU(luid, mtu); err != nil {
		core.Log.Warnf("TUN", "MTU %d on %s: %v", mtu, name, err)
	}
	core.Log.Infof("TUN", "Configured %s: %s mtu %d", name, addr, mtu)
	return iface.Index, nil
}

func setMTU(luid uint64, mtu int) error {
	var row [ipInterfaceRowSize]byte
	le := binary.LittleEndian
	le.PutUint16(row[ipifFamily:], windows.AF_INET)
	le.PutUint64(row[ipifInterfaceLUID:], luid)
	if r, _, _ := procGetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row))); r != 0 {
		return fmt.Errorf("GetIpInterfaceEntry: 0x%x", r)
	}
	le.PutUint32(row[ipifNLMTU:], uint32(mtu))
	le.PutUint32(row[ipifSitePrefixLen:], 0) // must be 0 for IPv4 on Set
	if r, _, _ := procSetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row))); r != 0 {
		return fmt.Errorf("SetIpInterfaceEntry: 0x%x", r)
	}
	return nil
}
