package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"tungate/internal/core"
)

// udpReadBufPool reuses 64KB buffers for relay reads.
var udpReadBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

// udpAssociateConn wraps a UDP socket to the SOCKS5 UDP relay and adds or
// strips the request header (RFC 1928 §7) on each datagram. The TCP
// control connection must stay open for the relay to live.
type udpAssociateConn struct {
	udpConn *net.UDPConn
	tcpCtrl net.Conn
	relay   netip.AddrPort
	header  []byte // precomputed header for the fixed target
	target  net.Addr
}

// dialUDPAssociate performs the handshake plus UDP ASSOCIATE and returns a
// net.Conn that sends to and receives from target.
func (c *Client) dialUDPAssociate(ctx context.Context, target string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("[SOCKS5] invalid target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("[SOCKS5] invalid port in %q: %w", target, err)
	}

	tcpConn, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Handshake(tcpConn); err != nil {
		tcpConn.Close()
		return nil, err
	}

	// DST.ADDR = 0.0.0.0:0, the client source is not known yet.
	c.arm(tcpConn)
	req := []byte{socks5Version, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := tcpConn.Write(req); err != nil {
		tcpConn.Close()
		return nil, core.E(core.KindSocks5Protocol, "socks5 udp associate", err)
	}
	relay, err := readReply(tcpConn)
	c.disarm(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, core.E(core.KindSocks5Protocol, "socks5 udp associate", err)
	}

	// An unspecified relay address means "same host as the endpoint".
	if !relay.Addr().IsValid() || relay.Addr().IsUnspecified() {
		epHost, _, _ := net.SplitHostPort(c.addr)
		ip, perr := netip.ParseAddr(epHost)
		if perr != nil {
			ip = netip.MustParseAddr("127.0.0.1")
		}
		relay = netip.AddrPortFrom(ip, relay.Port())
	}

	udpConn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(relay))
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("[SOCKS5] connect to UDP relay %s: %w", relay, err)
	}

	conn := &udpAssociateConn{
		udpConn: udpConn,
		tcpCtrl: tcpConn,
		relay:   relay,
		header:  buildUDPHeader(host, uint16(port)),
		target:  udpTargetAddr(host, uint16(port), relay),
	}
	go conn.monitorTCPControl()

	core.Log.Debugf("SOCKS5", "UDP ASSOCIATE %s via relay %s", target, relay)
	return conn, nil
}

// Write sends one datagram through the relay.
func (c *udpAssociateConn) Write(b []byte) (int, error) {
	pkt := make([]byte, len(c.header)+len(b))
	copy(pkt, c.header)
	copy(pkt[len(c.header):], b)
	if _, err := c.udpConn.Write(pkt); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read receives one datagram from the relay, stripping its header.
func (c *udpAssociateConn) Read(b []byte) (int, error) {
	bp := udpReadBufPool.Get().(*[]byte)
	defer udpReadBufPool.Put(bp)
	buf := *bp

	n, err := c.udpConn.Read(buf)
	if err != nil {
		return 0, err
	}
	offset, err := udpHeaderLen(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("parse UDP relay header: %w", err)
	}
	return copy(b, buf[offset:n]), nil
}

// Close closes both the UDP socket and the TCP control connection.
func (c *udpAssociateConn) Close() error {
	c.udpConn.Close()
	return c.tcpCtrl.Close()
}

func (c *udpAssociateConn) LocalAddr() net.Addr  { return c.udpConn.LocalAddr() }
func (c *udpAssociateConn) RemoteAddr() net.Addr { return c.target }

func (c *udpAssociateConn) SetDeadline(t time.Time) error      { return c.udpConn.SetDeadline(t) }
func (c *udpAssociateConn) SetReadDeadline(t time.Time) error  { return c.udpConn.SetReadDeadline(t) }
func (c *udpAssociateConn) SetWriteDeadline(t time.Time) error { return c.udpConn.SetWriteDeadline(t) }

// monitorTCPControl closes the UDP side once the control connection
// drops; the server tears the association down at the same time.
func (c *udpAssociateConn) monitorTCPControl() {
	var buf [1]byte
	c.tcpCtrl.Read(buf[:])
	c.udpConn.Close()
}

func udpTargetAddr(host string, port uint16, fallback netip.AddrPort) net.Addr {
	if ip, err := netip.ParseAddr(host); err == nil {
		return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, port))
	}
	return net.UDPAddrFromAddrPort(fallback)
}

// buildUDPHeader constructs RSV(2) FRAG(1) ATYP DST.ADDR DST.PORT.
func buildUDPHeader(host string, port uint16) []byte {
	header := []byte{0x00, 0x00, 0x00}
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Unmap().Is4() {
			a4 := ip.Unmap().As4()
			header = append(header, atypIPv4)
			header = append(header, a4[:]...)
		} else {
			a16 := ip.As16()
			header = append(header, atypIPv6)
			header = append(header, a16[:]...)
		}
	} else {
		header = append(header, atypDomain, byte(len(host)))
		header = append(header, host...)
	}
	return binary.BigEndian.AppendUint16(header, port)
}

// udpHeaderLen returns the length of the SOCKS5 UDP header in pkt.
// Fragmented datagrams (FRAG != 0) are rejected.
func udpHeaderLen(pkt []byte) (int, error) {
	if len(pkt) < 4 {
		return 0, fmt.Errorf("packet too short")
	}
	if pkt[2] != 0 {
		return 0, fmt.Errorf("fragmented datagram (frag=%d)", pkt[2])
	}
	var total int
	switch pkt[3] {
	case atypIPv4:
		total = 4 + 4 + 2
	case atypIPv6:
		total = 4 + 16 + 2
	case atypDomain:
		if len(pkt) < 5 {
			return 0, fmt.Errorf("packet too short for domain")
		}
		total = 4 + 1 + int(pkt[4]) + 2
	default:
		return 0, fmt.Errorf("unsupported address type %d", pkt[3])
	}
	if len(pkt) < total {
		return 0, fmt.Errorf("packet too short for address type %d", pkt[3])
	}
	return total, nil
}
