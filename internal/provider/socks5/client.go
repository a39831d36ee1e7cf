package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/proxy"

	"tungate/internal/core"
	"tungate/internal/provider"
)

// SOCKS5 protocol constants (RFC 1928). Only no-auth is negotiated.
const (
	socks5Version = 0x05
	authNone      = 0x00

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Client talks to the local SOCKS5 endpoint exposed by the proxy engine.
// The relay drives it step by step (Open, Handshake, Connect) so each
// step maps to one flow state; DialTCP/DialUDP run the whole sequence.
type Client struct {
	addr             string
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	udpEnabled       bool

	// domain CONNECT for FakeIP flows
	named proxy.Dialer
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeouts overrides the dial and handshake timeouts.
func WithTimeouts(dial, handshake time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = dial
		c.handshakeTimeout = handshake
	}
}

// WithoutUDP disables UDP ASSOCIATE.
func WithoutUDP() Option {
	return func(c *Client) { c.udpEnabled = false }
}

// New creates a client for the endpoint at addr ("host:port").
func New(addr string, opts ...Option) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("[SOCKS5] invalid endpoint %q: %w", addr, err)
	}
	c := &Client{
		addr:             addr,
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		udpEnabled:       true,
	}
	for _, o := range opts {
		o(c)
	}

	named, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: c.dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("[SOCKS5] create dialer: %w", err)
	}
	c.named = named
	return c, nil
}

// Addr returns the endpoint address.
func (c *Client) Addr() string { return c.addr }

// Name returns "socks5".
func (c *Client) Name() string { return "socks5" }

// Open establishes the TCP stream to the endpoint.
func (c *Client) Open(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, core.E(core.KindProxyUnavailable, "socks5 dial "+c.addr, err)
	}
	return conn, nil
}

// Handshake sends the no-auth greeting [5,1,0] and expects [5,0].
func (c *Client) Handshake(conn net.Conn) error {
	c.arm(conn)
	defer c.disarm(conn)

	if _, err := conn.Write([]byte{socks5Version, 1, authNone}); err != nil {
		return core.E(core.KindSocks5Protocol, "socks5 greeting", err)
	}
	var reply [2]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return core.E(core.KindSocks5Protocol, "socks5 method reply", err)
	}
	if reply[0] != socks5Version || reply[1] != authNone {
		return core.Ef(core.KindSocks5Protocol, "socks5 method reply",
			"unexpected reply %#02x %#02x", reply[0], reply[1])
	}
	return nil
}

// Connect sends an IPv4 CONNECT for dst and checks the reply code.
func (c *Client) Connect(conn net.Conn, dst netip.AddrPort) error {
	if !dst.Addr().Unmap().Is4() {
		return core.Ef(core.KindSocks5Protocol, "socks5 connect", "%s is not IPv4", dst)
	}
	c.arm(conn)
	defer c.disarm(conn)

	a := dst.Addr().Unmap().As4()
	req := []byte{socks5Version, cmdConnect, 0x00, atypIPv4, a[0], a[1], a[2], a[3], 0, 0}
	binary.BigEndian.PutUint16(req[8:], dst.Port())
	if _, err := conn.Write(req); err != nil {
		return core.E(core.KindSocks5Protocol, "socks5 connect", err)
	}
	if _, err := readReply(conn); err != nil {
		return core.E(core.KindSocks5Protocol, "socks5 connect "+dst.String(), err)
	}
	return nil
}

// DialTCP opens a proxied stream to addr. IPv4 literals use the
// hand-rolled CONNECT; hostnames go through golang.org/x/net/proxy so the
// proxy engine resolves them remotely.
func (c *Client) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil && ap.Addr().Unmap().Is4() {
		conn, err := c.Open(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Handshake(conn); err != nil {
			conn.Close()
			return nil, err
		}
		if err := c.Connect(conn, ap); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}

	var conn net.Conn
	var err error
	if cd, ok := c.named.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = c.named.Dial("tcp", addr)
	}
	if err != nil {
		return nil, core.E(core.KindSocks5Protocol, "socks5 connect "+addr, err)
	}
	return conn, nil
}

// DialUDP relays datagrams to addr through UDP ASSOCIATE.
func (c *Client) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	if !c.udpEnabled {
		return nil, provider.ErrUDPNotSupported
	}
	return c.dialUDPAssociate(ctx, addr)
}

// Ping verifies the endpoint accepts a connection and a no-auth greeting.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.Handshake(conn)
}

func (c *Client) arm(conn net.Conn) {
	if c.handshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	}
}

func (c *Client) disarm(conn net.Conn) {
	conn.SetDeadline(time.Time{})
}

// readReply reads a reply and returns BND.ADDR:BND.PORT. For the IPv4
// case this consumes exactly 10 bytes.
func readReply(conn net.Conn) (netip.AddrPort, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("read reply header: %w", err)
	}
	if header[0] != socks5Version {
		return netip.AddrPort{}, fmt.Errorf("invalid SOCKS version %d", header[0])
	}
	if header[1] != repSucceeded {
		return netip.AddrPort{}, fmt.Errorf("reply code %d", header[1])
	}

	var addr netip.Addr
	switch header[3] {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom4(b)
	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom16(b)
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return netip.AddrPort{}, err
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return netip.AddrPort{}, err
		}
		// BND.ADDR as a name is only meaningful for UDP relays; leave
		// addr unset so the caller falls back to the endpoint host.
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported address type %d", header[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(port[:])), nil
}
