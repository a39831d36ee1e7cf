package gateway

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	clientIP = netip.MustParseAddr("192.168.55.2")
	publicIP = netip.MustParseAddr("203.0.113.10")
)

// clientPacket serializes a client-side segment with gopacket and decodes
// it with Decode, the same way the engine sees TUN reads.
func clientPacket(t *testing.T, src netip.Addr, sport uint16, dst netip.Addr, dport uint16, tl gopacket.SerializableLayer, payload []byte) Packet {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
		Protocol: layers.IPProtocolTCP,
	}
	switch l := tl.(type) {
	case *layers.TCP:
		l.SrcPort, l.DstPort = layers.TCPPort(sport), layers.TCPPort(dport)
		l.SetNetworkLayerForChecksum(ip)
	case *layers.UDP:
		ip.Protocol = layers.IPProtocolUDP
		l.SrcPort, l.DstPort = layers.UDPPort(sport), layers.UDPPort(dport)
		l.SetNetworkLayerForChecksum(ip)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tl, gopacket.Payload(payload)))

	raw := append([]byte(nil), buf.Bytes()...)
	p, ok := Decode(raw)
	require.True(t, ok)
	return p
}

func clientSYN(t *testing.T, sport uint16, dst netip.Addr, dport uint16, seq uint32) Packet {
	return clientPacket(t, clientIP, sport, dst, dport, &layers.TCP{
		Seq: seq, SYN: true, Window: 65535,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}},
	}, nil)
}

func tcpSeg(t *testing.T, sport uint16, dst netip.Addr, dport uint16, seq, ack uint32, fin bool, payload []byte) Packet {
	return clientPacket(t, clientIP, sport, dst, dport, &layers.TCP{
		Seq: seq, Ack: ack, ACK: true, PSH: len(payload) > 0, FIN: fin, Window: 65535,
	}, payload)
}

func udpPacket(t *testing.T, sport uint16, dst netip.Addr, dport uint16, payload []byte) Packet {
	return clientPacket(t, clientIP, sport, dst, dport, &layers.UDP{}, payload)
}

// packetSink collects everything the relay emits towards the TUN.
type packetSink struct {
	ch chan []byte
}

func newSink() *packetSink { return &packetSink{ch: make(chan []byte, 256)} }

func (s *packetSink) emit(ctx context.Context, pkt []byte) bool {
	select {
	case s.ch <- pkt:
		return true
	case <-ctx.Done():
		return false
	}
}

// next returns the next emitted packet decoded by gopacket.
func (s *packetSink) next(t *testing.T) gopacket.Packet {
	t.Helper()
	select {
	case b := <-s.ch:
		return gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	case <-time.After(3 * time.Second):
		t.Fatal("no packet emitted")
		return nil
	}
}

// nextTCP skips emitted segments until one matches want.
func (s *packetSink) nextTCP(t *testing.T, want func(*layers.TCP) bool) *layers.TCP {
	t.Helper()
	for {
		pkt := s.next(t)
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if ok && want(tcp) {
			return tcp
		}
	}
}

// redirectDialer stands in for the direct provider: every dial goes to a
// local target and the requested address is recorded.
type redirectDialer struct {
	tcpTarget string
	udpTarget string
	mu        sync.Mutex
	dialed    []string
}

func (d *redirectDialer) record(addr string) {
	d.mu.Lock()
	d.dialed = append(d.dialed, addr)
	d.mu.Unlock()
}

func (d *redirectDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func (d *redirectDialer) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d.record(addr)
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", d.tcpTarget)
}

func (d *redirectDialer) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	d.record(addr)
	var nd net.Dialer
	return nd.DialContext(ctx, "udp", d.udpTarget)
}

func (d *redirectDialer) Name() string { return "redirect" }

// tcpBackend accepts connections and runs serve on each.
func tcpBackend(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func echo(c net.Conn) { io.Copy(c, c) }

func udpEcho(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], from)
		}
	}()
	return pc.LocalAddr().String()
}

// socksBackend is a minimal SOCKS5 server that splices every CONNECT to
// backend and reports the requested destination. reject makes it refuse
// the method negotiation instead.
func socksBackend(t *testing.T, backend string, reject bool, requested chan<- netip.AddrPort) string {
	return tcpBackend(t, func(c net.Conn) {
		var g [3]byte
		if _, err := io.ReadFull(c, g[:]); err != nil {
			return
		}
		if reject {
			c.Write([]byte{5, 0xff})
			return
		}
		c.Write([]byte{5, 0})
		var req [10]byte
		if _, err := io.ReadFull(c, req[:]); err != nil {
			return
		}
		if requested != nil {
			requested <- netip.AddrPortFrom(netip.AddrFrom4([4]byte(req[4:8])), binary.BigEndian.Uint16(req[8:]))
		}
		up, err := net.Dial("tcp", backend)
		if err != nil {
			c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
			return
		}
		defer up.Close()
		c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
		go func() {
			io.Copy(up, c)
			up.(*net.TCPConn).CloseWrite()
		}()
		io.Copy(c, up)
	})
}
