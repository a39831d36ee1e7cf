package gateway

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeResponseTCPFields(t *testing.T) {
	src := netip.MustParseAddr("192.168.55.2")
	dst := netip.MustParseAddr("203.0.113.10")
	payload := []byte("HTTP/1.1 200 OK\r\n\r\n")

	raw := EncodeResponse(src, 40000, dst, 80, payload, protoTCP,
		TCPFields{Seq: 7, Ack: 99, Flags: tcpPSH | tcpACK, Window: tcpWindow})

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)

	assert.Equal(t, "203.0.113.10", ip.SrcIP.String())
	assert.Equal(t, "192.168.55.2", ip.DstIP.String())
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, uint16(len(raw)), ip.Length)
	assert.Equal(t, layers.IPv4DontFragment, ip.Flags)
	assert.Equal(t, layers.TCPPort(80), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(40000), tcp.DstPort)
	assert.Equal(t, uint32(7), tcp.Seq)
	assert.Equal(t, uint32(99), tcp.Ack)
	assert.True(t, tcp.PSH)
	assert.True(t, tcp.ACK)
	assert.Equal(t, payload, tcp.Payload)

	assertChecksums(t, raw)

	// Our own decoder agrees, seen from the other direction.
	p, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, dst, p.Src)
	assert.Equal(t, src, p.Dst)
	assert.Equal(t, uint16(80), p.SrcPort)
	assert.Equal(t, uint16(40000), p.DstPort)
	assert.Equal(t, payload, p.Payload)
}

func TestEncodeResponseSYNCarriesMSS(t *testing.T) {
	raw := EncodeResponse(clientIP, 1234, publicIP, 443, nil, protoTCP,
		TCPFields{Seq: 1, Ack: 2, Flags: tcpSYN | tcpACK, Window: tcpWindow, MSS: 1460})
	p, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, uint16(1460), p.MSS)
	assert.Empty(t, p.Payload)
	assertChecksums(t, raw)
}

func TestEncodeResponseUDP(t *testing.T) {
	raw := EncodeResponse(clientIP, 5353, publicIP, 53, []byte{1, 2, 3}, protoUDP, TCPFields{})
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	assert.Equal(t, layers.UDPPort(53), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(5353), udp.DstPort)
	assert.Equal(t, uint16(11), udp.Length)
	assert.Equal(t, []byte{1, 2, 3}, udp.Payload)
	assert.NotZero(t, udp.Checksum)
	assertChecksums(t, raw)

	assert.Nil(t, EncodeResponse(clientIP, 1, publicIP, 2, nil, protoICMP, TCPFields{}))
}

// assertChecksums verifies both checksums by summing over the filled-in
// fields: a valid one's-complement checksum folds to 0xffff.
func assertChecksums(t *testing.T, raw []byte) {
	t.Helper()
	ihl := int(raw[0]&0x0f) * 4
	assert.Equal(t, uint16(0xffff), checksumFold(checksumSum(0, raw[:ihl])), "ip checksum")

	seg := raw[ihl:]
	sum := checksumSum(0, raw[12:20])
	sum += uint32(raw[9])
	sum += uint32(len(seg))
	sum = checksumSum(sum, seg)
	assert.Equal(t, uint16(0xffff), checksumFold(sum), "transport checksum")
}

func TestDecodeRejects(t *testing.T) {
	good := EncodeResponse(clientIP, 1, publicIP, 2, []byte("x"), protoUDP, TCPFields{})

	cases := map[string][]byte{
		"short":      good[:10],
		"ipv6":       append([]byte{0x60}, good[1:]...),
		"ihl too big": func() []byte {
			b := append([]byte(nil), good...)
			b[0] = 0x4f
			return b
		}(),
		"total too long": func() []byte {
			b := append([]byte(nil), good...)
			binary.BigEndian.PutUint16(b[2:4], uint16(len(b)+10))
			return b
		}(),
		"fragment": func() []byte {
			b := append([]byte(nil), good...)
			binary.BigEndian.PutUint16(b[6:8], 0x2000) // MF
			return b
		}(),
		"udp truncated": good[:minIPv4Hdr+4],
	}
	for name, b := range cases {
		if name == "udp truncated" {
			b = append([]byte(nil), b...)
			binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
		}
		_, ok := Decode(b)
		assert.False(t, ok, name)
	}
}

func TestDecodeHonorsIHLAndPadding(t *testing.T) {
	// Serialize a packet with IP options and trailing link padding.
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: clientIP.AsSlice(), DstIP: publicIP.AsSlice(),
		Options: []layers.IPv4Option{{OptionType: 1}, {OptionType: 1}, {OptionType: 1}, {OptionType: 0}},
	}
	udp := &layers.UDP{SrcPort: 1111, DstPort: 2222}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload("data")))
	raw := append(append([]byte(nil), buf.Bytes()...), 0, 0, 0, 0)

	p, ok := Decode(raw)
	require.True(t, ok)
	assert.Equal(t, protoUDP, p.Protocol)
	assert.Equal(t, uint16(1111), p.SrcPort)
	assert.Equal(t, uint16(2222), p.DstPort)
	assert.Equal(t, "data", string(p.Payload))
}

func TestDecodeICMPHasNoPorts(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: clientIP.AsSlice(), DstIP: publicIP.AsSlice()}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, icmp))

	p, ok := Decode(buf.Bytes())
	require.True(t, ok)
	assert.Equal(t, protoICMP, p.Protocol)
	assert.Zero(t, p.SrcPort)
}
