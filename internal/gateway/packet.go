package gateway

import (
	"encoding/binary"
	"net/netip"
)

// ---------------------------------------------------------------------------
// IPv4/TCP/UDP decoding and response construction for raw TUN packets
// (no link-layer header).
// ---------------------------------------------------------------------------

const (
	minIPv4Hdr = 20
	minTCPHdr  = 20
	minUDPHdr  = 8

	protoICMP byte = 1
	protoTCP  byte = 6
	protoUDP  byte = 17

	tcpFIN byte = 0x01
	tcpSYN byte = 0x02
	tcpRST byte = 0x04
	tcpPSH byte = 0x08
	tcpACK byte = 0x10

	responseTTL = 64

	// maxPacketSize is the max IPv4 packet size; used for pre-allocated read buffers.
	maxPacketSize = 65535
)

// Packet is a decoded IPv4 packet. Payload aliases the decoded buffer.
type Packet struct {
	Protocol byte
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16

	// TCP only.
	Seq    uint32
	Ack    uint32
	Flags  byte
	Window uint16
	MSS    uint16 // MSS option on SYN segments, 0 if absent

	Payload []byte
}

// Key returns the flow key of the packet.
func (p *Packet) Key() FlowKey {
	return FlowKey{Src: p.Src, SrcPort: p.SrcPort, Dst: p.Dst, DstPort: p.DstPort, Proto: p.Protocol}
}

// Decode parses an IPv4 packet. Anything that is not a well-formed,
// unfragmented IPv4 packet decodes to ok=false and is meant to be dropped.
// Protocols other than TCP/UDP decode without ports or payload.
func Decode(b []byte) (Packet, bool) {
	var p Packet
	if len(b) < minIPv4Hdr || b[0]>>4 != 4 {
		return p, false
	}
	hdrLen := int(b[0]&0x0f) * 4
	if hdrLen < minIPv4Hdr || hdrLen > len(b) {
		return p, false
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < hdrLen || total > len(b) {
		return p, false
	}
	b = b[:total] // strip link padding

	// Later fragments carry no transport header.
	frag := binary.BigEndian.Uint16(b[6:8])
	if frag&0x1fff != 0 || frag&0x2000 != 0 {
		return p, false
	}

	p.Protocol = b[9]
	p.Src = netip.AddrFrom4([4]byte(b[12:16]))
	p.Dst = netip.AddrFrom4([4]byte(b[16:20]))

	switch p.Protocol {
	case protoTCP:
		t := b[hdrLen:]
		if len(t) < minTCPHdr {
			return p, false
		}
		dataOff := int(t[12]>>4) * 4
		if dataOff < minTCPHdr || dataOff > len(t) {
			return p, false
		}
		p.SrcPort = binary.BigEndian.Uint16(t[0:2])
		p.DstPort = binary.BigEndian.Uint16(t[2:4])
		p.Seq = binary.BigEndian.Uint32(t[4:8])
		p.Ack = binary.BigEndian.Uint32(t[8:12])
		p.Flags = t[13]
		p.Window = binary.BigEndian.Uint16(t[14:16])
		if p.Flags&tcpSYN != 0 {
			p.MSS = parseTCPMSS(t[minTCPHdr:dataOff])
		}
		p.Payload = t[dataOff:]
	case protoUDP:
		u := b[hdrLen:]
		if len(u) < minUDPHdr {
			return p, false
		}
		p.SrcPort = binary.BigEndian.Uint16(u[0:2])
		p.DstPort = binary.BigEndian.Uint16(u[2:4])
		end := len(u)
		if l := int(binary.BigEndian.Uint16(u[4:6])); l >= minUDPHdr && l <= len(u) {
			end = l
		}
		p.Payload = u[minUDPHdr:end]
	}
	return p, true
}

// parseTCPMSS walks TCP options looking for MSS (kind=2, length=4).
func parseTCPMSS(opts []byte) uint16 {
	for pos := 0; pos < len(opts); {
		kind := opts[pos]
		if kind == 0 { // End of Option List
			break
		}
		if kind == 1 { // NOP
			pos++
			continue
		}
		if pos+1 >= len(opts) {
			break
		}
		optLen := int(opts[pos+1])
		if optLen < 2 || pos+optLen > len(opts) {
			break
		}
		if kind == 2 && optLen == 4 {
			return binary.BigEndian.Uint16(opts[pos+2:])
		}
		pos += optLen
	}
	return 0
}

// TCPFields are the TCP header values beyond ports for a synthesized segment.
type TCPFields struct {
	Seq    uint32
	Ack    uint32
	Flags  byte
	Window uint16
	MSS    uint16 // emitted as an option when non-zero (SYN segments)
}

// EncodeResponse builds a packet travelling back to the originator of an
// inbound packet (src:srcPort → dst:dstPort). The result has source and
// destination swapped: dst:dstPort → src:srcPort. The IPv4 header is a
// single unfragmented header with TTL 64 and no options; tcp is ignored
// for UDP.
func EncodeResponse(src netip.Addr, srcPort uint16, dst netip.Addr, dstPort uint16, payload []byte, proto byte, tcp TCPFields) []byte {
	var l4Len int
	switch proto {
	case protoTCP:
		l4Len = minTCPHdr
		if tcp.MSS != 0 {
			l4Len += 4
		}
	case protoUDP:
		l4Len = minUDPHdr
	default:
		return nil
	}

	total := minIPv4Hdr + l4Len + len(payload)
	pkt := make([]byte, total)
	respSrc := dst.As4()
	respDst := src.As4()

	// IPv4 header.
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[6:8], 0x4000) // DF
	pkt[8] = responseTTL
	pkt[9] = proto
	copy(pkt[12:16], respSrc[:])
	copy(pkt[16:20], respDst[:])
	binary.BigEndian.PutUint16(pkt[10:12], ipChecksum(pkt[:minIPv4Hdr]))

	t := pkt[minIPv4Hdr:]
	binary.BigEndian.PutUint16(t[0:2], dstPort)
	binary.BigEndian.PutUint16(t[2:4], srcPort)

	switch proto {
	case protoTCP:
		binary.BigEndian.PutUint32(t[4:8], tcp.Seq)
		binary.BigEndian.PutUint32(t[8:12], tcp.Ack)
		t[12] = byte(l4Len/4) << 4
		t[13] = tcp.Flags
		binary.BigEndian.PutUint16(t[14:16], tcp.Window)
		if tcp.MSS != 0 {
			t[20], t[21] = 2, 4
			binary.BigEndian.PutUint16(t[22:24], tcp.MSS)
		}
		copy(t[l4Len:], payload)
		binary.BigEndian.PutUint16(t[16:18], transportChecksum(respSrc, respDst, proto, t))
	case protoUDP:
		binary.BigEndian.PutUint16(t[4:6], uint16(l4Len+len(payload)))
		copy(t[l4Len:], payload)
		ck := transportChecksum(respSrc, respDst, proto, t)
		if ck == 0 {
			ck = 0xffff // zero means "no checksum" for UDP over IPv4
		}
		binary.BigEndian.PutUint16(t[6:8], ck)
	}
	return pkt
}

// checksumFold folds a 32-bit accumulator to a 16-bit one's complement value.
func checksumFold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// checksumSum adds b as big-endian 16-bit words to sum; an odd trailing
// byte is padded with zero.
func checksumSum(sum uint32, b []byte) uint32 {
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)&1 != 0 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

// ipChecksum computes the IPv4 header checksum (checksum field must be zero).
func ipChecksum(hdr []byte) uint16 {
	return ^checksumFold(checksumSum(0, hdr))
}

// transportChecksum computes the TCP/UDP checksum over the pseudo-header
// and segment (checksum field must be zero).
func transportChecksum(src, dst [4]byte, proto byte, segment []byte) uint16 {
	sum := checksumSum(0, src[:])
	sum = checksumSum(sum, dst[:])
	sum += uint32(proto)
	sum += uint32(len(segment))
	sum = checksumSum(sum, segment)
	return ^checksumFold(sum)
}
