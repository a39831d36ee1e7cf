package gateway

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"
)

// Wire-level helpers for the FakeIP fast path. Queries are answered in
// place: the response reuses the query bytes up to the end of the
// question section so the ID, question and RD bit survive verbatim.

const (
	dnsHeaderLen = 12

	dnsTypeA   uint16 = 1
	dnsClassIN uint16 = 1

	// fakeIPTTL is the TTL on synthesized answers. Mappings never expire
	// while the engine runs, so a short TTL only bounds resolver caching
	// across restarts.
	fakeIPTTL uint32 = 60
)

var (
	errDNSShort       = errors.New("dns: message too short")
	errDNSNoQuestion  = errors.New("dns: no question")
	errDNSCompression = errors.New("dns: compression pointer in question")
	errDNSLabel       = errors.New("dns: malformed label")
)

// DNSQuestion is the first question of a DNS message.
type DNSQuestion struct {
	Name  string // lowercase, no trailing dot
	Type  uint16
	Class uint16
	End   int // offset just past the question in the message
}

// ParseDNSQuestion decodes the first question of msg. Compression
// pointers are rejected: a conforming client never compresses the
// question of a query.
func ParseDNSQuestion(msg []byte) (DNSQuestion, error) {
	var q DNSQuestion
	if len(msg) < dnsHeaderLen {
		return q, errDNSShort
	}
	if binary.BigEndian.Uint16(msg[4:6]) == 0 {
		return q, errDNSNoQuestion
	}

	var labels []string
	pos := dnsHeaderLen
	for {
		if pos >= len(msg) {
			return q, errDNSShort
		}
		l := int(msg[pos])
		if l == 0 {
			pos++
			break
		}
		if l&0xc0 == 0xc0 {
			return q, errDNSCompression
		}
		if l > 63 || pos+1+l > len(msg) {
			return q, errDNSLabel
		}
		labels = append(labels, string(msg[pos+1:pos+1+l]))
		pos += 1 + l
	}
	if pos+4 > len(msg) {
		return q, errDNSShort
	}

	q.Name = strings.ToLower(strings.Join(labels, "."))
	q.Type = binary.BigEndian.Uint16(msg[pos : pos+2])
	q.Class = binary.BigEndian.Uint16(msg[pos+2 : pos+4])
	q.End = pos + 4
	return q, nil
}

// SynthesizeAResponse turns query into a single-answer A response for ip.
// The answer name is a pointer to the question name at offset 12.
func SynthesizeAResponse(query []byte, q DNSQuestion, ip netip.Addr) []byte {
	resp := make([]byte, q.End, q.End+16)
	copy(resp, query[:q.End])

	// QR=1, keep opcode and RD, clear AA and TC.
	resp[2] = 0x80 | (query[2] & 0x79)
	// RA=1, Z=0, RCODE=0.
	resp[3] = 0x80

	binary.BigEndian.PutUint16(resp[4:6], 1)  // QDCOUNT
	binary.BigEndian.PutUint16(resp[6:8], 1)  // ANCOUNT
	binary.BigEndian.PutUint16(resp[8:10], 0) // NSCOUNT
	binary.BigEndian.PutUint16(resp[10:12], 0)

	a := ip.As4()
	resp = append(resp, 0xc0, 0x0c)
	resp = binary.BigEndian.AppendUint16(resp, dnsTypeA)
	resp = binary.BigEndian.AppendUint16(resp, dnsClassIN)
	resp = binary.BigEndian.AppendUint32(resp, fakeIPTTL)
	resp = binary.BigEndian.AppendUint16(resp, 4)
	return append(resp, a[:]...)
}
