package gateway

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tungate/internal/provider/direct"
)

// startUpstream runs a miekg DNS server on a loopback UDP socket that
// answers every A query with 93.184.216.34.
func startUpstream(t *testing.T) (netip.AddrPort, *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var hits atomic.Int32
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			hits.Add(1)
			m := new(dns.Msg)
			m.SetReply(r)
			if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeA {
				rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 93.184.216.34")
				m.Answer = append(m.Answer, rr)
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().(*net.UDPAddr).AddrPort(), &hits
}

func packQuery(t *testing.T, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestDNSRelayPreservesID(t *testing.T) {
	upstream, hits := startUpstream(t)
	r := NewDNSRouter(DNSConfig{Server: upstream, Hijack: true}, nil, direct.Loopback(), &net.Dialer{})

	query := packQuery(t, "example.com", dns.TypeA, 0x1234)
	resp, err := r.Handle(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, query[:2], resp[:2], "transaction ID must be byte-identical")
	var m dns.Msg
	require.NoError(t, m.Unpack(resp))
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "93.184.216.34", m.Answer[0].(*dns.A).A.String())
	assert.Equal(t, int32(1), hits.Load())
}

func TestDNSFakeIPAnswersLocally(t *testing.T) {
	upstream, hits := startUpstream(t)
	pool := newTestPool(t, "198.18.0.1", "198.18.0.1")
	r := NewDNSRouter(DNSConfig{Server: upstream, Hijack: true, FakeIP: true}, pool, direct.Loopback(), &net.Dialer{})

	resp, err := r.Handle(context.Background(), packQuery(t, "example.com", dns.TypeA, 7))
	require.NoError(t, err)
	var m dns.Msg
	require.NoError(t, m.Unpack(resp))
	assert.Equal(t, uint16(7), m.Id)
	assert.Equal(t, "198.18.0.1", m.Answer[0].(*dns.A).A.String())
	assert.Equal(t, int32(0), hits.Load(), "fake answers never reach upstream")

	// AAAA is relayed.
	_, err = r.Handle(context.Background(), packQuery(t, "example.com", dns.TypeAAAA, 8))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// Pool of one is exhausted: the new domain is relayed and gets a real answer.
	resp, err = r.Handle(context.Background(), packQuery(t, "other.test", dns.TypeA, 9))
	require.NoError(t, err)
	require.NoError(t, m.Unpack(resp))
	assert.Equal(t, "93.184.216.34", m.Answer[0].(*dns.A).A.String())
	assert.Equal(t, int32(2), hits.Load())
}

func TestDNSServFailOnDeadUpstream(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := pc.LocalAddr().(*net.UDPAddr).AddrPort()
	defer pc.Close() // bound but never answers

	r := NewDNSRouter(DNSConfig{Server: dead, Hijack: true, Timeout: 200 * time.Millisecond},
		nil, direct.Loopback(), &net.Dialer{})
	resp, err := r.Handle(context.Background(), packQuery(t, "example.com", dns.TypeA, 42))
	require.NoError(t, err)

	var m dns.Msg
	require.NoError(t, m.Unpack(resp))
	assert.Equal(t, uint16(42), m.Id)
	assert.Equal(t, dns.RcodeServerFailure, m.Rcode)
}

func TestDNSResolve(t *testing.T) {
	upstream, _ := startUpstream(t)
	r := NewDNSRouter(DNSConfig{Server: upstream}, nil, direct.Loopback(), &net.Dialer{})

	ip, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), ip)
}

func TestDNSIntercepts(t *testing.T) {
	r := NewDNSRouter(DNSConfig{Hijack: true}, nil, direct.Loopback(), nil)
	assert.True(t, r.Intercepts(&Packet{Protocol: protoUDP, DstPort: 53}))
	assert.False(t, r.Intercepts(&Packet{Protocol: protoTCP, DstPort: 53}))
	assert.False(t, r.Intercepts(&Packet{Protocol: protoUDP, DstPort: 443}))

	off := NewDNSRouter(DNSConfig{}, nil, direct.Loopback(), nil)
	assert.False(t, off.Intercepts(&Packet{Protocol: protoUDP, DstPort: 53}))
}
