package gateway

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"tungate/internal/core"
	"tungate/internal/provider"
)

const (
	tcpWindow = 65535

	defaultFlowQueue = 128
)

// ProxyClient is the SOCKS5 endpoint as the relay sees it. Open,
// Handshake and Connect are driven one by one so the flow state follows
// the protocol; DialTCP covers domain targets and DialUDP covers UDP.
type ProxyClient interface {
	provider.Dialer
	Open(ctx context.Context) (net.Conn, error)
	Handshake(conn net.Conn) error
	Connect(conn net.Conn, dst netip.AddrPort) error
}

// Emitter hands a synthesized packet to the TUN writer. It returns false
// when the packet could not be queued (engine stopping).
type Emitter func(ctx context.Context, pkt []byte) bool

// Relay creates and runs one goroutine per flow. Packets for an existing
// flow are queued to its goroutine, so each flow is processed in arrival
// order and a stalled flow never blocks the reader.
type Relay struct {
	table      *FlowTable
	classifier *Classifier
	proxy      ProxyClient // nil when no endpoint is configured
	direct     provider.Dialer
	dns        *DNSRouter // nil when hijack is off
	pool       *FakeIPPool
	emit       Emitter

	mss   uint16
	queue int
}

// RelayConfig bundles the relay's collaborators.
type RelayConfig struct {
	Table      *FlowTable
	Classifier *Classifier
	Proxy      ProxyClient
	Direct     provider.Dialer
	DNS        *DNSRouter
	Emit       Emitter
	MTU        int
	QueueSize  int
}

// NewRelay creates a relay. MSS is derived from the MTU (IPv4 + TCP
// headers without options).
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultFlowQueue
	}
	mtu := cfg.MTU
	if mtu <= minIPv4Hdr+minTCPHdr {
		mtu = 1500
	}
	r := &Relay{
		table:      cfg.Table,
		classifier: cfg.Classifier,
		proxy:      cfg.Proxy,
		direct:     cfg.Direct,
		dns:        cfg.DNS,
		emit:       cfg.Emit,
		mss:        uint16(mtu - minIPv4Hdr - minTCPHdr),
		queue:      cfg.QueueSize,
	}
	if cfg.DNS != nil {
		r.pool = cfg.DNS.Pool()
	}
	return r
}

// HandlePacket routes one decoded TCP/UDP packet. ctx bounds every flow
// spawned from it.
func (r *Relay) HandlePacket(ctx context.Context, p Packet) {
	key := p.Key()
	if f, ok := r.table.Get(key); ok {
		r.table.Touch(f)
		if !f.deliver(p) {
			core.Log.Debugf("Relay", "%s: queue full, dropping packet", key)
		}
		return
	}

	switch p.Protocol {
	case protoTCP:
		if p.Flags&tcpRST != 0 {
			return
		}
		if p.Flags&tcpSYN == 0 {
			// Data or FIN for a flow we do not know (expired or pre-start).
			// Bare ACKs are ignored: they trail every close.
			if len(p.Payload) > 0 || p.Flags&tcpFIN != 0 {
				r.reset(ctx, p)
			}
			return
		}
		if p.Flags&tcpACK != 0 {
			return
		}
	case protoUDP:
	default:
		return
	}

	dec := r.classifier.Decide(p.Dst, p.DstPort)
	if dec == DecisionBlock {
		core.Log.Debugf("Relay", "%s: blocked (proxy unhealthy)", key)
		if p.Protocol == protoTCP {
			r.reset(ctx, p)
		}
		return
	}

	fctx, cancel := context.WithCancel(ctx)
	f := newFlow(key, cancel, r.queue)
	if !r.table.Insert(f) {
		cancel()
		return
	}
	core.Log.Debugf("Relay", "%s: new flow (%s)", key, dec)

	if p.Protocol == protoTCP {
		go r.runTCP(fctx, f, p, dec)
	} else {
		go r.runUDP(fctx, f, p, dec)
	}
}

// reset answers an unexpected segment with RST so the client gives up
// immediately instead of retransmitting into the void.
func (r *Relay) reset(ctx context.Context, p Packet) {
	ack := p.Seq + uint32(len(p.Payload))
	if p.Flags&(tcpSYN|tcpFIN) != 0 {
		ack++
	}
	r.emit(ctx, EncodeResponse(p.Src, p.SrcPort, p.Dst, p.DstPort, nil, protoTCP,
		TCPFields{Seq: p.Ack, Ack: ack, Flags: tcpRST | tcpACK}))
}

// ---------------------------------------------------------------------------
// Outbound connection setup
// ---------------------------------------------------------------------------

// target resolves where a flow really goes. For FakeIP destinations the
// domain is returned; for hijacked TCP DNS the upstream server.
func (r *Relay) target(f *Flow) (dst netip.AddrPort, domain string, err error) {
	dst = netip.AddrPortFrom(f.Key.Dst, f.Key.DstPort)
	if r.dns != nil && f.Key.DstPort == 53 && r.dns.cfg.Hijack {
		return r.dns.Upstream(), "", nil
	}
	if r.pool != nil && r.pool.IsFakeIP(f.Key.Dst) {
		e, ok := r.pool.Lookup(f.Key.Dst)
		if !ok {
			return dst, "", errors.New("fake address without a mapping")
		}
		if e.RealIP.IsValid() {
			dst = netip.AddrPortFrom(e.RealIP, f.Key.DstPort)
		}
		return dst, e.Domain, nil
	}
	return dst, "", nil
}

// realAddr returns an address for the direct path, resolving FakeIP
// domains through the upstream resolver on first use.
func (r *Relay) realAddr(ctx context.Context, f *Flow, dst netip.AddrPort, domain string) (string, error) {
	if domain == "" || r.pool == nil || !r.pool.IsFakeIP(dst.Addr()) {
		return dst.String(), nil
	}
	ip, err := r.dns.Resolve(ctx, domain)
	if err != nil {
		return "", err
	}
	r.pool.SetRealIP(f.Key.Dst, ip)
	return netip.AddrPortFrom(ip, dst.Port()).String(), nil
}

// dialTCP walks Connecting → Handshaking → Connected for proxied flows and
// falls back to a direct connection when any step fails.
func (r *Relay) dialTCP(ctx context.Context, f *Flow, dec Decision) (net.Conn, error) {
	dst, domain, err := r.target(f)
	if err != nil {
		return nil, err
	}

	if dec == DecisionProxy && r.proxy != nil {
		conn, err := r.dialProxyTCP(ctx, f, dst, domain)
		if err == nil {
			return conn, nil
		}
		if r.classifier.Policy() == core.PolicyBlock {
			return nil, err
		}
		core.Log.Infof("Relay", "%s: proxy failed (%v), falling back to direct", f.Key, err)
	}

	f.direct.Store(true)
	f.setState(FlowConnecting)
	addr, err := r.realAddr(ctx, f, dst, domain)
	if err != nil {
		return nil, err
	}
	conn, err := r.direct.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	f.setState(FlowConnected)
	return conn, nil
}

func (r *Relay) dialProxyTCP(ctx context.Context, f *Flow, dst netip.AddrPort, domain string) (net.Conn, error) {
	if domain != "" {
		f.setState(FlowHandshaking)
		conn, err := r.proxy.DialTCP(ctx, net.JoinHostPort(domain, strconv.Itoa(int(dst.Port()))))
		if err != nil {
			return nil, err
		}
		f.setState(FlowConnected)
		return conn, nil
	}

	f.setState(FlowConnecting)
	conn, err := r.proxy.Open(ctx)
	if err != nil {
		return nil, err
	}
	f.setState(FlowHandshaking)
	if err := r.proxy.Handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.proxy.Connect(conn, dst); err != nil {
		conn.Close()
		return nil, err
	}
	f.setState(FlowConnected)
	return conn, nil
}

func (r *Relay) dialUDP(ctx context.Context, f *Flow, dec Decision) (net.Conn, error) {
	dst, domain, err := r.target(f)
	if err != nil {
		return nil, err
	}
	f.setState(FlowConnecting)

	if dec == DecisionProxy && r.proxy != nil {
		addr := dst.String()
		if domain != "" {
			addr = net.JoinHostPort(domain, strconv.Itoa(int(dst.Port())))
		}
		conn, err := r.proxy.DialUDP(ctx, addr)
		if err == nil {
			f.setState(FlowConnected)
			return conn, nil
		}
		if r.classifier.Policy() == core.PolicyBlock {
			return nil, err
		}
		core.Log.Infof("Relay", "%s: proxy UDP failed (%v), falling back to direct", f.Key, err)
	}

	f.direct.Store(true)
	addr, err := r.realAddr(ctx, f, dst, domain)
	if err != nil {
		return nil, err
	}
	conn, err := r.direct.DialUDP(ctx, addr)
	if err != nil {
		return nil, err
	}
	f.setState(FlowConnected)
	return conn, nil
}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

// tcpSeq tracks both sequence spaces of one flow. The downlink goroutine
// and the flow goroutine both emit segments, so access is locked.
type tcpSeq struct {
	mu         sync.Mutex
	serverNext uint32 // next seq we send
	clientNext uint32 // next seq expected from the client
}

func (s *tcpSeq) segment(f *Flow, flags byte, payload []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkt := EncodeResponse(f.Key.Src, f.Key.SrcPort, f.Key.Dst, f.Key.DstPort, payload, protoTCP,
		TCPFields{Seq: s.serverNext, Ack: s.clientNext, Flags: flags, Window: tcpWindow})
	s.serverNext += uint32(len(payload))
	if flags&(tcpSYN|tcpFIN) != 0 {
		s.serverNext++
	}
	return pkt
}

func (r *Relay) runTCP(ctx context.Context, f *Flow, syn Packet, dec Decision) {
	defer close(f.done)
	defer r.table.Remove(f)
	defer f.setState(FlowClosed)

	conn, err := r.dialTCP(ctx, f, dec)
	if err != nil {
		core.Log.Debugf("Relay", "%s: connect failed: %v", f.Key, err)
		r.reset(ctx, syn)
		return
	}

	iss := rand.Uint32()
	seq := &tcpSeq{serverNext: iss + 1, clientNext: syn.Seq + 1}
	synAck := EncodeResponse(f.Key.Src, f.Key.SrcPort, f.Key.Dst, f.Key.DstPort, nil, protoTCP,
		TCPFields{Seq: iss, Ack: syn.Seq + 1, Flags: tcpSYN | tcpACK, Window: tcpWindow, MSS: r.mss})
	chunk := r.mss
	if syn.MSS != 0 && syn.MSS < chunk {
		chunk = syn.MSS
	}

	if !r.emit(ctx, synAck) {
		conn.Close()
		return
	}
	f.setState(FlowRelaying)

	downDone := make(chan struct{})
	go func() {
		defer close(downDone)
		r.tcpDownlink(ctx, f, conn, seq, int(chunk))
	}()
	defer func() {
		conn.Close()
		<-downDone
	}()

	var (
		finRecv     bool
		established bool
		downClosed  bool
	)
	down := downDone
	for {
		select {
		case <-ctx.Done():
			return
		case <-down:
			down = nil
			downClosed = true
			if finRecv {
				return
			}
			// Upstream closed first; keep ACKing the client until it closes too.
		case p := <-f.in:
			r.table.Touch(f)
			if p.Flags&tcpRST != 0 {
				return
			}
			if p.Flags&tcpSYN != 0 {
				if !established {
					r.emit(ctx, synAck) // retransmitted SYN: our SYN-ACK was lost
				}
				continue
			}
			if p.Flags&tcpACK != 0 {
				established = true
			}

			seq.mu.Lock()
			expected := seq.clientNext
			seq.mu.Unlock()

			n := len(p.Payload)
			if (n > 0 || p.Flags&tcpFIN != 0) && p.Seq != expected {
				// Duplicate or out of order: re-ACK what we have.
				r.emit(ctx, seq.segment(f, tcpACK, nil))
				continue
			}
			if n > 0 {
				if _, err := conn.Write(p.Payload); err != nil {
					core.Log.Debugf("Relay", "%s: upstream write: %v", f.Key, err)
					r.emit(ctx, seq.segment(f, tcpRST|tcpACK, nil))
					return
				}
			}

			seq.mu.Lock()
			seq.clientNext += uint32(n)
			if p.Flags&tcpFIN != 0 && !finRecv {
				finRecv = true
				seq.clientNext++
			}
			seq.mu.Unlock()

			if n > 0 || p.Flags&tcpFIN != 0 {
				r.emit(ctx, seq.segment(f, tcpACK, nil))
			}
			if p.Flags&tcpFIN != 0 {
				if cw, ok := conn.(interface{ CloseWrite() error }); ok {
					cw.CloseWrite()
				}
				if downClosed {
					return
				}
			}
		}
	}
}

// tcpDownlink copies upstream bytes into PSH|ACK segments of at most
// chunk bytes. EOF becomes FIN|ACK; any other error becomes RST.
func (r *Relay) tcpDownlink(ctx context.Context, f *Flow, conn net.Conn, seq *tcpSeq, chunk int) {
	buf := make([]byte, chunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.table.Touch(f)
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if !r.emit(ctx, seq.segment(f, tcpPSH|tcpACK, payload)) {
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				r.emit(ctx, seq.segment(f, tcpFIN|tcpACK, nil))
			} else {
				core.Log.Debugf("Relay", "%s: upstream read: %v", f.Key, err)
				r.emit(ctx, seq.segment(f, tcpRST|tcpACK, nil))
				f.cancel()
			}
			return
		}
	}
}

// ---------------------------------------------------------------------------
// UDP
// ---------------------------------------------------------------------------

func (r *Relay) runUDP(ctx context.Context, f *Flow, first Packet, dec Decision) {
	defer close(f.done)
	defer r.table.Remove(f)
	defer f.setState(FlowClosed)

	conn, err := r.dialUDP(ctx, f, dec)
	if err != nil {
		core.Log.Debugf("Relay", "%s: connect failed: %v", f.Key, err)
		return
	}
	f.setState(FlowRelaying)

	downDone := make(chan struct{})
	go func() {
		defer close(downDone)
		buf := make([]byte, maxPacketSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				f.cancel()
				return
			}
			r.table.Touch(f)
			pkt := EncodeResponse(f.Key.Src, f.Key.SrcPort, f.Key.Dst, f.Key.DstPort,
				buf[:n], protoUDP, TCPFields{})
			if !r.emit(ctx, pkt) {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-downDone
	}()

	if _, err := conn.Write(first.Payload); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-f.in:
			if _, err := conn.Write(p.Payload); err != nil {
				core.Log.Debugf("Relay", "%s: upstream write: %v", f.Key, err)
				return
			}
		}
	}
}
