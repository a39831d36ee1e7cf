package gateway

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tungate/internal/core"
	"tungate/internal/platform"
	"tungate/internal/provider"
)

const (
	defaultWriteQueue = 1024
	// Concurrent hijacked DNS queries; excess queries are dropped and the
	// client retries.
	maxDNSInFlight = 256
	// Consecutive device read errors before the engine gives up.
	maxReadErrors = 16

	DefaultTCPIdle = 5 * time.Minute
	DefaultUDPIdle = 60 * time.Second
)

// RouterConfig holds the engine's collaborators.
type RouterConfig struct {
	Device     platform.TunDevice
	Classifier *Classifier
	Proxy      ProxyClient // nil for an unmanaged/absent endpoint
	Direct     provider.Dialer
	DNS        *DNSRouter // nil disables hijacking
	TCPIdle    time.Duration
	UDPIdle    time.Duration
	WriteQueue int
}

// Stats are cumulative engine counters.
type Stats struct {
	RxBytes     uint64 // read from the TUN (sent by applications)
	TxBytes     uint64 // written to the TUN
	RxPackets   uint64
	TxPackets   uint64
	Dropped     uint64 // malformed, unsupported or queue overflow
	ActiveFlows int
}

// Router is the packet engine. One goroutine reads the device, one
// writes it; both are pinned to OS threads so blocking device I/O never
// stalls the scheduler. Everything else runs in per-flow goroutines.
type Router struct {
	dev        platform.TunDevice
	table      *FlowTable
	classifier *Classifier
	relay      *Relay
	dns        *DNSRouter
	out        chan []byte

	tcpIdle, udpIdle time.Duration

	rxBytes, txBytes     atomic.Uint64
	rxPackets, txPackets atomic.Uint64
	dropped              atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	dnsWork *errgroup.Group
}

// NewRouter wires an engine around cfg.Device.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	if cfg.TCPIdle <= 0 {
		cfg.TCPIdle = DefaultTCPIdle
	}
	if cfg.UDPIdle <= 0 {
		cfg.UDPIdle = DefaultUDPIdle
	}
	r := &Router{
		dev:        cfg.Device,
		table:      NewFlowTable(),
		classifier: cfg.Classifier,
		dns:        cfg.DNS,
		out:        make(chan []byte, cfg.WriteQueue),
		tcpIdle:    cfg.TCPIdle,
		udpIdle:    cfg.UDPIdle,
	}
	r.relay = NewRelay(RelayConfig{
		Table:      r.table,
		Classifier: cfg.Classifier,
		Proxy:      cfg.Proxy,
		Direct:     cfg.Direct,
		DNS:        cfg.DNS,
		Emit:       r.emit,
		MTU:        cfg.Device.MTU(),
	})
	return r
}

// Flows returns the connection table.
func (r *Router) Flows() *FlowTable { return r.table }

// SetProxyHealthy forwards the latest health check result to the classifier.
func (r *Router) SetProxyHealthy(ok bool) { r.classifier.SetProxyHealthy(ok) }

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	return Stats{
		RxBytes:     r.rxBytes.Load(),
		TxBytes:     r.txBytes.Load(),
		RxPackets:   r.rxPackets.Load(),
		TxPackets:   r.txPackets.Load(),
		Dropped:     r.dropped.Load(),
		ActiveFlows: r.table.Len(),
	}
}

// Start launches the reader, writer and housekeeping goroutines.
func (r *Router) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("[Gateway] router already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	r.dnsWork = &errgroup.Group{}
	r.dnsWork.SetLimit(maxDNSInFlight)

	r.table.StartTimestampUpdater(ctx)
	r.table.StartIdleCleanup(ctx, r.tcpIdle, r.udpIdle)

	r.group.Go(func() error { return r.readLoop(ctx) })
	r.group.Go(func() error { return r.writeLoop(ctx) })

	core.Log.Infof("Gateway", "Router started on %s (mtu=%d)", r.dev.Name(), r.dev.MTU())
	return nil
}

// Wait blocks until the engine goroutines exit and returns the first
// device error, if any. A clean Stop yields nil.
func (r *Router) Wait() error {
	if r.group == nil {
		return nil
	}
	err := r.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the read loop and every flow, closes the device, then
// waits for the flows and in-flight DNS queries to drain (bounded by
// ctx). Routes are the caller's business and must only be removed
// after Stop returns.
func (r *Router) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.cancel()

	var errs []error
	if err := r.dev.Close(); err != nil {
		errs = append(errs, core.E(core.KindDevice, "close "+r.dev.Name(), err))
	}
	// The reader is gone once Wait returns, so dispatch can no longer
	// start DNS work while dnsWork is being waited on.
	if err := r.Wait(); err != nil {
		errs = append(errs, err)
	}

	n := r.table.CloseAll(ctx)
	r.dnsWork.Wait()

	core.Log.Infof("Gateway", "Router stopped (%d flows cancelled, %d left)", n, r.table.Len())
	return errors.Join(errs...)
}

// emit queues pkt for the writer goroutine.
func (r *Router) emit(ctx context.Context, pkt []byte) bool {
	select {
	case r.out <- pkt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Router) readLoop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, maxPacketSize)
	failures := 0
	for {
		n, err := r.dev.ReadPacket(buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return core.E(core.KindDevice, "read "+r.dev.Name(), err)
			}
			failures++
			core.Log.Errorf("Gateway", "Read error: %v", err)
			if failures >= maxReadErrors {
				return core.E(core.KindDevice, "read "+r.dev.Name(), err)
			}
			continue
		}
		failures = 0
		if n == 0 {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.rxPackets.Add(1)
		r.rxBytes.Add(uint64(n))
		r.dispatch(ctx, pkt)
	}
}

// dispatch classifies one packet. It never blocks on a flow.
func (r *Router) dispatch(ctx context.Context, raw []byte) {
	p, ok := Decode(raw)
	if !ok || (p.Protocol != protoTCP && p.Protocol != protoUDP) {
		r.dropped.Add(1)
		return
	}

	if r.dns != nil && r.dns.Intercepts(&p) {
		started := r.dnsWork.TryGo(func() error {
			resp, err := r.dns.Handle(ctx, p.Payload)
			if err != nil || len(resp) == 0 {
				return nil
			}
			r.emit(ctx, EncodeResponse(p.Src, p.SrcPort, p.Dst, p.DstPort, resp, protoUDP, TCPFields{}))
			return nil
		})
		if !started {
			r.dropped.Add(1)
		}
		return
	}

	r.relay.HandlePacket(ctx, p)
}

func (r *Router) writeLoop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-r.out:
			if err := r.dev.WritePacket(pkt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if d := r.dropped.Add(1); d == 1 || d%10000 == 0 {
					core.Log.Debugf("Gateway", "Packet drop #%d: %v", d, err)
				}
				continue
			}
			r.txPackets.Add(1)
			r.txBytes.Add(uint64(len(pkt)))
		}
	}
}
