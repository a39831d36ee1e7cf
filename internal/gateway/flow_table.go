package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"tungate/internal/core"
)

// FlowKey uniquely identifies one TCP/UDP flow as seen from the TUN side.
type FlowKey struct {
	Src     netip.Addr
	SrcPort uint16
	Dst     netip.Addr
	DstPort uint16
	Proto   byte
}

func (k FlowKey) String() string {
	p := "tcp"
	if k.Proto == protoUDP {
		p = "udp"
	}
	return fmt.Sprintf("%s %s:%d->%s:%d", p, k.Src, k.SrcPort, k.Dst, k.DstPort)
}

// FlowState is the relay state of one flow.
type FlowState int32

const (
	FlowConnecting FlowState = iota
	FlowHandshaking
	FlowConnected
	FlowRelaying
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowConnecting:
		return "connecting"
	case FlowHandshaking:
		return "handshaking"
	case FlowConnected:
		return "connected"
	case FlowRelaying:
		return "relaying"
	case FlowClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flow is the table entry for a live flow. The relay goroutine that owns
// the flow is the only reader of in.
type Flow struct {
	Key FlowKey

	in     chan Packet
	cancel context.CancelFunc
	done   chan struct{}

	state        atomic.Int32
	direct       atomic.Bool
	lastActivity atomic.Int64 // Unix seconds
}

func newFlow(key FlowKey, cancel context.CancelFunc, queue int) *Flow {
	return &Flow{
		Key:    key,
		in:     make(chan Packet, queue),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// State returns the current relay state.
func (f *Flow) State() FlowState { return FlowState(f.state.Load()) }

func (f *Flow) setState(s FlowState) {
	old := FlowState(f.state.Swap(int32(s)))
	if old != s {
		core.Log.Debugf("Relay", "%s: %s -> %s", f.Key, old, s)
	}
}

// Direct reports whether the flow is relayed directly instead of via SOCKS5.
func (f *Flow) Direct() bool { return f.direct.Load() }

// deliver queues a packet for the flow without blocking the reader.
// A full queue drops the packet; TCP retransmits it.
func (f *Flow) deliver(p Packet) bool {
	select {
	case f.in <- p:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Sharded flow table: 64 shards, one RWMutex each.
// ---------------------------------------------------------------------------

const numFlowShards = 64

type flowShard struct {
	mu sync.RWMutex
	m  map[FlowKey]*Flow
}

// flowShardIndex selects a shard using FNV-1a over the key's addresses and ports.
func flowShardIndex(k FlowKey) uint32 {
	src := k.Src.As4()
	dst := k.Dst.As4()
	h := uint32(2166136261)
	for _, b := range src {
		h = (h ^ uint32(b)) * 16777619
	}
	for _, b := range dst {
		h = (h ^ uint32(b)) * 16777619
	}
	h = (h ^ uint32(k.SrcPort>>8)) * 16777619
	h = (h ^ uint32(k.SrcPort&0xff)) * 16777619
	h = (h ^ uint32(k.DstPort>>8)) * 16777619
	h = (h ^ uint32(k.DstPort&0xff)) * 16777619
	h = (h ^ uint32(k.Proto)) * 16777619
	return h & (numFlowShards - 1)
}

// FlowTable is the connection table shared by the packet reader and the
// flow goroutines. Only lookups, inserts and removals take the locks.
type FlowTable struct {
	shards [numFlowShards]flowShard
	count  atomic.Int64

	// Cached Unix timestamp (seconds), updated every 250ms.
	nowSec atomic.Int64
}

// NewFlowTable creates an initialized flow table.
func NewFlowTable() *FlowTable {
	ft := &FlowTable{}
	for i := range ft.shards {
		ft.shards[i].m = make(map[FlowKey]*Flow)
	}
	ft.nowSec.Store(time.Now().Unix())
	return ft
}

// StartTimestampUpdater launches a goroutine that updates nowSec every 250ms.
func (ft *FlowTable) StartTimestampUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ft.nowSec.Store(time.Now().Unix())
			}
		}
	}()
}

// NowSec returns the cached Unix timestamp.
func (ft *FlowTable) NowSec() int64 { return ft.nowSec.Load() }

// Touch records activity on f.
func (ft *FlowTable) Touch(f *Flow) { f.lastActivity.Store(ft.nowSec.Load()) }

// Get returns the live flow for key.
func (ft *FlowTable) Get(key FlowKey) (*Flow, bool) {
	s := &ft.shards[flowShardIndex(key)]
	s.mu.RLock()
	f, ok := s.m[key]
	s.mu.RUnlock()
	return f, ok
}

// Insert adds f unless a flow with the same key exists.
func (ft *FlowTable) Insert(f *Flow) bool {
	s := &ft.shards[flowShardIndex(f.Key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[f.Key]; exists {
		return false
	}
	s.m[f.Key] = f
	ft.count.Add(1)
	ft.Touch(f)
	return true
}

// Remove deletes f if it is still the entry stored under its key.
func (ft *FlowTable) Remove(f *Flow) {
	s := &ft.shards[flowShardIndex(f.Key)]
	s.mu.Lock()
	if cur, ok := s.m[f.Key]; ok && cur == f {
		delete(s.m, f.Key)
		ft.count.Add(-1)
	}
	s.mu.Unlock()
}

// Len returns the number of live flows.
func (ft *FlowTable) Len() int { return int(ft.count.Load()) }

// Snapshot returns all live flows.
func (ft *FlowTable) Snapshot() []*Flow {
	out := make([]*Flow, 0, ft.Len())
	for i := range ft.shards {
		s := &ft.shards[i]
		s.mu.RLock()
		for _, f := range s.m {
			out = append(out, f)
		}
		s.mu.RUnlock()
	}
	return out
}

// CloseAll cancels every flow and waits for their goroutines to finish
// or for ctx to expire. Returns the number of flows cancelled.
func (ft *FlowTable) CloseAll(ctx context.Context) int {
	flows := ft.Snapshot()
	for _, f := range flows {
		f.cancel()
	}
	for _, f := range flows {
		select {
		case <-f.done:
		case <-ctx.Done():
			core.Log.Warnf("Gateway", "Flow %s did not exit in time", f.Key)
			ft.Remove(f)
		}
	}
	return len(flows)
}

// StartIdleCleanup cancels flows idle for longer than their protocol's
// timeout. TCP flows without FIN/RST would otherwise live forever.
func (ft *FlowTable) StartIdleCleanup(ctx context.Context, tcpIdle, udpIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ft.expireIdle(ft.nowSec.Load(), tcpIdle, udpIdle)
			}
		}
	}()
}

func (ft *FlowTable) expireIdle(now int64, tcpIdle, udpIdle time.Duration) int {
	expired := 0
	for _, f := range ft.Snapshot() {
		limit := tcpIdle
		if f.Key.Proto == protoUDP {
			limit = udpIdle
		}
		if now-f.lastActivity.Load() > int64(limit/time.Second) {
			core.Log.Debugf("Gateway", "Flow %s idle, closing", f.Key)
			f.cancel()
			expired++
		}
	}
	return expired
}
