package service

import (
	"context"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"tungate/internal/core"
)

const netStatsInterval = 1 * time.Second

// NetSpeed is the host-wide throughput of the physical interfaces.
type NetSpeed struct {
	UploadSpeed   uint64 // bytes/sec
	DownloadSpeed uint64 // bytes/sec
	TotalUpload   uint64 // bytes since the baseline
	TotalDownload uint64
	Timestamp     time.Time
}

type netSnapshot struct {
	at         time.Time
	sent, recv uint64
}

// NetStatsMonitor samples per-NIC byte counters once per interval and
// derives speeds and totals since a baseline. Loopback and excluded
// interfaces (the TUN itself, whose traffic the NIC carries again) are
// not counted.
type NetStatsMonitor struct {
	counters func() ([]psnet.IOCountersStat, error)
	interval time.Duration

	mu       sync.RWMutex
	exclude  map[string]bool
	baseline *netSnapshot
	last     *netSnapshot
	latest   NetSpeed

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNetStatsMonitor creates a monitor over gopsutil's per-NIC counters.
func NewNetStatsMonitor() *NetStatsMonitor {
	return &NetStatsMonitor{
		counters: func() ([]psnet.IOCountersStat, error) { return psnet.IOCounters(true) },
		interval: netStatsInterval,
		exclude:  make(map[string]bool),
	}
}

// Exclude stops counting the named interface.
func (m *NetStatsMonitor) Exclude(name string) {
	m.mu.Lock()
	m.exclude[name] = true
	m.mu.Unlock()
}

// Start takes the baseline and begins sampling.
func (m *NetStatsMonitor) Start(ctx context.Context) error {
	if err := m.Reset(); err != nil {
		return err
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
	return nil
}

// Stop halts sampling.
func (m *NetStatsMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Latest returns the most recent sample.
func (m *NetStatsMonitor) Latest() NetSpeed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Reset makes the current counters the new baseline and zeroes the speeds.
func (m *NetStatsMonitor) Reset() error {
	snap, err := m.read(time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.baseline, m.last = &snap, &snap
	m.latest = NetSpeed{Timestamp: snap.at}
	m.mu.Unlock()
	return nil
}

func (m *NetStatsMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := m.sample(now); err != nil {
				core.Log.Debugf("Stats", "Sample failed: %v", err)
			}
		}
	}
}

func (m *NetStatsMonitor) sample(now time.Time) error {
	cur, err := m.read(now)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last != nil && m.baseline != nil {
		if dt := cur.at.Sub(m.last.at).Seconds(); dt > 0 {
			m.latest = NetSpeed{
				UploadSpeed:   uint64(float64(saturatingSub(cur.sent, m.last.sent)) / dt),
				DownloadSpeed: uint64(float64(saturatingSub(cur.recv, m.last.recv)) / dt),
				TotalUpload:   saturatingSub(cur.sent, m.baseline.sent),
				TotalDownload: saturatingSub(cur.recv, m.baseline.recv),
				Timestamp:     cur.at,
			}
		}
	}
	m.last = &cur
	return nil
}

func (m *NetStatsMonitor) read(now time.Time) (netSnapshot, error) {
	stats, err := m.counters()
	if err != nil {
		return netSnapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := netSnapshot{at: now}
	for _, s := range stats {
		if m.exclude[s.Name] || isLoopbackName(s.Name) {
			continue
		}
		snap.sent += s.BytesSent
		snap.recv += s.BytesRecv
	}
	return snap, nil
}

func isLoopbackName(name string) bool {
	return name == "lo" || name == "lo0" || strings.Contains(strings.ToLower(name), "loopback")
}

// Counters can go backwards when an interface disappears.
func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
