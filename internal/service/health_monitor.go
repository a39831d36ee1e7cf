package service

import (
	"context"
	"sync"
	"time"

	"tungate/internal/core"
)

const healthCheckTimeout = 2 * time.Second

// HealthMonitor periodically checks the proxy engine and feeds the result
// into the engine's classifier. Transitions are published as
// EventProxyHealthChanged.
type HealthMonitor struct {
	check    func(ctx context.Context) bool
	apply    func(healthy bool)
	pid      func() int
	bus      *core.EventBus
	interval time.Duration

	mu      sync.Mutex
	known   bool
	healthy bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor. check performs one check, apply
// receives every result, pid (optional) is reported in events.
// Does not start the monitor; call Start separately.
func NewHealthMonitor(
	interval time.Duration,
	check func(ctx context.Context) bool,
	apply func(healthy bool),
	pid func() int,
	bus *core.EventBus,
) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthMonitor{
		check:    check,
		apply:    apply,
		pid:      pid,
		bus:      bus,
		interval: interval,
	}
}

// Start runs one check synchronously, so the engine starts with a known
// health state, then keeps checking in the background.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.done = make(chan struct{})
	hm.checkOnce(ctx)
	go hm.loop(ctx)
	core.Log.Infof("Health", "Health monitor started (interval=%s)", hm.interval)
}

// Stop cancels the loop and waits for it to exit.
func (hm *HealthMonitor) Stop() {
	if hm.cancel == nil {
		return
	}
	hm.cancel()
	<-hm.done
}

// Healthy returns the latest result.
func (hm *HealthMonitor) Healthy() bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.healthy
}

func (hm *HealthMonitor) loop(ctx context.Context) {
	defer close(hm.done)
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.checkOnce(ctx)
		}
	}
}

func (hm *HealthMonitor) checkOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	ok := hm.check(cctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	hm.apply(ok)

	hm.mu.Lock()
	changed := !hm.known || hm.healthy != ok
	hm.known, hm.healthy = true, ok
	hm.mu.Unlock()
	if !changed {
		return
	}

	pid := 0
	if hm.pid != nil {
		pid = hm.pid()
	}
	if ok {
		core.Log.Infof("Health", "Proxy engine healthy (pid=%d)", pid)
	} else {
		core.Log.Warnf("Health", "Proxy engine unhealthy (pid=%d), new flows follow the fallback policy", pid)
	}
	if hm.bus != nil {
		hm.bus.Publish(core.Event{
			Type:    core.EventProxyHealthChanged,
			Payload: core.ProxyHealthPayload{Healthy: ok, PID: pid},
		})
	}
}
