// Package service owns one TUN session at a time: it wires the proxy
// engine supervisor, the route controller and the packet engine, and
// tears them down in reverse order.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"tungate/internal/core"
	"tungate/internal/gateway"
	"tungate/internal/platform"
	"tungate/internal/provider/direct"
	"tungate/internal/provider/socks5"
	"tungate/internal/supervisor"
)

const (
	resolveTimeout = 5 * time.Second
	stopTimeout    = 5 * time.Second
)

// TunStatus is a point-in-time view of the session.
type TunStatus struct {
	Running        bool
	State          core.EngineState
	DeviceName     string
	Address        string
	BytesRead      uint64 // from the TUN, i.e. sent by applications
	BytesWritten   uint64 // to the TUN
	PacketsRead    uint64
	PacketsWritten uint64
	Dropped        uint64
	ActiveFlows    int
	FakeIPs        int
	ProxyHealthy   bool
	ProxyPID       int
	Endpoint       string
	LastError      string
}

// session holds everything created by one successful Start.
type session struct {
	dev      platform.TunDevice
	addr     netip.Prefix
	router   *gateway.Router
	health   *HealthMonitor
	pool     *gateway.FakeIPPool
	endpoint string
	cancel   context.CancelFunc
}

// TunService is the owned replacement for the global TUN manager. All
// lifecycle methods are serialized; Start on a running service restarts it.
type TunService struct {
	plat *platform.Platform
	bus  *core.EventBus

	routes *gateway.RouteController

	// Replaceable in tests.
	nicFromRoute func(platform.Route) (platform.RealNIC, error)
	lookupHost   func(ctx context.Context, host string) ([]netip.Addr, error)

	mu       sync.Mutex
	tunCfg   core.TunConfig
	proxyCfg core.ProxyConfig
	sup      *supervisor.Supervisor
	sess     *session
	state    core.EngineState
	lastErr  error
}

// NewTunService creates a stopped service.
func NewTunService(plat *platform.Platform, bus *core.EventBus, tun core.TunConfig, proxy core.ProxyConfig) *TunService {
	return &TunService{
		plat:         plat,
		bus:          bus,
		routes:       gateway.NewRouteController(plat.Routing),
		nicFromRoute: platform.RealNICFromRoute,
		lookupHost: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		},
		tunCfg:   tun,
		proxyCfg: proxy,
		sup:      supervisor.New(supervisor.ConfigFromProxy(proxy), plat.Process),
	}
}

// Start brings the session up: privilege check, proxy engine, TUN
// device, routes, then the packet engine. Any failure undoes the steps
// already taken. A running session is stopped first.
func (s *TunService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil {
		core.Log.Infof("Core", "Session already running, restarting")
		if err := s.stopLocked(ctx); err != nil {
			core.Log.Warnf("Core", "Stopping previous session: %v", err)
		}
	}

	s.setState(core.EngineStarting, nil)
	err := s.startLocked(ctx)
	if err != nil {
		s.setState(core.EngineError, err)
		return err
	}
	s.setState(core.EngineRunning, nil)
	return nil
}

func (s *TunService) startLocked(ctx context.Context) (err error) {
	cfg := s.tunCfg
	if s.plat.IsElevated != nil && !s.plat.IsElevated() {
		return core.Ef(core.KindPrivilege, "start", "administrator/root privileges are required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr, _ := cfg.AddressPrefix()
	tunGW, _ := netip.ParseAddr(cfg.Gateway)
	if s.plat.PreStartup != nil {
		if err := s.plat.PreStartup(); err != nil {
			return core.E(core.KindDevice, "pre-startup", err)
		}
	}

	// Addresses that must keep using the original gateway, resolved
	// before the default route changes. A supervised engine reaches its
	// remote servers through them; without one it would dial into the TUN.
	pins, upstreams := s.pinnedAddrs(ctx, s.sup.Endpoint())
	if s.sup.Managed() && upstreams == 0 {
		return core.Ef(core.KindProxyUnavailable, "pin upstream",
			"no upstream server to pin for %s; set proxy.upstream_servers", s.proxyCfg.Binary)
	}

	// Undo stack, run in reverse on failure.
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}()

	// 1. Proxy engine.
	endpoint, err := s.sup.Start(ctx)
	if err != nil {
		return err
	}
	undo = append(undo, func() {
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		s.sup.Stop(sctx)
	})
	socks, err := socks5.New(endpoint)
	if err != nil {
		return core.E(core.KindProxyUnavailable, "socks5 endpoint", err)
	}

	// 2. TUN device.
	dev, err := s.plat.OpenTUN(cfg.Name, cfg.MTU)
	if err != nil {
		return core.E(core.KindDevice, "open "+cfg.Name, err)
	}
	undo = append(undo, func() { dev.Close() })
	ifIndex, err := s.plat.Routing.ConfigureInterface(dev.Name(), addr, cfg.MTU)
	if err != nil {
		return core.E(core.KindDevice, "configure "+dev.Name(), err)
	}
	core.Log.Infof("TUN", "Device %s up (addr=%s, mtu=%d, index=%d)", dev.Name(), addr, cfg.MTU, ifIndex)

	// 3. Routes.
	if err := s.routes.Enable(gateway.RouteConfig{
		TunName:    dev.Name(),
		TunIndex:   ifIndex,
		TunGateway: tunGW,
		Pinned:     pins,
		Strict:     cfg.StrictRoute,
	}); err != nil {
		return err
	}
	undo = append(undo, func() { s.routes.Disable() })

	// 4. Direct path through the real NIC.
	nic, err := s.nicFromRoute(s.routes.Original())
	if err != nil {
		return core.E(core.KindRoute, "resolve real NIC", err)
	}
	var binder platform.InterfaceBinder
	if s.plat.NewInterfaceBinder != nil {
		binder = s.plat.NewInterfaceBinder()
	}
	directProv, err := direct.New(nic, binder)
	if err != nil {
		return core.E(core.KindRoute, "direct provider", err)
	}

	// 5. Engine.
	classifier, err := gateway.NewClassifier(gateway.ParseBypassList(cfg.BypassIPs), cfg.Fallback)
	if err != nil {
		return err
	}
	var pool *gateway.FakeIPPool
	if cfg.FakeIP {
		if pool, err = gateway.NewFakeIPPoolFromConfig(cfg); err != nil {
			return err
		}
	}
	var dnsRouter *gateway.DNSRouter
	if server, ok := dnsUpstream(cfg.DNSServer); ok {
		dnsRouter = gateway.NewDNSRouter(gateway.DNSConfig{
			Server: server,
			Hijack: cfg.DNSHijack,
			FakeIP: cfg.FakeIP,
		}, pool, directProv, directProv.UDPDialer())
	} else if cfg.FakeIP {
		core.Log.Warnf("DNS", "fake_ip needs dns_server; FakeIP answers are disabled")
		pool = nil
	}

	router := gateway.NewRouter(gateway.RouterConfig{
		Device:     dev,
		Classifier: classifier,
		Proxy:      socks,
		Direct:     directProv,
		DNS:        dnsRouter,
	})

	_, _, interval := s.proxyCfg.Durations()
	health := NewHealthMonitor(interval, s.healthCheck(socks), router.SetProxyHealthy, s.sup.PID, s.bus)

	sessCtx, cancel := context.WithCancel(context.Background())
	health.Start(sessCtx)
	if err := router.Start(sessCtx); err != nil {
		health.Stop()
		cancel()
		return core.E(core.KindDevice, "start engine", err)
	}

	sess := &session{
		dev:      dev,
		addr:     addr,
		router:   router,
		health:   health,
		pool:     pool,
		endpoint: endpoint,
		cancel:   cancel,
	}
	s.sess = sess
	go s.watch(sess)

	core.Log.Infof("Core", "TUN session running (dev=%s, proxy=%s, fallback=%s)", dev.Name(), endpoint, cfg.Fallback)
	return nil
}

// healthCheck is process liveness for a supervised engine and an
// endpoint check for an unmanaged one.
func (s *TunService) healthCheck(socks *socks5.Client) func(ctx context.Context) bool {
	sup := s.sup
	return func(ctx context.Context) bool {
		if sup.Managed() {
			return sup.HealthCheck()
		}
		return socks.Ping(ctx) == nil
	}
}

// watch stops the session when the engine dies underneath it, e.g. the
// device disappears.
func (s *TunService) watch(sess *session) {
	err := sess.router.Wait()
	if err == nil {
		return
	}
	core.Log.Errorf("Core", "Engine failed: %v", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != sess {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if stopErr := s.stopLocked(ctx); stopErr != nil {
		core.Log.Warnf("Core", "Cleanup after engine failure: %v", stopErr)
	}
	s.setState(core.EngineError, err)
}

// Stop tears the session down: engine and flows first, then the device,
// then routes, then the proxy engine. Stopping a stopped service is a
// no-op.
func (s *TunService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.stopLocked(ctx)
}

func (s *TunService) stopLocked(ctx context.Context) error {
	sess := s.sess
	if sess == nil {
		return nil
	}
	s.setState(core.EngineStopping, nil)

	var errs []error
	sess.health.Stop()
	if err := sess.router.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	sess.cancel()
	if err := s.routes.Disable(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("[Supervisor] stop: %w", err))
	}
	s.sess = nil

	err := errors.Join(errs...)
	if err != nil {
		core.Log.Warnf("Core", "Session stopped with errors: %v", err)
	}
	s.setState(core.EngineStopped, nil)
	return err
}

// Reconfigure replaces the configuration. A running session is restarted
// with the new settings; a stopped one only stores them.
func (s *TunService) Reconfigure(ctx context.Context, tun core.TunConfig, proxy core.ProxyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconfigureLocked(ctx, tun, proxy, s.sess != nil)
}

// Apply reconciles the service with a reloaded configuration: afterwards
// a session runs exactly when tun.enabled is set.
func (s *TunService) Apply(ctx context.Context, tun core.TunConfig, proxy core.ProxyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconfigureLocked(ctx, tun, proxy, tun.Enabled)
}

func (s *TunService) reconfigureLocked(ctx context.Context, tun core.TunConfig, proxy core.ProxyConfig, run bool) error {
	if err := tun.Validate(); err != nil {
		return err
	}

	if s.sess != nil {
		if err := s.stopLocked(ctx); err != nil {
			core.Log.Warnf("Core", "Stop before reconfigure: %v", err)
		}
	}
	s.tunCfg, s.proxyCfg = tun, proxy
	s.sup = supervisor.New(supervisor.ConfigFromProxy(proxy), s.plat.Process)
	if !run {
		return nil
	}

	s.setState(core.EngineStarting, nil)
	if err := s.startLocked(ctx); err != nil {
		s.setState(core.EngineError, err)
		return err
	}
	s.setState(core.EngineRunning, nil)
	return nil
}

// Running reports whether a session is up.
func (s *TunService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// Status returns a snapshot of the session.
func (s *TunService) Status() TunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := TunStatus{State: s.state, Endpoint: s.sup.Endpoint(), ProxyPID: s.sup.PID()}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	sess := s.sess
	if sess == nil {
		return st
	}
	rs := sess.router.Stats()
	st.Running = true
	st.DeviceName = sess.dev.Name()
	st.Address = sess.addr.Addr().String()
	st.Endpoint = sess.endpoint
	st.BytesRead, st.BytesWritten = rs.RxBytes, rs.TxBytes
	st.PacketsRead, st.PacketsWritten = rs.RxPackets, rs.TxPackets
	st.Dropped = rs.Dropped
	st.ActiveFlows = rs.ActiveFlows
	st.ProxyHealthy = sess.health.Healthy()
	if sess.pool != nil {
		st.FakeIPs = sess.pool.Len()
	}
	return st
}

func (s *TunService) setState(state core.EngineState, err error) {
	old := s.state
	s.state = state
	if err != nil {
		s.lastErr = err
	} else if state == core.EngineRunning {
		s.lastErr = nil
	}
	if s.bus != nil && old != state {
		s.bus.Publish(core.Event{
			Type:    core.EventEngineStateChanged,
			Payload: core.EngineStatePayload{OldState: old, NewState: state, Error: err},
		})
	}
}

// pinnedAddrs collects the engine's upstream servers, the DNS upstream
// and a non-local SOCKS5 endpoint host. Hostnames are resolved now; an
// unresolvable entry is logged and skipped. upstreams counts the
// routable addresses that came from proxy.upstream_servers.
func (s *TunService) pinnedAddrs(ctx context.Context, endpoint string) (pins []netip.Addr, upstreams int) {
	for _, h := range s.proxyCfg.UpstreamServers {
		for _, ip := range s.resolvePin(ctx, h) {
			pins = append(pins, ip)
			if pinnable(ip) {
				upstreams++
			}
		}
	}
	if s.tunCfg.DNSServer != "" {
		pins = append(pins, s.resolvePin(ctx, s.tunCfg.DNSServer)...)
	}
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		pins = append(pins, s.resolvePin(ctx, h)...)
	}
	return pins, upstreams
}

// resolvePin turns host, host:port or an IP literal into addresses.
func (s *TunService) resolvePin(ctx context.Context, h string) []netip.Addr {
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	if ip, err := netip.ParseAddr(h); err == nil {
		return []netip.Addr{ip.Unmap()}
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	ips, err := s.lookupHost(rctx, h)
	if err != nil {
		core.Log.Warnf("Route", "Cannot resolve %q for pinning: %v", h, err)
		return nil
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.Unmap())
	}
	return out
}

// pinnable mirrors the addresses RouteController installs host routes for.
func pinnable(ip netip.Addr) bool {
	return ip.Is4() && !ip.IsLoopback() && !ip.IsUnspecified()
}

func dnsUpstream(server string) (netip.AddrPort, bool) {
	if server == "" {
		return netip.AddrPort{}, false
	}
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return ap, true
	}
	ip, err := netip.ParseAddr(server)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, 53), true
}
