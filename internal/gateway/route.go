package gateway

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// strictMetric is the metric of TUN routes in strict mode; the split
// routes then win over any equally specific route another adapter adds.
const strictMetric = 1

var (
	splitRoutes = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/1"),
		netip.MustParsePrefix("128.0.0.0/1"),
	}

	// antiLeakPrefixes are forced into the TUN in strict mode so that
	// resolvers and broadcast/multicast never leave via the real NIC.
	antiLeakPrefixes = []netip.Prefix{
		netip.MustParsePrefix("8.8.8.8/32"),
		netip.MustParsePrefix("8.8.4.4/32"),
		netip.MustParsePrefix("1.1.1.1/32"),
		netip.MustParsePrefix("1.0.0.1/32"),
		netip.MustParsePrefix("9.9.9.9/32"),
		netip.MustParsePrefix("208.67.222.222/32"),
		netip.MustParsePrefix("224.0.0.0/4"),
		netip.MustParsePrefix("255.255.255.255/32"),
	}
)

// RouteConfig describes the routes for one TUN session.
type RouteConfig struct {
	TunName    string
	TunIndex   int
	TunGateway netip.Addr
	// Pinned addresses keep using the original gateway: the proxy
	// endpoint's remote servers and the DNS upstream.
	Pinned []netip.Addr
	Strict bool
}

// RouteController installs the split default route and restores the
// table afterwards. The backup is non-empty exactly while routes are
// installed.
type RouteController struct {
	backend platform.RoutingBackend

	mu       sync.Mutex
	backup   []platform.Route
	added    []platform.Route
	original platform.Route
}

// NewRouteController creates a controller over backend.
func NewRouteController(backend platform.RoutingBackend) *RouteController {
	return &RouteController{backend: backend}
}

// Active reports whether TUN routes are installed.
func (rc *RouteController) Active() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.backup) > 0
}

// Original returns the default route that was active before Enable.
func (rc *RouteController) Original() platform.Route {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.original
}

// Enable snapshots the default routes, pins cfg.Pinned through the
// original gateway, installs the split default route via the TUN and,
// in strict mode, the anti-leak routes. Any failure rolls back every
// route added so far.
func (rc *RouteController) Enable(cfg RouteConfig) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.backup) > 0 {
		return core.Ef(core.KindRoute, "route enable", "routes already installed")
	}

	defaults, err := rc.backend.DefaultRoutes()
	if err != nil {
		return core.E(core.KindRoute, "snapshot default routes", err)
	}
	var usable []platform.Route
	for _, r := range defaults {
		if r.IfName == cfg.TunName && cfg.TunName != "" {
			continue // leftover from an unclean exit
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		return core.Ef(core.KindRoute, "snapshot default routes", "no default route found")
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].Metric < usable[j].Metric })
	orig := usable[0]

	rc.backup = append([]platform.Route(nil), defaults...)
	rc.original = orig
	core.Log.Infof("Route", "Original default route: %s", orig)

	tunRoute := func(dst netip.Prefix) platform.Route {
		r := platform.Route{Dst: dst, Gateway: cfg.TunGateway, IfName: cfg.TunName, IfIndex: cfg.TunIndex}
		if cfg.Strict {
			r.Metric = strictMetric
		}
		return r
	}

	pinned := make(map[netip.Prefix]bool)
	for _, ip := range cfg.Pinned {
		ip = ip.Unmap()
		if !ip.Is4() || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		dst := netip.PrefixFrom(ip, 32)
		if pinned[dst] {
			continue
		}
		pinned[dst] = true
		r := platform.Route{Dst: dst, Gateway: orig.Gateway, IfName: orig.IfName, IfIndex: orig.IfIndex}
		if err := rc.add(r); err != nil {
			return err
		}
	}

	for _, dst := range splitRoutes {
		if err := rc.add(tunRoute(dst)); err != nil {
			return err
		}
	}

	if cfg.Strict {
		for _, dst := range antiLeakPrefixes {
			if pinned[dst] {
				continue
			}
			if err := rc.add(tunRoute(dst)); err != nil {
				return err
			}
		}
	}

	core.Log.Infof("Route", "Installed %d routes (strict=%v)", len(rc.added), cfg.Strict)
	return nil
}

// add installs r or rolls back everything. Caller holds rc.mu.
func (rc *RouteController) add(r platform.Route) error {
	if err := rc.backend.AddRoute(r); err != nil {
		core.Log.Errorf("Route", "Add %s failed: %v; rolling back", r, err)
		if rbErr := rc.rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return core.E(core.KindRoute, fmt.Sprintf("add route %s", r), err)
	}
	rc.added = append(rc.added, r)
	return nil
}

// rollback deletes the added routes in reverse order and clears the
// backup. Caller holds rc.mu.
func (rc *RouteController) rollback() error {
	var errs []error
	for i := len(rc.added) - 1; i >= 0; i-- {
		if err := rc.backend.DeleteRoute(rc.added[i]); err != nil {
			errs = append(errs, err)
		}
	}
	rc.added = nil
	rc.backup = nil
	rc.original = platform.Route{}
	return errors.Join(errs...)
}

// Disable removes every route Enable added, re-adds backed-up default
// routes that disappeared meanwhile and clears the backup. It never
// fails: problems are logged. Calling it without routes is a no-op.
func (rc *RouteController) Disable() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.backup) == 0 && len(rc.added) == 0 {
		return nil
	}

	removed := len(rc.added)
	for i := len(rc.added) - 1; i >= 0; i-- {
		if err := rc.backend.DeleteRoute(rc.added[i]); err != nil {
			core.Log.Warnf("Route", "Delete %s: %v", rc.added[i], err)
		}
	}
	rc.added = nil

	present := make(map[string]bool)
	if current, err := rc.backend.DefaultRoutes(); err == nil {
		for _, r := range current {
			present[r.Key()] = true
		}
	} else {
		core.Log.Warnf("Route", "Read default routes: %v; re-adding all", err)
	}
	for _, r := range rc.backup {
		if present[r.Key()] {
			continue
		}
		if err := rc.backend.AddRoute(r); err != nil {
			core.Log.Warnf("Route", "Restore %s: %v", r, err)
		} else {
			core.Log.Infof("Route", "Restored %s", r)
		}
	}

	rc.backup = nil
	rc.original = platform.Route{}
	core.Log.Infof("Route", "Removed %d routes", removed)
	return nil
}
