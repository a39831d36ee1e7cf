package gateway

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// memRoutes is an in-memory routing table keyed by Route.Key.
type memRoutes struct {
	mu       sync.Mutex
	table    map[string]platform.Route
	failOn   netip.Prefix // AddRoute for this prefix fails
	addCalls int
}

func newMemRoutes(routes ...platform.Route) *memRoutes {
	m := &memRoutes{table: make(map[string]platform.Route)}
	for _, r := range routes {
		m.table[r.Key()] = r
	}
	return m
}

func (m *memRoutes) DefaultRoutes() ([]platform.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []platform.Route
	for _, r := range m.table {
		if r.Dst.Bits() == 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRoutes) AddRoute(r platform.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls++
	if m.failOn.IsValid() && r.Dst == m.failOn {
		return errors.New("injected failure")
	}
	m.table[r.Key()] = r
	return nil
}

func (m *memRoutes) DeleteRoute(r platform.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table, r.Key())
	return nil
}

func (m *memRoutes) ConfigureInterface(string, netip.Prefix, int) (int, error) { return 42, nil }

func (m *memRoutes) snapshot() map[string]platform.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]platform.Route, len(m.table))
	for k, v := range m.table {
		out[k] = v
	}
	return out
}

func (m *memRoutes) has(dst string, ifName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := netip.MustParsePrefix(dst)
	for _, r := range m.table {
		if r.Dst == p && r.IfName == ifName {
			return true
		}
	}
	return false
}

var (
	origDefault = platform.Route{
		Dst:     netip.MustParsePrefix("0.0.0.0/0"),
		Gateway: netip.MustParseAddr("192.168.1.1"),
		IfName:  "eth0",
		IfIndex: 2,
		Metric:  100,
	}
	lanRoute = platform.Route{
		Dst:     netip.MustParsePrefix("192.168.1.0/24"),
		IfName:  "eth0",
		IfIndex: 2,
	}
)

func testRouteConfig(strict bool) RouteConfig {
	return RouteConfig{
		TunName:    "tungate0",
		TunIndex:   9,
		TunGateway: netip.MustParseAddr("192.168.55.1"),
		Pinned: []netip.Addr{
			netip.MustParseAddr("203.0.113.50"), // proxy server
			netip.MustParseAddr("8.8.8.8"),      // dns_server
			netip.MustParseAddr("8.8.8.8"),
			netip.MustParseAddr("127.0.0.1"), // local endpoint, never pinned
		},
		Strict: strict,
	}
}

func TestRouteEnableDisableRestoresTable(t *testing.T) {
	for _, strict := range []bool{false, true} {
		m := newMemRoutes(origDefault, lanRoute)
		before := m.snapshot()
		rc := NewRouteController(m)

		require.NoError(t, rc.Enable(testRouteConfig(strict)))
		assert.True(t, rc.Active())
		assert.Equal(t, origDefault, rc.Original())
		assert.True(t, m.has("0.0.0.0/1", "tungate0"))
		assert.True(t, m.has("128.0.0.0/1", "tungate0"))
		assert.True(t, m.has("203.0.113.50/32", "eth0"))
		assert.True(t, m.has("8.8.8.8/32", "eth0"), "dns server is pinned via the original gateway")
		assert.False(t, m.has("127.0.0.1/32", "eth0"))
		assert.Equal(t, strict, m.has("1.1.1.1/32", "tungate0"))
		assert.Equal(t, strict, m.has("224.0.0.0/4", "tungate0"))
		assert.False(t, m.has("8.8.8.8/32", "tungate0"), "pinned addresses are not captured")

		require.NoError(t, rc.Disable())
		assert.False(t, rc.Active())
		assert.Equal(t, before, m.snapshot())
	}
}

func TestRouteStrictRaisesMetric(t *testing.T) {
	m := newMemRoutes(origDefault)
	rc := NewRouteController(m)
	require.NoError(t, rc.Enable(testRouteConfig(true)))
	for _, r := range m.snapshot() {
		if r.IfName == "tungate0" {
			assert.Equal(t, strictMetric, r.Metric, r.String())
		}
	}
	require.NoError(t, rc.Disable())
}

func TestRouteEnableRollsBackOnFailure(t *testing.T) {
	m := newMemRoutes(origDefault, lanRoute)
	m.failOn = netip.MustParsePrefix("128.0.0.0/1")
	before := m.snapshot()
	rc := NewRouteController(m)

	err := rc.Enable(testRouteConfig(false))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRoute)
	assert.True(t, core.IsFatal(err))
	assert.False(t, rc.Active(), "backup is empty after rollback")
	assert.Equal(t, before, m.snapshot())

	// A later Disable has nothing to do.
	calls := m.addCalls
	require.NoError(t, rc.Disable())
	assert.Equal(t, calls, m.addCalls)
}

func TestRouteDisableIdempotentAndRestoresDefault(t *testing.T) {
	m := newMemRoutes(origDefault, lanRoute)
	before := m.snapshot()
	rc := NewRouteController(m)
	require.NoError(t, rc.Enable(testRouteConfig(false)))

	// Something external removed our split route and the default route.
	require.NoError(t, m.DeleteRoute(platform.Route{
		Dst: netip.MustParsePrefix("0.0.0.0/1"), Gateway: netip.MustParseAddr("192.168.55.1"),
		IfName: "tungate0", IfIndex: 9,
	}))
	require.NoError(t, m.DeleteRoute(origDefault))

	require.NoError(t, rc.Disable())
	assert.Equal(t, before, m.snapshot())
	require.NoError(t, rc.Disable())
	assert.Equal(t, before, m.snapshot())
}

func TestRouteEnableErrors(t *testing.T) {
	rc := NewRouteController(newMemRoutes(lanRoute))
	err := rc.Enable(testRouteConfig(false))
	assert.Equal(t, core.KindRoute, core.KindOf(err))

	// A stale default through our own TUN is not an original gateway.
	stale := platform.Route{Dst: netip.MustParsePrefix("0.0.0.0/0"), IfName: "tungate0", IfIndex: 9}
	rc = NewRouteController(newMemRoutes(stale))
	assert.Error(t, rc.Enable(testRouteConfig(false)))

	m := newMemRoutes(origDefault)
	rc = NewRouteController(m)
	require.NoError(t, rc.Enable(testRouteConfig(false)))
	assert.Error(t, rc.Enable(testRouteConfig(false)), "second enable without disable")
	require.NoError(t, rc.Disable())
}
