package gateway

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tungate/internal/core"
)

func TestClassifierReservedAlwaysBypass(t *testing.T) {
	c, err := NewClassifier(nil, core.PolicyAllowDirect)
	require.NoError(t, err)

	reserved := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "172.31.255.255", "192.168.1.5",
		"169.254.10.10", "224.0.0.251", "239.255.255.250", "255.255.255.255",
		"0.1.2.3", "240.0.0.1",
	}
	for _, s := range reserved {
		for _, port := range []uint16{80, 443, 8443, 53} {
			assert.Equal(t, DecisionBypass, c.Decide(netip.MustParseAddr(s), port), "%s:%d", s, port)
		}
	}
	assert.Equal(t, DecisionBypass, c.Decide(netip.MustParseAddr("192.168.1.5"), 443))
}

func TestClassifierSystemPorts(t *testing.T) {
	c, err := NewClassifier(nil, core.PolicyAllowDirect)
	require.NoError(t, err)
	pub := netip.MustParseAddr("93.184.216.34")

	for _, port := range []uint16{53, 67, 68, 123, 137, 138, 139, 161, 162, 389, 636, 445, 3702, 5353, 5355, 88, 464, 135} {
		assert.Equal(t, DecisionBypass, c.Decide(pub, port), "port %d", port)
	}
	for _, port := range []uint16{80, 443, 136, 140, 8080} {
		assert.Equal(t, DecisionProxy, c.Decide(pub, port), "port %d", port)
	}
}

func TestClassifierUserBypass(t *testing.T) {
	bypass := ParseBypassList([]string{"203.0.113.0/24", " 198.51.100.7 ", "not-an-ip", "2001:db8::/32", "", "10.0.0.1/33"})
	require.Len(t, bypass, 2)

	c, err := NewClassifier(bypass, core.PolicyAllowDirect)
	require.NoError(t, err)
	assert.Equal(t, DecisionBypass, c.Decide(netip.MustParseAddr("203.0.113.200"), 443))
	assert.Equal(t, DecisionBypass, c.Decide(netip.MustParseAddr("198.51.100.7"), 443))
	assert.Equal(t, DecisionProxy, c.Decide(netip.MustParseAddr("198.51.100.8"), 443))
	assert.True(t, c.IsBypassAddr(netip.MustParseAddr("::ffff:203.0.113.1")))
}

func TestClassifierUnhealthyPolicy(t *testing.T) {
	pub := netip.MustParseAddr("93.184.216.34")

	open, err := NewClassifier(nil, core.PolicyAllowDirect)
	require.NoError(t, err)
	assert.True(t, open.ProxyHealthy())
	open.SetProxyHealthy(false)
	assert.Equal(t, DecisionBypass, open.Decide(pub, 80), "fail-open goes direct")

	closed, err := NewClassifier(nil, core.PolicyBlock)
	require.NoError(t, err)
	closed.SetProxyHealthy(false)
	assert.Equal(t, DecisionBlock, closed.Decide(pub, 80))
	assert.Equal(t, DecisionBypass, closed.Decide(netip.MustParseAddr("10.0.0.1"), 80), "local stays reachable")
	closed.SetProxyHealthy(true)
	assert.Equal(t, DecisionProxy, closed.Decide(pub, 80))
}
