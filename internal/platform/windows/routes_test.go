//go:build windows

package windows

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"tungate/internal/platform"
)

func TestForwardRowRoundTrip(t *testing.T) {
	tests := []platform.Route{
		{Dst: netip.MustParsePrefix("203.0.113.9/32"), Gateway: netip.MustParseAddr("192.168.1.1"), IfIndex: 12, Metric: 25},
		{Dst: netip.MustParsePrefix("128.0.0.0/1"), IfIndex: 40},
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("10.0.0.1"), IfIndex: 3},
	}
	for _, want := range tests {
		t.Run(want.Dst.String(), func(t *testing.T) {
			var row forwardRow
			row.set(want, 0x0006000000001234)
			assert.True(t, row.ipv4())
			assert.Equal(t, want, row.route())
			assert.Equal(t, byte(0x34), row.data[fwdInterfaceLUID])
		})
	}
}

func TestForwardRowMasksDestination(t *testing.T) {
	var row forwardRow
	row.set(platform.Route{Dst: netip.PrefixFrom(netip.MustParseAddr("10.1.2.3"), 8), IfIndex: 1}, 1)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), row.route().Dst)
}

func TestDefaultRoutesFromKeepsEveryDefaultRow(t *testing.T) {
	var rows []forwardRow
	for _, r := range []platform.Route{
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("192.168.1.1"), IfIndex: 7, Metric: 0},
		{Dst: netip.MustParsePrefix("192.168.1.0/24"), IfIndex: 7},
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("10.8.0.1"), IfIndex: 9, Metric: 35},
		{Dst: netip.MustParsePrefix("0.0.0.0/1"), IfIndex: 40},
	} {
		var row forwardRow
		row.set(r, uint64(r.IfIndex))
		rows = append(rows, row)
	}
	var v6 forwardRow
	v6.data[fwdDestFamily] = 23 // AF_INET6
	rows = append(rows, v6)

	got := defaultRoutesFrom(rows)
	if assert.Len(t, got, 2) {
		assert.Equal(t, netip.MustParseAddr("192.168.1.1"), got[0].Gateway)
		assert.Equal(t, 7, got[0].IfIndex)
		assert.Equal(t, 35, got[1].Metric, "metrics are kept so restore matches the snapshot")
		assert.Equal(t, 9, got[1].IfIndex)
	}
}
