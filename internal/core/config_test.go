package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigManagerCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := NewConfigManager(path, nil)
	require.NoError(t, cm.Load())

	_, err := os.Stat(path)
	require.NoError(t, err, "default config must be written")

	cfg := cm.Get()
	assert.Equal(t, "192.168.55.1", cfg.Tun.Address)
	assert.Equal(t, "255.255.255.252", cfg.Tun.Netmask)
	assert.Equal(t, 1500, cfg.Tun.MTU)
	assert.Equal(t, "198.18.0.1", cfg.Tun.FakeIPStart)
	assert.Equal(t, "198.18.255.254", cfg.Tun.FakeIPEnd)
	assert.Equal(t, PolicyAllowDirect, cfg.Tun.Fallback)
	assert.Equal(t, "127.0.0.1:10808", cfg.Proxy.SocksAddr)
}

func TestConfigManagerLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
tun:
  fake_ip: true
  fallback: block
  bypass_ips: ["10.1.0.0/16", "203.0.113.7"]
proxy:
  binary: xray
  socks_addr: 127.0.0.1:1080
logging:
  level: debug
  components:
    Route: warn
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	bus := NewEventBus()
	reloaded := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded++ })

	cm := NewConfigManager(path, bus)
	require.NoError(t, cm.Load())
	assert.Equal(t, 1, reloaded)

	cfg := cm.Get()
	assert.True(t, cfg.Tun.FakeIP)
	assert.Equal(t, PolicyBlock, cfg.Tun.Fallback)
	assert.Equal(t, []string{"10.1.0.0/16", "203.0.113.7"}, cfg.Tun.BypassIPs)
	// Unset keys keep their defaults.
	assert.Equal(t, "192.168.55.1", cfg.Tun.Gateway)
	assert.Equal(t, "xray", cfg.Proxy.Binary)
	assert.Equal(t, "warn", cfg.Logging.Components["Route"])
}

func TestConfigManagerRejectsUnknownPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tun:\n  fallback: maybe\n"), 0644))
	assert.Error(t, NewConfigManager(path, nil).Load())
}

func TestConfigGetReturnsCopy(t *testing.T) {
	cm := NewConfigManager(filepath.Join(t.TempDir(), "c.yaml"), nil)
	require.NoError(t, cm.Load())

	tc := cm.Get().Tun
	tc.BypassIPs = []string{"1.2.3.4"}
	require.NoError(t, cm.UpdateTun(tc))

	got := cm.Get()
	got.Tun.BypassIPs[0] = "9.9.9.9"
	assert.Equal(t, "1.2.3.4", cm.Get().Tun.BypassIPs[0])
}

func TestTunConfigValidate(t *testing.T) {
	ok := DefaultTunConfig()
	require.NoError(t, ok.Validate())

	p, err := ok.AddressPrefix()
	require.NoError(t, err)
	assert.Equal(t, "192.168.55.1/30", p.String())

	cases := map[string]func(c *TunConfig){
		"bad address":  func(c *TunConfig) { c.Address = "nope" },
		"bad netmask":  func(c *TunConfig) { c.Netmask = "255.0.255.0" },
		"bad gateway":  func(c *TunConfig) { c.Gateway = "" },
		"small mtu":    func(c *TunConfig) { c.MTU = 100 },
		"bad dns":      func(c *TunConfig) { c.DNSServer = "dns.example" },
		"fake inverted": func(c *TunConfig) {
			c.FakeIP = true
			c.FakeIPStart, c.FakeIPEnd = "198.18.0.10", "198.18.0.1"
		},
		"fake v6": func(c *TunConfig) {
			c.FakeIP = true
			c.FakeIPStart = "fd00::1"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultTunConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestProxyDurations(t *testing.T) {
	grace, stop, health := ProxyConfig{StartGrace: "1s", StopTimeout: "bogus"}.Durations()
	assert.Equal(t, "1s", grace.String())
	assert.Equal(t, "3s", stop.String())
	assert.Equal(t, "5s", health.String())
}
