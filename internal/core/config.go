package core

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineState represents the lifecycle state of the TUN engine.
type EngineState int

const (
	EngineStopped EngineState = iota
	EngineStarting
	EngineRunning
	EngineStopping
	EngineError
)

func (s EngineState) String() string {
	switch s {
	case EngineStopped:
		return "stopped"
	case EngineStarting:
		return "starting"
	case EngineRunning:
		return "running"
	case EngineStopping:
		return "stopping"
	case EngineError:
		return "error"
	default:
		return "unknown"
	}
}

// FallbackPolicy defines what happens to proxied flows when the proxy
// engine is unavailable.
type FallbackPolicy int

const (
	// PolicyAllowDirect lets traffic go directly if the proxy is down.
	PolicyAllowDirect FallbackPolicy = iota
	// PolicyBlock drops new proxied flows while the proxy is down.
	PolicyBlock
)

func (p FallbackPolicy) String() string {
	switch p {
	case PolicyAllowDirect:
		return "allow_direct"
	case PolicyBlock:
		return "block"
	default:
		return "unknown"
	}
}

func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch s {
	case "allow_direct", "allow", "direct", "":
		return PolicyAllowDirect, nil
	case "block", "drop":
		return PolicyBlock, nil
	default:
		return PolicyAllowDirect, fmt.Errorf("unknown fallback policy: %q", s)
	}
}

// TunConfig describes one TUN session. It is immutable while the
// session runs; changes go through stop, replace, start.
type TunConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Netmask string `yaml:"netmask"`
	Gateway string `yaml:"gateway"`
	MTU     int    `yaml:"mtu"`

	// DNSServer is the upstream resolver for hijacked queries.
	DNSServer string `yaml:"dns_server"`
	DNSHijack bool   `yaml:"dns_hijack"`

	FakeIP      bool   `yaml:"fake_ip"`
	FakeIPStart string `yaml:"fake_ip_start"`
	FakeIPEnd   string `yaml:"fake_ip_end"`

	// BypassIPs holds IPs or CIDRs that never go through the proxy.
	BypassIPs   []string       `yaml:"bypass_ips,omitempty"`
	StrictRoute bool           `yaml:"strict_route"`
	Fallback    FallbackPolicy `yaml:"fallback"`
}

// ProxyConfig describes the external proxy engine and its SOCKS5 endpoint.
type ProxyConfig struct {
	// Binary is the engine executable. Empty means the endpoint is
	// managed elsewhere and only consumed.
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args,omitempty"`
	WorkDir string   `yaml:"work_dir,omitempty"`

	SocksAddr string `yaml:"socks_addr"`

	// UpstreamServers are the remote servers the engine connects to.
	// They are pinned through the original gateway.
	UpstreamServers []string `yaml:"upstream_servers,omitempty"`

	StartGrace     string `yaml:"start_grace,omitempty"`
	StopTimeout    string `yaml:"stop_timeout,omitempty"`
	HealthInterval string `yaml:"health_interval,omitempty"`
}

// Config is the top-level configuration structure.
type Config struct {
	Tun     TunConfig   `yaml:"tun"`
	Proxy   ProxyConfig `yaml:"proxy"`
	Logging LogConfig   `yaml:"logging"`
}

// DefaultTunConfig returns the stock TUN settings.
func DefaultTunConfig() TunConfig {
	return TunConfig{
		Enabled:     true,
		Name:        "tungate0",
		Address:     "192.168.55.1",
		Netmask:     "255.255.255.252",
		Gateway:     "192.168.55.1",
		MTU:         1500,
		DNSServer:   "8.8.8.8",
		DNSHijack:   true,
		FakeIP:      false,
		FakeIPStart: "198.18.0.1",
		FakeIPEnd:   "198.18.255.254",
		Fallback:    PolicyAllowDirect,
	}
}

func defaultConfig() Config {
	return Config{
		Tun: DefaultTunConfig(),
		Proxy: ProxyConfig{
			SocksAddr:      "127.0.0.1:10808",
			StartGrace:     "500ms",
			StopTimeout:    "3s",
			HealthInterval: "5s",
		},
		Logging: LogConfig{Level: "info"},
	}
}

// Validate checks the fields that must parse before a session can start.
func (c TunConfig) Validate() error {
	if _, err := c.AddressPrefix(); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(c.Gateway); err != nil {
		return fmt.Errorf("[Core] invalid gateway %q: %w", c.Gateway, err)
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("[Core] mtu %d out of range [576, 65535]", c.MTU)
	}
	if c.DNSServer != "" {
		if _, err := netip.ParseAddr(c.DNSServer); err != nil {
			return fmt.Errorf("[Core] invalid dns_server %q: %w", c.DNSServer, err)
		}
	}
	if c.FakeIP {
		start, err := netip.ParseAddr(c.FakeIPStart)
		if err != nil || !start.Is4() {
			return fmt.Errorf("[Core] invalid fake_ip_start %q", c.FakeIPStart)
		}
		end, err := netip.ParseAddr(c.FakeIPEnd)
		if err != nil || !end.Is4() {
			return fmt.Errorf("[Core] invalid fake_ip_end %q", c.FakeIPEnd)
		}
		if end.Less(start) {
			return fmt.Errorf("[Core] fake_ip range %s-%s is inverted", start, end)
		}
	}
	return nil
}

// AddressPrefix combines address and netmask into a prefix.
func (c TunConfig) AddressPrefix() (netip.Prefix, error) {
	addr, err := netip.ParseAddr(c.Address)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("[Core] invalid address %q", c.Address)
	}
	mask, err := netip.ParseAddr(c.Netmask)
	if err != nil || !mask.Is4() {
		return netip.Prefix{}, fmt.Errorf("[Core] invalid netmask %q", c.Netmask)
	}
	m := mask.As4()
	bits := 0
	v := uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	if v != 0 {
		return netip.Prefix{}, fmt.Errorf("[Core] non-contiguous netmask %q", c.Netmask)
	}
	return netip.PrefixFrom(addr, bits), nil
}

// Durations returns the parsed supervisor timings, falling back to the
// defaults for empty or invalid values.
func (c ProxyConfig) Durations() (grace, stop, health time.Duration) {
	return parseDuration(c.StartGrace, 500*time.Millisecond),
		parseDuration(c.StopTimeout, 3*time.Second),
		parseDuration(c.HealthInterval, 5*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		Log.Warnf("Core", "Invalid duration %q, using %s", s, def)
		return def
	}
	return d
}

// ConfigManager handles loading, saving, and accessing configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager for the given file path.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// Load reads the configuration from disk, creating a default file if missing.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg := cm.config
	cfg.Tun.BypassIPs = append([]string(nil), cm.config.Tun.BypassIPs...)
	cfg.Proxy.Args = append([]string(nil), cm.config.Proxy.Args...)
	cfg.Proxy.UpstreamServers = append([]string(nil), cm.config.Proxy.UpstreamServers...)
	return cfg
}

// UpdateTun replaces the TUN section, persists it and notifies subscribers.
func (cm *ConfigManager) UpdateTun(tc TunConfig) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.config.Tun = tc
	cm.mu.Unlock()

	if err := cm.Save(); err != nil {
		return err
	}
	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for FallbackPolicy.
func (p *FallbackPolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseFallbackPolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for FallbackPolicy.
func (p FallbackPolicy) MarshalYAML() (any, error) {
	return p.String(), nil
}
