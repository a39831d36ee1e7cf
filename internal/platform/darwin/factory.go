//go:build darwin

// Package darwin provides macOS platform implementations: utun through
// wireguard-go, route(8)/ifconfig(8) management, IP_BOUND_IF socket binding.
package darwin

import (
	"os"

	"tungate/internal/platform"
	"tungate/internal/platform/posix"
)

// NewPlatform creates a Platform configured for macOS.
// The kernel names utun devices itself, so the configured name is ignored.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		OpenTUN: func(_ string, mtu int) (platform.TunDevice, error) {
			return platform.OpenWireguardTUN("utun", mtu)
		},
		Routing:            NewRoutingBackend(),
		Process:            posix.NewProcessBackend(),
		NewInterfaceBinder: func() platform.InterfaceBinder { return &InterfaceBinder{} },
		IsElevated:         func() bool { return os.Geteuid() == 0 },
		PreStartup:         func() error { return nil },
	}
}
