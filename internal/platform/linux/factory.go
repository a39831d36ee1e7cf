//go:build linux

// Package linux provides Linux platform implementations: wireguard-go TUN,
// netlink route and address management, SO_BINDTOIFINDEX socket binding.
package linux

import (
	"os"

	"tungate/internal/platform"
	"tungate/internal/platform/posix"
)

// NewPlatform creates a Platform configured for Linux.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		OpenTUN: func(name string, mtu int) (platform.TunDevice, error) {
			return platform.OpenWireguardTUN(name, mtu)
		},
		Routing:            NewRoutingBackend(),
		Process:            posix.NewProcessBackend(),
		NewInterfaceBinder: func() platform.InterfaceBinder { return &InterfaceBinder{} },
		IsElevated:         func() bool { return os.Geteuid() == 0 },
		PreStartup:         func() error { return nil },
	}
}
