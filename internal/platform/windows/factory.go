//go:build windows

// Package windows provides Windows platform implementations: WinTUN through
// wireguard-go, IP Helper route/address management, IP_UNICAST_IF socket binding.
package windows

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// NewPlatform creates a Platform configured for Windows.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		OpenTUN: func(name string, mtu int) (platform.TunDevice, error) {
			return platform.OpenWireguardTUN(name, mtu)
		},
		Routing:            NewRoutingBackend(),
		Process:            NewProcessBackend(),
		NewInterfaceBinder: func() platform.InterfaceBinder { return &InterfaceBinder{} },
		IsElevated:         isElevated,
		PreStartup:         checkWintun,
	}
}

func isElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

// checkWintun fails early when wintun.dll cannot be loaded.
func checkWintun() error {
	v, err := wintun.RunningVersion()
	if err != nil {
		return core.E(core.KindDevice, "wintun", fmt.Errorf("driver not available (is wintun.dll next to the executable?): %w", err))
	}
	core.Log.Infof("TUN", "WinTUN driver %d.%d", v>>16, v&0xffff)
	return nil
}

func hiddenCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	return cmd
}
