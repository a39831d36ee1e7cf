package platform

// Platform aggregates all platform-specific implementations.
// Populated by the platform-specific factory (NewPlatform) in
// platform/linux, platform/darwin or platform/windows.
type Platform struct {
	// OpenTUN creates the virtual interface.
	OpenTUN func(name string, mtu int) (TunDevice, error)
	// Routing manages routes and interface addresses.
	Routing RoutingBackend
	// Process signals and enumerates OS processes.
	Process ProcessBackend
	// NewInterfaceBinder returns the NIC binder used by direct dials.
	NewInterfaceBinder func() InterfaceBinder

	// IsElevated reports root (unix) or an elevated token (Windows).
	IsElevated func() bool

	// PreStartup runs platform-specific initialization before the engine
	// starts (e.g. wintun driver check on Windows).
	PreStartup func() error
}
