//go:build darwin

package main

import (
	"tungate/internal/platform"
	"tungate/internal/platform/darwin"
)

func newPlatform() *platform.Platform { return darwin.NewPlatform() }
