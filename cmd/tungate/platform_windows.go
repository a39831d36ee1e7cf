//go:build windows

package main

import (
	"tungate/internal/platform"
	"tungate/internal/platform/windows"
)

func newPlatform() *platform.Platform { return windows.NewPlatform() }
