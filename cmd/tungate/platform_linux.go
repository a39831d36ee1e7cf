//go:build linux

package main

import (
	"tungate/internal/platform"
	"tungate/internal/platform/linux"
)

func newPlatform() *platform.Platform { return linux.NewPlatform() }
