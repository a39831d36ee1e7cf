package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tungate/internal/core"
	"tungate/internal/service"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tungate %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// === 1. Config and logging ===
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(resolveRelativeToExe(*configPath), bus)
	if err := cfgManager.Load(); err != nil {
		core.Log.Fatalf("Core", "Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()
	if err := core.Log.Configure(cfg.Logging); err != nil {
		core.Log.Warnf("Core", "Log file %q unavailable: %v", cfg.Logging.File, err)
	}
	core.Log.Infof("Core", "tungate %s starting...", version)

	// === 2. Platform and service ===
	plat := newPlatform()
	svc := service.NewTunService(plat, bus, cfg.Tun, cfg.Proxy)

	bus.Subscribe(core.EventEngineStateChanged, func(e core.Event) {
		p := e.Payload.(core.EngineStatePayload)
		if p.Error != nil {
			core.Log.Errorf("Core", "Engine %s -> %s: %v", p.OldState, p.NewState, p.Error)
			return
		}
		core.Log.Debugf("Core", "Engine %s -> %s", p.OldState, p.NewState)
	})

	// === 3. Network speed monitor ===
	stats := service.NewNetStatsMonitor()
	stats.Exclude(cfg.Tun.Name)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stats.Start(ctx); err != nil {
		core.Log.Warnf("Stats", "Network monitor disabled: %v", err)
	} else {
		defer stats.Stop()
	}

	// === 4. TUN session ===
	if cfg.Tun.Enabled {
		if err := svc.Start(ctx); err != nil {
			core.Log.Fatalf("Core", "Failed to start TUN session: %v", err)
		}
	} else {
		core.Log.Infof("Core", "TUN disabled in config, idle")
	}

	// Config edits made through ConfigManager restart, start or stop the
	// session according to tun.enabled.
	bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		c := cfgManager.Get()
		if err := core.Log.Configure(c.Logging); err != nil {
			core.Log.Warnf("Core", "Log file %q unavailable: %v", c.Logging.File, err)
		}
		stats.Exclude(c.Tun.Name)
		go func() {
			if err := svc.Apply(ctx, c.Tun, c.Proxy); err != nil {
				core.Log.Errorf("Core", "Apply reloaded config: %v", err)
			}
		}()
	})

	// === 5. Wait for shutdown ===
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	core.Log.Infof("Core", "Running. Press Ctrl+C to stop.")
	for s := range sig {
		if s == syscall.SIGHUP {
			core.Log.Infof("Core", "SIGHUP: reloading %s", *configPath)
			if err := cfgManager.Load(); err != nil {
				core.Log.Errorf("Core", "Reload failed: %v", err)
			}
			continue
		}
		break
	}

	// === Graceful shutdown (reverse order) ===
	core.Log.Infof("Core", "Shutting down...")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := svc.Stop(sctx); err != nil {
		core.Log.Errorf("Core", "Shutdown finished with errors: %v", err)
		return
	}
	if sp := stats.Latest(); sp.TotalUpload+sp.TotalDownload > 0 {
		core.Log.Infof("Stats", "Session traffic: up=%d B, down=%d B", sp.TotalUpload, sp.TotalDownload)
	}
	core.Log.Infof("Core", "Shutdown complete.")
}

// resolveRelativeToExe resolves a relative path against the directory containing
// the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		core.Log.Warnf("Core", "Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
