//go:build linux || darwin

package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tungate/internal/core"
	"tungate/internal/platform/posix"
)

const (
	// One fork up front keeps the script's own name the only one in use.
	foreverScript  = "#!/bin/sh\ntrap 'kill $!; exit 0' TERM\nsleep 30 &\nwait\n"
	stubbornScript = "#!/bin/sh\ntrap '' TERM\nwhile :; do sleep 0.2; done\n"
)

// engineScript writes an executable with a unique short name so the stray
// sweep never touches processes outside the test.
func engineScript(t *testing.T, body string) string {
	t.Helper()
	var b [4]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tgs"+hex.EncodeToString(b[:]))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestSupervisor(binary string) *Supervisor {
	return New(Config{
		Binary:      binary,
		SocksAddr:   "127.0.0.1:10808",
		StartGrace:  200 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	}, posix.NewProcessBackend())
}

func TestStartStop(t *testing.T) {
	s := newTestSupervisor(engineScript(t, foreverScript))
	procs := posix.NewProcessBackend()

	ep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10808", ep)
	pid := s.PID()
	require.NotZero(t, pid)
	assert.True(t, s.HealthCheck())

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.PID())
	assert.False(t, s.HealthCheck())
	assert.False(t, procs.Alive(pid))

	assert.NoError(t, s.Stop(context.Background()), "stop with nothing running")
}

func TestStartTwiceKeepsOneInstance(t *testing.T) {
	bin := engineScript(t, foreverScript)
	s := newTestSupervisor(bin)
	procs := posix.NewProcessBackend()
	defer s.Stop(context.Background())

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	first := s.PID()

	_, err = s.Start(context.Background())
	require.NoError(t, err)
	second := s.PID()

	assert.NotEqual(t, first, second)
	assert.False(t, procs.Alive(first), "first instance is stopped by the second start")
	assert.True(t, procs.Alive(second))

	if runtime.GOOS == "linux" {
		pids, err := procs.FindByName(filepath.Base(bin))
		require.NoError(t, err)
		assert.Equal(t, []int{second}, pids)
	}
}

func TestStartFailsWhenEngineExits(t *testing.T) {
	s := newTestSupervisor(engineScript(t, "#!/bin/sh\nexit 3\n"))
	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProxyUnavailable)
	assert.False(t, core.IsFatal(err))
	assert.Zero(t, s.PID())
	assert.False(t, s.HealthCheck())
}

func TestStartMissingBinary(t *testing.T) {
	s := newTestSupervisor(filepath.Join(t.TempDir(), "no-such-engine"))
	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.KindProxyUnavailable, core.KindOf(err))
}

func TestStopEscalatesToKill(t *testing.T) {
	s := New(Config{
		Binary:      engineScript(t, stubbornScript),
		StartGrace:  100 * time.Millisecond,
		StopTimeout: 300 * time.Millisecond,
	}, posix.NewProcessBackend())

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	pid := s.PID()

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, posix.NewProcessBackend().Alive(pid))
}

func TestStopSweepsStrays(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("script process names are only reliable on linux")
	}
	bin := engineScript(t, foreverScript)

	// A leftover from a previous run that was never stopped.
	stray := exec.Command(bin)
	require.NoError(t, stray.Start())
	reaped := make(chan struct{})
	go func() {
		stray.Wait()
		close(reaped)
	}()

	s := newTestSupervisor(bin)
	require.NoError(t, s.Stop(context.Background()))

	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		stray.Process.Kill()
		t.Fatal("stray engine survived the sweep")
	}
}

func TestUnmanagedEndpoint(t *testing.T) {
	s := New(Config{SocksAddr: "127.0.0.1:1080"}, posix.NewProcessBackend())
	assert.False(t, s.Managed())

	ep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1080", ep)
	assert.True(t, s.HealthCheck())
	assert.Zero(t, s.PID())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestConfigFromProxy(t *testing.T) {
	cfg := ConfigFromProxy(core.ProxyConfig{
		Binary:     "xray",
		Args:       []string{"run", "-c", "config.json"},
		SocksAddr:  "127.0.0.1:10808",
		StartGrace: "1s",
	})
	assert.Equal(t, time.Second, cfg.StartGrace)
	assert.Equal(t, 3*time.Second, cfg.StopTimeout)
	assert.Equal(t, []string{"run", "-c", "config.json"}, cfg.Args)
}
