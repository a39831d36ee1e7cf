// Package supervisor runs the external proxy engine (xray, sing-box, ...)
// that serves the SOCKS5 endpoint, keeping at most one instance alive.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"tungate/internal/core"
	"tungate/internal/platform"
)

// killWait bounds the wait for a process to be reaped after SIGKILL.
const killWait = 2 * time.Second

// Config describes the engine process.
type Config struct {
	// Binary is the engine executable; empty means the endpoint is run by
	// someone else and the supervisor only reports it.
	Binary  string
	Args    []string
	WorkDir string

	// SocksAddr is the endpoint the engine listens on.
	SocksAddr string

	StartGrace  time.Duration
	StopTimeout time.Duration
}

// ConfigFromProxy converts the proxy section of the config file.
func ConfigFromProxy(pc core.ProxyConfig) Config {
	grace, stop, _ := pc.Durations()
	return Config{
		Binary:      pc.Binary,
		Args:        append([]string(nil), pc.Args...),
		WorkDir:     pc.WorkDir,
		SocksAddr:   pc.SocksAddr,
		StartGrace:  grace,
		StopTimeout: stop,
	}
}

// Supervisor owns the engine process handle. All methods are safe for
// concurrent use; Start and Stop are serialized.
type Supervisor struct {
	cfg   Config
	procs platform.ProcessBackend

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{} // closed once cmd has been reaped
}

// New creates a supervisor. procs is used for signalling and the stray sweep.
func New(cfg Config, procs platform.ProcessBackend) *Supervisor {
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 500 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	return &Supervisor{cfg: cfg, procs: procs}
}

// Managed reports whether the supervisor spawns the engine itself.
func (s *Supervisor) Managed() bool { return s.cfg.Binary != "" }

// Endpoint returns the SOCKS5 address served by the engine.
func (s *Supervisor) Endpoint() string { return s.cfg.SocksAddr }

// PID returns the pid of the running engine, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start launches the engine and returns its SOCKS5 endpoint. Any tracked
// or stray instance is stopped first, so there is never more than one.
// The process must survive the start grace period to count as started.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		core.Log.Warnf("Supervisor", "Stopping previous instance: %v", err)
	}
	if !s.Managed() {
		core.Log.Infof("Supervisor", "No engine binary configured, using %s as-is", s.cfg.SocksAddr)
		return s.cfg.SocksAddr, nil
	}

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	configureCmd(cmd)
	out := core.Log.Writer("Supervisor", core.LevelDebug)
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren inheriting the output pipe must not hang Wait.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		out.Close()
		return "", core.E(core.KindProxyUnavailable, "start "+s.cfg.Binary, err)
	}
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		out.Close()
		core.Log.Infof("Supervisor", "Engine pid=%d exited: %v", cmd.Process.Pid, exitReason(cmd, err))
		close(exited)
	}()
	s.cmd, s.exited = cmd, exited

	select {
	case <-time.After(s.cfg.StartGrace):
	case <-exited:
		s.cmd, s.exited = nil, nil
		return "", core.Ef(core.KindProxyUnavailable, "start "+s.cfg.Binary,
			"engine exited during start-up: %s", cmd.ProcessState)
	case <-ctx.Done():
		s.stopLocked(context.Background())
		return "", core.E(core.KindProxyUnavailable, "start "+s.cfg.Binary, ctx.Err())
	}

	if !s.aliveLocked() {
		s.stopLocked(context.Background())
		return "", core.Ef(core.KindProxyUnavailable, "start "+s.cfg.Binary, "engine pid=%d is not running", cmd.Process.Pid)
	}
	core.Log.Infof("Supervisor", "Engine started (pid=%d, socks=%s)", cmd.Process.Pid, s.cfg.SocksAddr)
	return s.cfg.SocksAddr, nil
}

// Stop terminates the engine: SIGTERM, then SIGKILL after the stop
// timeout, then a sweep of any same-named processes left over from
// earlier runs. Calling Stop with nothing running is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	if !s.Managed() {
		return nil
	}
	var errs []error

	if s.cmd != nil {
		pid := s.cmd.Process.Pid
		if err := s.procs.Terminate(pid); err != nil {
			errs = append(errs, err)
		}
		timer := time.NewTimer(s.cfg.StopTimeout)
		select {
		case <-s.exited:
		case <-timer.C:
			core.Log.Warnf("Supervisor", "Engine pid=%d ignored termination for %s, killing", pid, s.cfg.StopTimeout)
			errs = append(errs, s.killLocked(pid))
		case <-ctx.Done():
			errs = append(errs, s.killLocked(pid))
		}
		timer.Stop()
		s.cmd, s.exited = nil, nil
	}

	errs = append(errs, s.sweep())
	return errors.Join(errs...)
}

func (s *Supervisor) killLocked(pid int) error {
	if err := s.procs.Kill(pid); err != nil {
		return err
	}
	select {
	case <-s.exited:
		return nil
	case <-time.After(killWait):
		return errors.New("[Supervisor] engine did not exit after kill")
	}
}

// sweep kills processes sharing the engine's executable name. They are
// leftovers of runs that never got to Stop.
func (s *Supervisor) sweep() error {
	pids, err := s.procs.FindByName(filepath.Base(s.cfg.Binary))
	if err != nil {
		return err
	}
	self := os.Getpid()
	var errs []error
	for _, pid := range pids {
		if pid == self {
			continue
		}
		core.Log.Warnf("Supervisor", "Killing stray engine pid=%d", pid)
		if err := s.procs.Kill(pid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck reports whether the engine process is alive. An unmanaged
// endpoint has no process to check and always reports true; its health is
// judged by probing the endpoint.
func (s *Supervisor) HealthCheck() bool {
	if !s.Managed() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *Supervisor) aliveLocked() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
	}
	return s.procs.Alive(s.cmd.Process.Pid)
}

func exitReason(cmd *exec.Cmd, err error) string {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.String()
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}
