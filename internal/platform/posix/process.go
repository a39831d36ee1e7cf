//go:build linux || darwin

// Package posix holds the process backend shared by Linux and macOS.
package posix

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// ProcessBackend implements platform.ProcessBackend with POSIX signals.
type ProcessBackend struct{}

// NewProcessBackend creates a POSIX process backend.
func NewProcessBackend() *ProcessBackend { return &ProcessBackend{} }

// Alive reports whether pid exists and is not a zombie.
func (b *ProcessBackend) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		// Status is unavailable for some processes; the signal 0 check succeeded.
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Terminate sends SIGTERM.
func (b *ProcessBackend) Terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("SIGTERM %d: %w", pid, err)
	}
	return nil
}

// Kill sends SIGKILL.
func (b *ProcessBackend) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("SIGKILL %d: %w", pid, err)
	}
	return nil
}

// FindByName returns PIDs whose executable base name equals name.
func (b *ProcessBackend) FindByName(name string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	want := filepath.Base(name)
	var pids []int
	for _, p := range procs {
		if matchesName(p, want) {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

// commLen is the Linux limit on a process name (TASK_COMM_LEN - 1).
const commLen = 15

type namedProcess interface {
	Name() (string, error)
	Exe() (string, error)
}

// matchesName compares the process name first. A name that could be a
// truncated comm of want is confirmed against the executable path.
func matchesName(p namedProcess, want string) bool {
	n, err := p.Name()
	if err != nil {
		return false
	}
	n = strings.TrimSuffix(n, " (deleted)")
	if n == want {
		return true
	}
	if len(want) <= commLen || len(n) < commLen || !strings.HasPrefix(want, n) {
		return false
	}
	exe, err := p.Exe()
	if err != nil {
		return false
	}
	return filepath.Base(strings.TrimSuffix(exe, " (deleted)")) == want
}
