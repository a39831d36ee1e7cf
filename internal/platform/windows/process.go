//go:build windows

package windows

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessBackend implements platform.ProcessBackend with taskkill and gopsutil.
type ProcessBackend struct{}

// NewProcessBackend creates a Windows process backend.
func NewProcessBackend() *ProcessBackend { return &ProcessBackend{} }

// Alive reports whether pid exists.
func (b *ProcessBackend) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Terminate asks the process to close (taskkill without /F).
func (b *ProcessBackend) Terminate(pid int) error {
	out, err := hiddenCommand("taskkill", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil && b.Alive(pid) {
		return fmt.Errorf("taskkill %d: %s: %w", pid, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Kill forcibly terminates the process tree.
func (b *ProcessBackend) Kill(pid int) error {
	out, err := hiddenCommand("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil && b.Alive(pid) {
		return fmt.Errorf("taskkill /F %d: %s: %w", pid, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// FindByName returns PIDs whose image name matches name, with or without ".exe".
func (b *ProcessBackend) FindByName(name string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	want := strings.ToLower(strings.TrimSuffix(filepath.Base(name), ".exe"))
	var pids []int
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			continue
		}
		if strings.ToLower(strings.TrimSuffix(n, ".exe")) == want {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}
