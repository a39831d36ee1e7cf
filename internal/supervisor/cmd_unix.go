//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// The engine gets its own process group so a Ctrl-C on the daemon's
// terminal does not reach it before Stop does.
func configureCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
