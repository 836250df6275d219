//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach re-execs the given command line in a new session with stdio
// pointed at the logfile. The caller exits afterwards; the child becomes
// the coordinator and writes the pidfile itself.
func Detach(args []string, stdout, stderr *os.File) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
