//go:build windows

package daemon

import (
	"errors"
	"os"
	"syscall"
)

// controlSignals is only os.Interrupt (Ctrl+C); reload, logfile reopen,
// and debug dump have no Windows delivery path.
var controlSignals = []os.Signal{os.Interrupt}

func isTermination(sig os.Signal) bool { return sig == os.Interrupt }

func isReload(os.Signal) bool { return false }

func isReopenLog(os.Signal) bool { return false }

func isDump(os.Signal) bool { return false }

// signalProcess degrades to Kill for termination; other signals cannot
// be delivered cross-process on Windows.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if sig == os.Interrupt {
		return proc.Kill()
	}
	return nil
}

func terminateProcess(proc *os.Process) error {
	return proc.Kill()
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// TerminatePid stops the daemon with this pid. Windows has no graceful
// signal, so this is a hard kill.
func TerminatePid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// ReloadPid is unsupported on Windows.
func ReloadPid(int) error {
	return errors.New("reload is not supported on windows")
}
