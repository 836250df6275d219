//go:build !windows

package daemon

import (
	"errors"
	"os"
	"syscall"
)

// controlSignals is the set the coordinator and workers listen on:
// termination (SIGTERM is what process managers send first) plus reload
// (HUP), logfile reopen (USR1), and debug dump (USR2).
var controlSignals = []os.Signal{
	os.Interrupt, syscall.SIGTERM,
	syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
}

func isTermination(sig os.Signal) bool {
	return sig == os.Interrupt || sig == syscall.SIGTERM
}

func isReload(sig os.Signal) bool { return sig == syscall.SIGHUP }

func isReopenLog(sig os.Signal) bool { return sig == syscall.SIGUSR1 }

func isDump(sig os.Signal) bool { return sig == syscall.SIGUSR2 }

// signalProcess relays sig to a child process.
func signalProcess(proc *os.Process, sig os.Signal) error {
	return proc.Signal(sig)
}

// terminateProcess asks a child to shut down gracefully.
func terminateProcess(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// ProcessAlive reports whether pid names a live process. EPERM still
// means alive, just owned by someone else.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// TerminatePid asks the daemon with this pid to shut down.
func TerminatePid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// ReloadPid sends the logical-reload signal to the daemon.
func ReloadPid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGHUP)
}
