package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WritePidfile records the coordinator pid. A pidfile naming a live
// process means another daemon owns the data directory.
func WritePidfile(path string) error {
	if pid, err := ReadPidfile(path); err == nil && ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPidfile returns the pid stored at path.
func ReadPidfile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s: %w", path, err)
	}
	return pid, nil
}

// RemovePidfile deletes the pidfile, tolerating one that is already gone.
func RemovePidfile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
