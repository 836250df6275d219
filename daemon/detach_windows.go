//go:build windows

package daemon

import (
	"errors"
	"os"
)

// Detach is unsupported on Windows; run the daemon under a service
// manager instead.
func Detach([]string, *os.File, *os.File) (int, error) {
	return 0, errors.New("daemon mode is not supported on windows")
}
