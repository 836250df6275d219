package daemon

import (
	"os"
	"sync"
)

// ReopenableWriter is a log sink whose backing file can be swapped while
// writers keep going, so external log rotation works without a restart.
// The file is opened append-only; concurrent processes interleave at
// line granularity.
type ReopenableWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenLogfile opens (or creates) the logfile at path.
func OpenLogfile(path string) (*ReopenableWriter, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &ReopenableWriter{path: path, file: file}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (w *ReopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Write(p)
}

// Reopen swaps in a fresh handle at the same path. The old handle closes
// after the swap so no write window is lost.
func (w *ReopenableWriter) Reopen() error {
	file, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.file
	w.file = file
	w.mu.Unlock()
	return old.Close()
}

// Path returns the logfile location.
func (w *ReopenableWriter) Path() string { return w.path }

func (w *ReopenableWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
