// Package control defines the on-disk layout shared by the server and
// the forwarding CLI: one directory per session holding its metadata,
// recording, and FIFOs (spec §4.1).
package control

import (
	"os"
	"path/filepath"
	"syscall"
)

const (
	InfoFile    = "session.json"
	StreamFile  = "stream-out"
	StdinFIFO   = "stdin"
	ControlFIFO = "control"
)

// DefaultRoot resolves the control directory: VIBETUNNEL_CONTROL_DIR if
// set, otherwise ~/.vibetunnel/control.
func DefaultRoot() string {
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vibetunnel", "control")
}

// SessionDir returns the directory a session's files live in.
func SessionDir(root, id string) string {
	return filepath.Join(root, id)
}

// CreateFIFO creates a named pipe at path, tolerating one that already
// exists (e.g. after a supervisor restart adopts a session it didn't
// create the FIFOs for).
func CreateFIFO(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return syscall.Mkfifo(path, 0o600)
}

// IsFIFO reports whether path exists and is a named pipe.
func IsFIFO(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeNamedPipe != 0
}

// AtomicWriteJSON writes data to path via a temp file and rename, the
// single-writer-by-construction pattern session.json relies on.
func AtomicWriteJSON(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, name+".tmp")
	final := filepath.Join(dir, name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
