//go:build !windows

package ipc

import (
	"net"
	"os"
	"path/filepath"
	"time"
)

// listen binds a unix domain socket at path. If a socket file is already
// present, a connect probe decides between a live core (conflict) and a stale
// leftover (removed and rebound).
func listen(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		probe, err := net.DialTimeout("unix", path, 250*time.Millisecond)
		if err == nil {
			_ = probe.Close()
			return nil, ErrConflict
		}
		_ = os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &Error{Err: err}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return ln, nil
}

func dial(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, 2*time.Second)
}
