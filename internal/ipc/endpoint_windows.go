//go:build windows

package ipc

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("ipc: named pipe endpoints are not supported on windows")

func listen(path string) (net.Listener, error) {
	return nil, &Error{Err: errUnsupported}
}

func dial(path string) (net.Conn, error) {
	return nil, &Error{Err: errUnsupported}
}
