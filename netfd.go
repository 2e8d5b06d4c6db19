package ijson

import (
	"errors"
	"net"
	"syscall"
)

// connFD extracts the raw file descriptor backing netConn so it can be
// registered with a Notifier. Works for *net.TCPConn and *net.UnixConn
// (anything exposing SyscallConn); other net.Conn implementations
// (e.g. in-memory pipes used by tests) aren't acceptable here.
func connFD(netConn net.Conn) (int, error) {
	sc, ok := netConn.(syscall.Conn)
	if !ok {
		return 0, errors.New("ijson: connection does not expose a raw file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var fd int
	if err := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	}); err != nil {
		return 0, err
	}
	return fd, nil
}
