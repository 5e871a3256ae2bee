//go:build unix

package lan

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets several participants on one host share the listen port.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
