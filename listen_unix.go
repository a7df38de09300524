//go:build unix

package pps

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr enables SO_REUSEADDR so a restarted server can bind its port while
// old connections are still in TIME_WAIT
func reuseAddr(_, _ string, rc syscall.RawConn) error {
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
