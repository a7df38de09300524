//go:build !unix

package pps

import "syscall"

// reuseAddr is a no-op on platforms without SO_REUSEADDR semantics
func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
