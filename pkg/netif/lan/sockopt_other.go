//go:build !unix

package lan

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
