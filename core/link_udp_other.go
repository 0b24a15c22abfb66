//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package core

import "syscall"

// only one connector can be opened per port here
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
