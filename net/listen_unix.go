//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package net

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig returns a ListenConfig setting SO_REUSEADDR / SO_REUSEPORT
// on the listening socket before bind.
func listenConfig(reuseAddr, reusePort bool) net.ListenConfig {
	if !reuseAddr && !reusePort {
		return net.ListenConfig{}
	}
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if reuseAddr {
					if controlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); controlErr != nil {
						return
					}
				}
				if reusePort {
					controlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
}
