//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package net

import "net"

// listenConfig ignores the reuse options where they are not supported.
func listenConfig(_, _ bool) net.ListenConfig {
	return net.ListenConfig{}
}
