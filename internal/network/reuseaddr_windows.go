//go:build windows

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// so a restarted server can rebind its session and discovery ports.
// Accepted TCP connections get keep-alive probes every KeepAlivePeriod.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: KeepAlivePeriod,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
