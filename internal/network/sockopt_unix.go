//go:build unix

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl lets several branches on one host bind the advertising
// port and lets a restarted branch rebind its listener immediately.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		if isUDP(network) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

func isUDP(network string) bool {
	switch network {
	case "udp", "udp4", "udp6":
		return true
	}
	return false
}
