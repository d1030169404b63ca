//go:build windows

package server

import "syscall"

// setSocketOptions enables SO_REUSEADDR; the descriptor is a Handle on Windows
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
