//go:build darwin || ios || freebsd || openbsd || netbsd || dragonfly

package mdns

import (
	"syscall"
)

// SetsockoptInt changes SO_REUSEADDR and SO_REUSEPORT together on BSD-like OS,
// otherwise the system responder keeps port 5353 for itself.
func SetsockoptInt(fd uintptr, level, opt int, value int) (err error) {
	if opt == syscall.SO_REUSEADDR {
		if err = syscall.SetsockoptInt(int(fd), level, opt, value); err != nil {
			return
		}

		opt = syscall.SO_REUSEPORT
	}

	return syscall.SetsockoptInt(int(fd), level, opt, value)
}
