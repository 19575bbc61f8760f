//go:build linux

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = speed
	termios.Ospeed = speed
}

// baudRateToSpeed maps a baud rate to the termios speed value. Rates
// without a Bxxx constant use BOTHER.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		9600:    unix.B9600,
		19200:   unix.B19200,
		38400:   unix.B38400,
		57600:   unix.B57600,
		115200:  unix.B115200,
		230400:  unix.B230400,
		460800:  unix.B460800,
		500000:  unix.B500000,
		921600:  unix.B921600,
		1000000: unix.B1000000,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	if baud > 0 {
		return unix.BOTHER | uint32(baud), nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}
