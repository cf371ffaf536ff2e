//go:build linux

package netreactor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

func setBoolOption(fd, level, opt int, on bool, name string) {
	value := 0
	if on {
		value = 1
	}
	err := unix.SetsockoptInt(fd, level, opt, value)
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options %s: %+v", fd, name, err)
	}
}

func setReuseAddr(fd int, on bool) {
	setBoolOption(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on, "SO_REUSEADDR")
}

func setReusePort(fd int, on bool) {
	setBoolOption(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, on, "SO_REUSEPORT")
}

func setKeepAlive(fd int, on bool) {
	setBoolOption(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on, "SO_KEEPALIVE")
}

func setTcpNoDelay(fd int, on bool) {
	setBoolOption(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on, "TCP_NODELAY")
}

func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}
