//go:build linux

package netreactor

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

func createWakeupFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("eventfd", err)
	}
	return fd, nil
}

func writeWakeupFd(fd int) error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	n, err := unix.Write(fd, one[:])
	if err != nil {
		return os.NewSyscallError("write eventfd", err)
	}
	if n != len(one) {
		return os.NewSyscallError("write eventfd", unix.EIO)
	}
	return nil
}

func readWakeupFd(fd int) error {
	var counter [8]byte
	_, err := unix.Read(fd, counter[:])
	if err != nil {
		return os.NewSyscallError("read eventfd", err)
	}
	return nil
}
