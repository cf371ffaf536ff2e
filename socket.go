//go:build linux

package netreactor

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Socket owns a descriptor and closes it exactly once.
type Socket struct {
	fd     int
	closed bool
}

func newSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

func createNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) BindAddress(addr InetAddress) error {
	return os.NewSyscallError("bind", unix.Bind(s.fd, addr.Sockaddr()))
}

func (s *Socket) Listen() error {
	return os.NewSyscallError("listen", unix.Listen(s.fd, unix.SOMAXCONN))
}

// Accept returns a non-blocking, close-on-exec connection fd.
func (s *Socket) Accept() (int, InetAddress, error) {
	connFd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, InetAddress{}, err
	}
	return connFd, sockaddrToInetAddress(sa), nil
}

func (s *Socket) ShutdownWrite() {
	err := unix.Shutdown(s.fd, unix.SHUT_WR)
	if err != nil {
		log.Error().Msgf("[%d] got error while shutting down write side: %+v", s.fd, err)
	}
}

func (s *Socket) SetTcpNoDelay(on bool) { setTcpNoDelay(s.fd, on) }
func (s *Socket) SetReuseAddr(on bool)  { setReuseAddr(s.fd, on) }
func (s *Socket) SetReusePort(on bool)  { setReusePort(s.fd, on) }
func (s *Socket) SetKeepAlive(on bool)  { setKeepAlive(s.fd, on) }

func (s *Socket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := unix.Close(s.fd); err != nil {
		log.Error().Msgf("[%d] got error while closing socket: %+v", s.fd, err)
	}
}

func localAddress(fd int) InetAddress {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		log.Error().Msgf("[%d] getsockname: %+v", fd, err)
		return InetAddress{}
	}
	return sockaddrToInetAddress(sa)
}

func peerAddress(fd int) InetAddress {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		log.Error().Msgf("[%d] getpeername: %+v", fd, err)
		return InetAddress{}
	}
	return sockaddrToInetAddress(sa)
}

// isSelfConnect catches the loopback case where an ephemeral source port
// equals the destination port and the socket connects to itself.
func isSelfConnect(fd int) bool {
	local, peer := localAddress(fd), peerAddress(fd)
	return local.Port == peer.Port && local.IP.Equal(peer.IP)
}
