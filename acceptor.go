//go:build linux

package netreactor

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type NewConnectionCallback func(fd int, peerAddr InetAddress)

// Acceptor owns a listening socket and hands every accepted fd to the
// new-connection callback.
type Acceptor struct {
	loop                  *EventLoop
	acceptSocket          *Socket
	acceptChannel         *Channel
	newConnectionCallback NewConnectionCallback
	listening             bool
	idleFd                int
}

func NewAcceptor(loop *EventLoop, listenAddr InetAddress, reusePort bool) (*Acceptor, error) {
	fd, err := createNonblockingSocket(listenAddr.Family())
	if err != nil {
		return nil, err
	}
	idleFd, err := openIdleFd()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	socket := newSocket(fd)
	socket.SetReuseAddr(true)
	socket.SetReusePort(reusePort)
	if err := socket.BindAddress(listenAddr); err != nil {
		socket.Close()
		_ = unix.Close(idleFd)
		return nil, err
	}
	a := &Acceptor{
		loop:          loop,
		acceptSocket:  socket,
		acceptChannel: NewChannel(loop, fd),
		idleFd:        idleFd,
	}
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdleFd() (int, error) {
	fd, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("open", err)
	}
	return fd, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listening() bool {
	return a.listening
}

// Address reports the bound address, useful after binding port 0.
func (a *Acceptor) Address() InetAddress {
	return localAddress(a.acceptSocket.Fd())
}

func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	if err := a.acceptSocket.Listen(); err != nil {
		return err
	}
	a.listening = true
	a.acceptChannel.EnableReading()
	return nil
}

// Close deregisters the listening channel and releases both descriptors.
func (a *Acceptor) Close() {
	a.loop.AssertInLoopThread()
	a.acceptChannel.DisableAll()
	a.acceptChannel.Remove()
	a.acceptSocket.Close()
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		a.idleFd = -1
	}
	a.listening = false
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	connFd, peerAddr, err := a.acceptSocket.Accept()
	if err == nil {
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peerAddr)
		} else {
			_ = unix.Close(connFd)
		}
		return
	}
	a.handleAcceptError(err)
}

// handleAcceptError keeps the listener alive on every error it can recover
// from.
func (a *Acceptor) handleAcceptError(err error) {
	switch err {
	case unix.EAGAIN:
		// another reactor or a reset peer took the pending connection
	case unix.EMFILE, unix.ENFILE:
		log.Error().Msgf("[%d] accept: %v, shedding one pending connection", a.acceptSocket.Fd(), err)
		a.shedPendingConnection()
	case unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EPERM, unix.ENOBUFS, unix.ENOMEM:
		log.Error().Msgf("[%d] accept: %v", a.acceptSocket.Fd(), os.NewSyscallError("accept4", err))
	default:
		log.Fatal().Msgf("[%d] unexpected accept error: %v", a.acceptSocket.Fd(), os.NewSyscallError("accept4", err))
	}
}

// shedPendingConnection frees the reserve fd so the queued connection can be
// accepted and closed; otherwise the listener stays readable forever.
func (a *Acceptor) shedPendingConnection() {
	if a.idleFd < 0 {
		return
	}
	_ = unix.Close(a.idleFd)
	connFd, _, err := unix.Accept4(a.acceptSocket.Fd(), unix.SOCK_CLOEXEC)
	if err == nil {
		_ = unix.Close(connFd)
	}
	a.idleFd, err = openIdleFd()
	if err != nil {
		log.Error().Msgf("can't reopen idle fd: %+v", err)
		a.idleFd = -1
	}
}
