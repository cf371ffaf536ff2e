//go:build linux

package netreactor

import (
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

type connectorState int32

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

// Connector drives a non-blocking connect on its loop and keeps retrying with
// exponential backoff until it succeeds or is stopped.
type Connector struct {
	loop       *EventLoop
	serverAddr InetAddress
	connect    *atomic.Bool
	state      *atomic.Int32

	channel               *Channel
	retryDelay            time.Duration
	retryTimer            *time.Timer
	newConnectionCallback func(fd int)
}

func NewConnector(loop *EventLoop, serverAddr InetAddress) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		connect:    atomic.NewBool(false),
		state:      atomic.NewInt32(int32(connectorDisconnected)),
		retryDelay: initRetryDelay,
	}
}

func (c *Connector) SetNewConnectionCallback(cb func(fd int)) {
	c.newConnectionCallback = cb
}

func (c *Connector) ServerAddress() InetAddress {
	return c.serverAddr
}

func (c *Connector) setState(s connectorState) {
	c.state.Store(int32(s))
}

func (c *Connector) getState() connectorState {
	return connectorState(c.state.Load())
}

// Start may be called from any goroutine.
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.RunInLoop(c.startInLoop)
}

// Restart is called on the loop after an established connection went away.
func (c *Connector) Restart() {
	c.loop.AssertInLoopThread()
	c.setState(connectorDisconnected)
	c.retryDelay = initRetryDelay
	c.connect.Store(true)
	c.startInLoop()
}

// Stop abandons an in-flight attempt and cancels pending retries.
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.QueueInLoop(c.stopInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoopThread()
	if c.getState() != connectorDisconnected {
		if log.Debug().Enabled() {
			log.Debug().Msgf("connector to %s is busy, skip start", c.serverAddr)
		}
		return
	}
	if c.connect.Load() {
		c.connectSocket()
	} else if log.Debug().Enabled() {
		log.Debug().Msgf("connector to %s is stopped, do not connect", c.serverAddr)
	}
}

func (c *Connector) stopInLoop() {
	c.loop.AssertInLoopThread()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.getState() == connectorConnecting {
		c.setState(connectorDisconnected)
		c.retry(c.removeAndResetChannel())
	}
}

func (c *Connector) connectSocket() {
	fd, err := createNonblockingSocket(c.serverAddr.Family())
	if err != nil {
		log.Error().Msgf("can't create socket for %s: %+v", c.serverAddr, err)
		c.retry(-1)
		return
	}
	err = unix.Connect(fd, c.serverAddr.Sockaddr())
	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		c.connecting(fd)
	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		c.retry(fd)
	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
		log.Error().Msgf("[%d] connect to %s: %v", fd, c.serverAddr, err)
		_ = unix.Close(fd)
	default:
		log.Error().Msgf("[%d] unexpected error while connecting to %s: %v", fd, c.serverAddr, err)
		_ = unix.Close(fd)
	}
}

func (c *Connector) connecting(fd int) {
	c.setState(connectorConnecting)
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

func (c *Connector) removeAndResetChannel() int {
	fd := c.channel.Fd()
	c.channel.DisableAll()
	c.channel.Remove()
	c.channel = nil
	return fd
}

func (c *Connector) handleWrite() {
	if c.getState() != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	if err := socketError(fd); err != nil {
		log.Warn().Msgf("[%d] connect to %s failed, SO_ERROR = %v", fd, c.serverAddr, err)
		c.retry(fd)
		return
	}
	if isSelfConnect(fd) {
		log.Warn().Msgf("[%d] self connect to %s", fd, c.serverAddr)
		c.retry(fd)
		return
	}
	c.setState(connectorConnected)
	if c.connect.Load() && c.newConnectionCallback != nil {
		c.newConnectionCallback(fd)
	} else {
		_ = unix.Close(fd)
	}
}

func (c *Connector) handleError() {
	if c.getState() != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	log.Error().Msgf("[%d] connect to %s, SO_ERROR = %v", fd, c.serverAddr, socketError(fd))
	c.retry(fd)
}

// retry closes fd and, while still wanted, schedules the next attempt.
func (c *Connector) retry(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
	c.setState(connectorDisconnected)
	if !c.connect.Load() {
		if log.Debug().Enabled() {
			log.Debug().Msgf("connector to %s is stopped, do not retry", c.serverAddr)
		}
		return
	}
	delay := c.retryDelay
	log.Info().Msgf("retry connecting to %s in %v", c.serverAddr, delay)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.loop.QueueInLoop(c.startInLoop)
	})
	c.retryDelay *= 2
	if c.retryDelay > maxRetryDelay {
		c.retryDelay = maxRetryDelay
	}
}
