//go:build linux

package netreactor

import (
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return "Unknown"
}

const DefaultHighWaterMark = 64 * 1024 * 1024

type ConnectionCallback func(conn *TcpConnection)
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)
type WriteCompleteCallback func(conn *TcpConnection)
type HighWaterMarkCallback func(conn *TcpConnection, queuedBytes int)
type CloseCallback func(conn *TcpConnection)

func defaultConnectionCallback(conn *TcpConnection) {
	state := "DOWN"
	if conn.Connected() {
		state = "UP"
	}
	log.Debug().Msgf("%s -> %s is %s", conn.LocalAddress(), conn.PeerAddress(), state)
}

func defaultMessageCallback(conn *TcpConnection, buf *Buffer, _ time.Time) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%s] discard %d bytes", conn.Name(), buf.ReadableBytes())
	}
	buf.RetrieveAll()
}

// TcpConnection is one connected socket driven by its loop. Send, Shutdown and
// ForceClose are safe from any goroutine; everything else belongs to the loop.
type TcpConnection struct {
	loop      *EventLoop
	name      string
	state     *atomic.Int32
	reading   bool
	destroyed bool

	socket    *Socket
	channel   *Channel
	localAddr InetAddress
	peerAddr  InetAddress

	inputBuffer   *Buffer
	outputBuffer  *Buffer
	highWaterMark int
	stats         ConnectionStats
	context       interface{}

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
}

func NewTcpConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr InetAddress) *TcpConnection {
	c := &TcpConnection{
		loop:               loop,
		name:               name,
		state:              atomic.NewInt32(int32(StateConnecting)),
		reading:            true,
		socket:             newSocket(fd),
		channel:            NewChannel(loop, fd),
		localAddr:          localAddr,
		peerAddr:           peerAddr,
		inputBuffer:        NewBuffer(),
		outputBuffer:       NewBuffer(),
		highWaterMark:      DefaultHighWaterMark,
		stats:              newConnectionStats(),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
	}
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.socket.SetKeepAlive(true)
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] new connection %s", fd, name)
	}
	return c
}

func (c *TcpConnection) Loop() *EventLoop           { return c.loop }
func (c *TcpConnection) Name() string               { return c.name }
func (c *TcpConnection) LocalAddress() InetAddress  { return c.localAddr }
func (c *TcpConnection) PeerAddress() InetAddress   { return c.peerAddr }
func (c *TcpConnection) State() ConnState           { return ConnState(c.state.Load()) }
func (c *TcpConnection) Connected() bool            { return c.State() == StateConnected }
func (c *TcpConnection) Disconnected() bool         { return c.State() == StateDisconnected }
func (c *TcpConnection) IsReading() bool            { return c.reading }
func (c *TcpConnection) Stats() ConnectionStats     { return c.stats }
func (c *TcpConnection) InputBuffer() *Buffer       { return c.inputBuffer }
func (c *TcpConnection) OutputBuffer() *Buffer      { return c.outputBuffer }
func (c *TcpConnection) Context() interface{}       { return c.context }
func (c *TcpConnection) SetContext(ctx interface{}) { c.context = ctx }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)       { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}
func (c *TcpConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

func (c *TcpConnection) SetTcpNoDelay(on bool) {
	c.socket.SetTcpNoDelay(on)
}

func (c *TcpConnection) alive() bool {
	return !c.destroyed
}

func (c *TcpConnection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Send queues data for writing. Off the loop thread the payload is copied
// before it is handed over.
func (c *TcpConnection) Send(data []byte) {
	if !c.Connected() {
		log.Warn().Msgf("[%s] connection is %s, drop %d bytes", c.name, c.State(), len(data))
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	message := append([]byte(nil), data...)
	c.loop.RunInLoop(func() {
		c.sendInLoop(message)
	})
}

func (c *TcpConnection) SendString(message string) {
	c.Send([]byte(message))
}

// SendBuffer sends and consumes the readable bytes of buf.
func (c *TcpConnection) SendBuffer(buf *Buffer) {
	if !c.Connected() {
		log.Warn().Msgf("[%s] connection is %s, drop %d bytes", c.name, c.State(), buf.ReadableBytes())
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	message := buf.RetrieveAllAsBytes()
	c.loop.RunInLoop(func() {
		c.sendInLoop(message)
	})
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		log.Warn().Msgf("[%s] disconnected, give up writing %d bytes", c.name, len(data))
		return
	}
	nwrote := 0
	remaining := len(data)
	// nothing queued: try the socket directly before paying for EPOLLOUT
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.channel.Fd(), data)
		if err != nil {
			if err != unix.EAGAIN {
				c.logWriteError(err)
				c.handleClose()
				return
			}
		} else {
			nwrote = n
			remaining -= n
			c.stats.addSent(n, time.Now())
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() {
					c.writeCompleteCallback(c)
				})
			}
		}
	}
	if remaining == 0 {
		return
	}
	oldLen := c.outputBuffer.ReadableBytes()
	if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		queued := oldLen + remaining
		c.loop.QueueInLoop(func() {
			c.highWaterMarkCallback(c, queued)
		})
	}
	c.outputBuffer.Append(data[nwrote:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the connection once the output buffer is drained.
func (c *TcpConnection) Shutdown() {
	if c.state.CAS(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		return
	}
	if !c.channel.IsWriting() {
		c.socket.ShutdownWrite()
	}
}

// ForceClose tears the connection down as if the peer had closed it.
func (c *TcpConnection) ForceClose() {
	for {
		s := c.State()
		if s != StateConnected && s != StateDisconnecting {
			return
		}
		if c.state.CAS(int32(s), int32(StateDisconnecting)) {
			break
		}
	}
	c.loop.QueueInLoop(c.forceCloseInLoop)
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	s := c.State()
	if s == StateConnected || s == StateDisconnecting {
		c.handleClose()
	}
}

func (c *TcpConnection) StartRead() {
	c.loop.RunInLoop(c.startReadInLoop)
}

func (c *TcpConnection) startReadInLoop() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		return
	}
	if !c.reading || !c.channel.IsReading() {
		c.channel.EnableReading()
		c.reading = true
	}
}

func (c *TcpConnection) StopRead() {
	c.loop.RunInLoop(c.stopReadInLoop)
}

func (c *TcpConnection) stopReadInLoop() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		return
	}
	if c.reading || c.channel.IsReading() {
		c.channel.DisableReading()
		c.reading = false
	}
}

// ConnectEstablished is called once by the owner, on the loop.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if !invariant(c.State() == StateConnecting, "[%s] established in state %s", c.name, c.State()) {
		return
	}
	c.setState(StateConnected)
	c.channel.Tie(c)
	c.channel.EnableReading()
	c.connectionCallback(c)
}

// ConnectDestroyed is the last call a connection receives. It detaches the
// channel and closes the socket.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		return
	}
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.setState(StateDisconnected)
		c.channel.DisableAll()
		c.connectionCallback(c)
	}
	c.channel.Remove()
	c.destroyed = true
	c.socket.Close()
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%s] destroyed", c.name)
	}
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	// an error in the same readiness report may have closed us already
	if c.State() == StateDisconnected {
		return
	}
	n, err := c.inputBuffer.ReadFd(c.channel.Fd(), c.loop.extraBuf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
	case err != nil:
		log.Error().Msgf("[%s] got error while reading: %v", c.name, err)
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		c.stats.addReceived(n, receiveTime)
		c.messageCallback(c, c.inputBuffer, receiveTime)
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] connection is down, no more writing", c.channel.Fd())
		}
		return
	}
	n, err := unix.Write(c.channel.Fd(), c.outputBuffer.Peek())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.logWriteError(err)
		c.handleClose()
		return
	}
	c.outputBuffer.Retrieve(n)
	c.stats.addSent(n, time.Now())
	if c.outputBuffer.ReadableBytes() > 0 {
		return
	}
	c.channel.DisableWriting()
	if c.writeCompleteCallback != nil {
		c.loop.QueueInLoop(func() {
			c.writeCompleteCallback(c)
		})
	}
	if c.State() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

func (c *TcpConnection) logWriteError(err error) {
	if err == unix.EPIPE || err == unix.ECONNRESET {
		log.Warn().Msgf("[%s] peer is gone while writing: %v", c.name, err)
		return
	}
	log.Error().Msgf("[%s] got error while writing: %v", c.name, err)
}

// handleClose is idempotent: a single readiness report can route here more
// than once.
func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] close connection %s in state %s", c.channel.Fd(), c.name, c.State())
	}
	c.setState(StateDisconnected)
	c.channel.DisableAll()
	c.connectionCallback(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	} else {
		c.loop.QueueInLoop(c.ConnectDestroyed)
	}
}

func (c *TcpConnection) handleError() {
	err := socketError(c.channel.Fd())
	log.Error().Msgf("[%s] connection error, SO_ERROR = %v", c.name, err)
	c.handleClose()
}
