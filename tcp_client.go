//go:build linux

package netreactor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// TcpClient keeps at most one connection to a server. With retry enabled it
// reconnects whenever that connection goes away.
type TcpClient struct {
	loop       *EventLoop
	name       string
	connector  *Connector
	retry      *atomic.Bool
	connect    *atomic.Bool
	nextConnID int

	mu         sync.Mutex
	connection *TcpConnection

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
}

func NewTcpClient(loop *EventLoop, serverAddr InetAddress, name string) *TcpClient {
	c := &TcpClient{
		loop:               loop,
		name:               name,
		connector:          NewConnector(loop, serverAddr),
		retry:              atomic.NewBool(false),
		connect:            atomic.NewBool(false),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		highWaterMark:      DefaultHighWaterMark,
	}
	c.connector.SetNewConnectionCallback(c.newConnection)
	log.Info().Msgf("client %s created for %s", name, serverAddr)
	return c
}

func (c *TcpClient) Name() string     { return c.name }
func (c *TcpClient) Loop() *EventLoop { return c.loop }
func (c *TcpClient) Retry() bool      { return c.retry.Load() }
func (c *TcpClient) EnableRetry()     { c.retry.Store(true) }

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback)       { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}
func (c *TcpClient) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

// Connection returns the current connection or nil.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *TcpClient) Connect() {
	log.Info().Msgf("client %s connecting to %s", c.name, c.connector.ServerAddress())
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the current connection.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	if conn := c.Connection(); conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels connecting; an established connection is left alone.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Close stops connecting and force closes the current connection.
func (c *TcpClient) Close() {
	c.Stop()
	conn := c.Connection()
	if conn == nil {
		return
	}
	c.loop.RunInLoop(func() {
		conn.SetCloseCallback(func(conn *TcpConnection) {
			c.detach(conn)
			c.loop.QueueInLoop(conn.ConnectDestroyed)
		})
		conn.ForceClose()
	})
}

func (c *TcpClient) Send(data []byte) {
	conn := c.Connection()
	if conn == nil {
		log.Warn().Msgf("client %s has no connection, drop %d bytes", c.name, len(data))
		return
	}
	conn.Send(data)
}

func (c *TcpClient) newConnection(fd int) {
	c.loop.AssertInLoopThread()
	peerAddr := peerAddress(fd)
	c.nextConnID++
	connName := fmt.Sprintf("%s:%s#%d", c.name, peerAddr, c.nextConnID)

	conn := NewTcpConnection(c.loop, connName, fd, localAddress(fd), peerAddr)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(c.highWaterMarkCallback, c.highWaterMark)
	conn.SetCloseCallback(c.removeConnection)
	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()
	conn.ConnectEstablished()
}

func (c *TcpClient) detach(conn *TcpConnection) {
	c.mu.Lock()
	if c.connection == conn {
		c.connection = nil
	}
	c.mu.Unlock()
}

func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.loop.AssertInLoopThread()
	c.detach(conn)
	c.loop.QueueInLoop(conn.ConnectDestroyed)
	if c.retry.Load() && c.connect.Load() {
		log.Info().Msgf("client %s reconnecting to %s", c.name, c.connector.ServerAddress())
		c.connector.Restart()
	}
}
