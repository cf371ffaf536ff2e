//go:build linux

package netreactor

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

type DispatchStrategy int

const (
	// RoundRobin hands each new connection to the next worker loop.
	RoundRobin DispatchStrategy = iota
	// PeerHash keeps every connection from one peer IP on the same worker loop.
	PeerHash
)

type ServerOption func(s *TcpServer)

func WithReusePort(on bool) ServerOption {
	return func(s *TcpServer) {
		s.reusePort = on
	}
}

func WithThreadNum(numThreads int) ServerOption {
	return func(s *TcpServer) {
		s.numThreads = numThreads
	}
}

func WithDispatch(strategy DispatchStrategy) ServerOption {
	return func(s *TcpServer) {
		s.dispatch = strategy
	}
}

func WithHighWaterMark(mark int) ServerOption {
	return func(s *TcpServer) {
		s.highWaterMark = mark
	}
}

func WithThreadInitCallback(cb ThreadInitCallback) ServerOption {
	return func(s *TcpServer) {
		s.threadInitCallback = cb
	}
}

// WithLoopConfig sets the template for worker loops, e.g. the poller backend.
func WithLoopConfig(config EventLoopConfig) ServerOption {
	return func(s *TcpServer) {
		s.loopConfig = config
	}
}

// TcpServer accepts connections on its base loop and spreads them over a pool
// of worker loops. The connection map is owned by the base loop.
type TcpServer struct {
	loop               *EventLoop
	name               string
	ipPort             string
	reusePort          bool
	numThreads         int
	dispatch           DispatchStrategy
	highWaterMark      int
	loopConfig         EventLoopConfig
	threadInitCallback ThreadInitCallback

	acceptor   *Acceptor
	threadPool *EventLoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback

	started       *atomic.Bool
	stopped       *atomic.Bool
	nextConnID    int
	connections   map[string]*TcpConnection
	totalAccepted uint64
	closedSent    uint64
	closedRecv    uint64
}

// NewTcpServer binds listenAddr right away; listening starts with Start.
func NewTcpServer(loop *EventLoop, listenAddr InetAddress, name string, opts ...ServerOption) (*TcpServer, error) {
	s := &TcpServer{
		loop:               loop,
		name:               name,
		highWaterMark:      DefaultHighWaterMark,
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		started:            atomic.NewBool(false),
		stopped:            atomic.NewBool(false),
		connections:        make(map[string]*TcpConnection),
	}
	for _, opt := range opts {
		opt(s)
	}
	acceptor, err := NewAcceptor(loop, listenAddr, s.reusePort)
	if err != nil {
		log.Error().Msgf("can't bind server %s to %s: %+v", name, listenAddr, err)
		return nil, err
	}
	s.acceptor = acceptor
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.ipPort = acceptor.Address().String()
	s.threadPool = NewEventLoopThreadPool(loop, name)
	s.threadPool.SetThreadNum(s.numThreads)
	s.threadPool.SetLoopConfig(s.loopConfig)
	return s, nil
}

func (s *TcpServer) Name() string     { return s.name }
func (s *TcpServer) IPPort() string   { return s.ipPort }
func (s *TcpServer) Loop() *EventLoop { return s.loop }

func (s *TcpServer) ListenAddress() InetAddress {
	return s.acceptor.Address()
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)       { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback) {
	s.highWaterMarkCallback = cb
}

// Start spins up the worker loops and begins listening. Calling it again is a
// no-op. From a foreign goroutine the base loop must already be looping.
func (s *TcpServer) Start() error {
	if s.started.Swap(true) {
		return nil
	}
	var err error
	s.loop.RunInLoopSync(func() {
		if err = s.threadPool.Start(s.threadInitCallback); err != nil {
			return
		}
		err = s.acceptor.Listen()
	})
	if err != nil {
		log.Error().Msgf("can't start server %s: %+v", s.name, err)
		return err
	}
	log.Info().Msgf("server %s is listening on %s with %d worker loops", s.name, s.ipPort, s.numThreads)
	return nil
}

// Stop closes the listener, destroys every live connection on its own loop and
// joins the worker loops. It must run before the base loop is closed; on a closed
// base loop Stop, Stats and ConnectionCount do nothing and report zero values.
func (s *TcpServer) Stop() {
	if !s.started.Load() || s.stopped.Swap(true) {
		return
	}
	s.loop.RunInLoopSync(s.stopInLoop)
	log.Info().Msgf("server %s stopped", s.name)
}

func (s *TcpServer) stopInLoop() {
	s.acceptor.Close()
	byLoop := make(map[*EventLoop][]*TcpConnection)
	for name, conn := range s.connections {
		byLoop[conn.Loop()] = append(byLoop[conn.Loop()], conn)
		s.retire(conn)
		delete(s.connections, name)
	}
	// every worker is visited so removals already queued there run first
	for _, ioLoop := range s.threadPool.AllLoops() {
		conns := byLoop[ioLoop]
		ioLoop.RunInLoopSync(func() {
			for _, conn := range conns {
				conn.ConnectDestroyed()
			}
		})
	}
	s.threadPool.Stop()
}

func (s *TcpServer) ConnectionCount() int {
	var n int
	s.loop.RunInLoopSync(func() {
		n = len(s.connections)
	})
	return n
}

func (s *TcpServer) Stats() ServerStats {
	var stats ServerStats
	s.loop.RunInLoopSync(func() {
		stats = ServerStats{
			Name:               s.name,
			ActiveConnections:  len(s.connections),
			TotalAccepted:      s.totalAccepted,
			TotalSentBytes:     s.closedSent,
			TotalReceivedBytes: s.closedRecv,
		}
		for _, conn := range s.connections {
			snapshot := conn.Stats().Snapshot()
			stats.TotalSentBytes += snapshot.TotalSentBytes
			stats.TotalReceivedBytes += snapshot.TotalReceivedBytes
		}
	})
	return stats
}

// Loops returns the worker loops, or the base loop when there are none.
func (s *TcpServer) Loops() []*EventLoop {
	return s.threadPool.AllLoops()
}

func (s *TcpServer) pickLoop(peerAddr InetAddress) *EventLoop {
	if s.dispatch == PeerHash {
		buckets := len(s.threadPool.AllLoops())
		return s.threadPool.LoopForHash(uint64(JumpHash(xxhash.Sum64String(peerAddr.IPString()), buckets)))
	}
	return s.threadPool.NextLoop()
}

func (s *TcpServer) newConnection(fd int, peerAddr InetAddress) {
	s.loop.AssertInLoopThread()
	ioLoop := s.pickLoop(peerAddr)
	s.nextConnID++
	s.totalAccepted++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	log.Info().Msgf("server %s new connection [%s] from %s", s.name, connName, peerAddr)

	conn := NewTcpConnection(ioLoop, connName, fd, localAddress(fd), peerAddr)
	s.connections[connName] = conn
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.SetCloseCallback(s.removeConnection)
	ioLoop.RunInLoop(conn.ConnectEstablished)
}

func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() {
		s.removeConnectionInLoop(conn)
	})
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.AssertInLoopThread()
	if _, ok := s.connections[conn.Name()]; !ok {
		return
	}
	log.Info().Msgf("server %s remove connection [%s]", s.name, conn.Name())
	delete(s.connections, conn.Name())
	s.retire(conn)
	conn.Loop().QueueInLoop(conn.ConnectDestroyed)
}

func (s *TcpServer) retire(conn *TcpConnection) {
	snapshot := conn.Stats().Snapshot()
	s.closedSent += snapshot.TotalSentBytes
	s.closedRecv += snapshot.TotalReceivedBytes
}
