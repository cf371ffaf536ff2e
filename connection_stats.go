package netreactor

import (
	"time"

	"go.uber.org/atomic"
)

// ConnectionStats is updated on the connection's loop and may be read from
// any goroutine.
type ConnectionStats struct {
	lastActivityTime   *atomic.Int64
	totalSentBytes     *atomic.Uint64
	totalReceivedBytes *atomic.Uint64
}

type ConnectionStatsSnapshot struct {
	LastActivityTime   int64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}

func newConnectionStats() ConnectionStats {
	return ConnectionStats{
		lastActivityTime:   atomic.NewInt64(time.Now().UnixMilli()),
		totalSentBytes:     atomic.NewUint64(0),
		totalReceivedBytes: atomic.NewUint64(0),
	}
}

func (s ConnectionStats) addSent(n int, now time.Time) {
	s.totalSentBytes.Add(uint64(n))
	s.lastActivityTime.Store(now.UnixMilli())
}

func (s ConnectionStats) addReceived(n int, now time.Time) {
	s.totalReceivedBytes.Add(uint64(n))
	s.lastActivityTime.Store(now.UnixMilli())
}

func (s ConnectionStats) Snapshot() ConnectionStatsSnapshot {
	return ConnectionStatsSnapshot{
		LastActivityTime:   s.lastActivityTime.Load(),
		TotalSentBytes:     s.totalSentBytes.Load(),
		TotalReceivedBytes: s.totalReceivedBytes.Load(),
	}
}

// ServerStats aggregates a server's connection counters.
type ServerStats struct {
	Name               string
	ActiveConnections  int
	TotalAccepted      uint64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}
