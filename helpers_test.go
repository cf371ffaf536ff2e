//go:build linux

package netreactor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// startLoop runs a loop on its own thread for the duration of the test.
func startLoop(t *testing.T, config EventLoopConfig) *EventLoop {
	t.Helper()
	thread := NewEventLoopThread(config, nil)
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	t.Cleanup(thread.StopLoop)
	return loop
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func closeFd(fd int) {
	_ = unix.Close(fd)
}

// fillSocket writes into fd until the kernel refuses even a single byte and
// returns the number of bytes accepted.
func fillSocket(fd int) int {
	total := 0
	for _, size := range []int{64 * 1024, 1} {
		chunk := make([]byte, size)
		for {
			n, err := unix.Write(fd, chunk)
			if err != nil || n <= 0 {
				break
			}
			total += n
		}
	}
	return total
}

// readUntilEOF keeps appending whatever fd has to data and reports whether the
// peer has half-closed.
func readUntilEOF(fd int, data *[]byte) bool {
	chunk := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, chunk)
		if err != nil {
			return false
		}
		if n == 0 {
			return true
		}
		*data = append(*data, chunk[:n]...)
	}
}

// establish wires conn on loop; setup runs before the connection goes live.
func establish(t *testing.T, loop *EventLoop, fd int, setup func(conn *TcpConnection)) *TcpConnection {
	t.Helper()
	conn := NewTcpConnection(loop, t.Name(), fd, InetAddress{}, InetAddress{})
	if setup != nil {
		setup(conn)
	}
	loop.RunInLoopSync(conn.ConnectEstablished)
	require.True(t, conn.Connected())
	return conn
}
