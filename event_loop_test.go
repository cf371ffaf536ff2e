//go:build linux

package netreactor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

func TestEventLoopQueueFromManyGoroutines(t *testing.T) {
	loop := startLoop(t, EventLoopConfig{Name: "queue"})
	const producers = 8
	const tasks = 1000
	counter := 0
	wg := sync.WaitGroup{}
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < tasks; j++ {
				loop.QueueInLoop(func() {
					counter++
				})
			}
		}()
	}
	wg.Wait()
	var got int
	loop.RunInLoopSync(func() {
		got = counter
	})
	assert.Equal(t, producers*tasks, got)
}

func TestEventLoopTasksRunInOrder(t *testing.T) {
	loop := startLoop(t, EventLoopConfig{Name: "order"})
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		loop.QueueInLoop(func() {
			order = append(order, i)
		})
	}
	var got []int
	loop.RunInLoopSync(func() {
		got = append(got, order...)
	})
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoopRunInLoopIsInlineOnLoopThread(t *testing.T) {
	loop := startLoop(t, EventLoopConfig{Name: "inline"})
	var steps []string
	loop.RunInLoopSync(func() {
		assert.True(t, loop.IsInLoopThread())
		steps = append(steps, "outer")
		loop.RunInLoop(func() {
			steps = append(steps, "inner")
		})
		steps = append(steps, "after")
	})
	assert.Equal(t, []string{"outer", "inner", "after"}, steps)
	assert.False(t, loop.IsInLoopThread())
}

func TestEventLoopNestedQueueIsNotDelayed(t *testing.T) {
	loop := startLoop(t, EventLoopConfig{Name: "nested"})
	done := make(chan time.Time, 1)
	start := time.Now()
	loop.QueueInLoop(func() {
		loop.QueueInLoop(func() {
			loop.QueueInLoop(func() {
				done <- time.Now()
			})
		})
	})
	select {
	case finished := <-done:
		// each hop wakes the loop instead of waiting out a poll timeout
		assert.True(t, finished.Sub(start) < pollTimeMs*time.Millisecond, "took %v", finished.Sub(start))
	case <-time.After(5 * time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestEventLoopQuitWakesPromptly(t *testing.T) {
	thread := NewEventLoopThread(EventLoopConfig{Name: "quit"}, nil)
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	require.Eventually(t, loop.IsLooping, time.Second, time.Millisecond)

	start := time.Now()
	thread.StopLoop()
	assert.True(t, time.Since(start) < time.Second)
	assert.False(t, loop.IsLooping())
}

func TestEventLoopQuitBeforeLoop(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop, err := NewEventLoop(EventLoopConfig{Name: "early-quit"})
		if !assert.NoError(t, err) {
			return
		}
		loop.Quit()
		loop.Loop()
		loop.Close()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop ignored a quit issued before it started")
	}
}

func TestEventLoopOnePerThread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop, err := NewEventLoop(EventLoopConfig{Name: "first"})
		if !assert.NoError(t, err) {
			return
		}
		assert.Same(t, loop, EventLoopOfCurrentThread())
		_, err = NewEventLoop(EventLoopConfig{Name: "second"})
		assert.ErrorIs(t, err, ErrLoopExists)
		loop.Close()
		assert.Nil(t, EventLoopOfCurrentThread())
	}()
	<-done
}

func TestEventLoopUnknownPoller(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := NewEventLoop(EventLoopConfig{Name: "bad", Poller: "kqueue"})
		assert.ErrorIs(t, err, errUnknownPoller)
	}()
	<-done
}

func TestEventLoopIterationAdvances(t *testing.T) {
	loop := startLoop(t, EventLoopConfig{Name: "iteration"})
	before := loop.Iteration()
	for i := 0; i < 3; i++ {
		loop.RunInLoopSync(func() {})
	}
	assert.Greater(t, loop.Iteration(), before)
	assert.Equal(t, 0, loop.ChannelCount())
	assert.Equal(t, 0, loop.QueueSize())
}

func TestEventLoopThreadInitCallback(t *testing.T) {
	var initialized *EventLoop
	thread := NewEventLoopThread(EventLoopConfig{Name: "init"}, func(loop *EventLoop) {
		initialized = loop
		assert.True(t, loop.IsInLoopThread())
	})
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	defer thread.StopLoop()
	assert.Same(t, initialized, loop)
}

func TestEventLoopThreadPool(t *testing.T) {
	base := startLoop(t, EventLoopConfig{Name: "base"})
	const numThreads = 3
	pool := NewEventLoopThreadPool(base, "worker")
	pool.SetThreadNum(numThreads)
	inits := atomic.NewInt32(0)
	var err error
	base.RunInLoopSync(func() {
		err = pool.Start(func(loop *EventLoop) {
			inits.Inc()
		})
	})
	require.NoError(t, err)
	defer pool.Stop()
	assert.Equal(t, int32(numThreads), inits.Load())
	assert.True(t, pool.Started())

	loops := pool.AllLoops()
	require.Len(t, loops, numThreads)
	for i, loop := range loops {
		assert.Equal(t, fmt.Sprintf("worker%d", i), loop.Name)
		assert.NotSame(t, base, loop)
	}

	base.RunInLoopSync(func() {
		for i := 0; i < 10; i++ {
			assert.Same(t, loops[i%numThreads], pool.NextLoop())
		}
		for h := uint64(0); h < 10; h++ {
			assert.Same(t, loops[h%numThreads], pool.LoopForHash(h))
			assert.Same(t, pool.LoopForHash(h), pool.LoopForHash(h))
		}
	})
}

func TestEventLoopThreadPoolWithoutThreads(t *testing.T) {
	base := startLoop(t, EventLoopConfig{Name: "solo"})
	pool := NewEventLoopThreadPool(base, "none")
	var initialized *EventLoop
	base.RunInLoopSync(func() {
		assert.NoError(t, pool.Start(func(loop *EventLoop) {
			initialized = loop
		}))
		assert.Same(t, base, pool.NextLoop())
		assert.Same(t, base, pool.LoopForHash(42))
	})
	assert.Same(t, base, initialized)
	assert.Equal(t, []*EventLoop{base}, pool.AllLoops())
	pool.Stop()
}

func TestEventLoopCloseUnlocksThread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			loop, err := NewEventLoop(EventLoopConfig{Name: "again"})
			if !assert.NoError(t, err) {
				return
			}
			loop.Close()
		}
	}()
	<-done
}

func TestEventLoopWakeupRacingClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		thread := NewEventLoopThread(EventLoopConfig{Name: "teardown"}, nil)
		loop, err := thread.StartLoop()
		require.NoError(t, err)

		stop := make(chan struct{})
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					loop.Quit()
				}
			}
		}()
		thread.StopLoop()
		// likely to get the wakeup fd number back
		a, b := socketPair(t)
		time.Sleep(time.Millisecond)
		close(stop)
		wg.Wait()

		stray := make([]byte, 8)
		_, err = unix.Read(b, stray)
		assert.ErrorIs(t, err, unix.EAGAIN, "round %d: bytes leaked into an unrelated socket", round)
		closeFd(a)
		closeFd(b)
	}
}

func TestEventLoopClosedDropsTasks(t *testing.T) {
	thread := NewEventLoopThread(EventLoopConfig{Name: "closed"}, nil)
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	thread.StopLoop()
	assert.True(t, loop.IsClosed())
	assert.False(t, loop.IsInLoopThread())

	ran := atomic.NewBool(false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.RunInLoopSync(func() {
			ran.Store(true)
		})
		loop.QueueInLoop(func() {
			ran.Store(true)
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunInLoopSync blocked on a closed loop")
	}
	assert.False(t, ran.Load())
	assert.Equal(t, 0, loop.QueueSize())
}

func TestEventLoopCloseRunsLeftoverTasks(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop, err := NewEventLoop(EventLoopConfig{Name: "leftover"})
		if !assert.NoError(t, err) {
			return
		}
		var order []int
		for i := 0; i < 3; i++ {
			i := i
			loop.QueueInLoop(func() {
				assert.True(t, loop.IsInLoopThread())
				order = append(order, i)
			})
		}
		loop.Close()
		assert.Equal(t, []int{0, 1, 2}, order)
		assert.False(t, loop.IsInLoopThread())
	}()
	<-done
}
